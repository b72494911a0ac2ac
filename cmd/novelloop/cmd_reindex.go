package main

import (
	"github.com/spf13/cobra"

	"novelloop/internal/lifecycle"
)

var reindexNovelID string

// reindexCmd rebuilds episode summary vectors, e.g. after changing the
// embedding model tag.
var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the episode summary index of a novel",
	Args:  cobra.NoArgs,
	RunE:  reindex,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexNovelID, "novel", "", "Novel ID (required)")
	reindexCmd.MarkFlagRequired("novel")
}

func reindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetNovel(ctx, reindexNovelID); err != nil {
		return err
	}
	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		return err
	}

	n, err := lifecycle.New(s, adapter, cfg.Embedding.Tag, cfg.Pipeline).Reindex(ctx, reindexNovelID)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"novel_id": reindexNovelID, "reindexed": n})
}
