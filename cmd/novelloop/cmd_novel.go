package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"novelloop/internal/types"
)

var (
	novelTitle      string
	novelBibleFile  string
	novelInactive   bool
	novelActiveOnly bool
)

// novelCmd groups novel management commands
var novelCmd = &cobra.Command{
	Use:   "novel",
	Short: "Manage novels",
}

var novelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a novel with its story bible",
	Long: `Registers a novel. The story bible is free text; a length directive
such as "2000~3000자" in it sets the episode length band.

Example:
  novelloop novel add --title "밤의 역" --bible-file bible.md`,
	Args: cobra.NoArgs,
	RunE: addNovel,
}

var novelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List novels",
	Args:  cobra.NoArgs,
	RunE:  listNovels,
}

var novelActivateCmd = &cobra.Command{
	Use:   "activate [novel-id]",
	Short: "Include a novel in --all runs",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setNovelActive(cmd, args[0], true) },
}

var novelDeactivateCmd = &cobra.Command{
	Use:   "deactivate [novel-id]",
	Short: "Exclude a novel from --all runs",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setNovelActive(cmd, args[0], false) },
}

func init() {
	novelAddCmd.Flags().StringVar(&novelTitle, "title", "", "Novel title (required)")
	novelAddCmd.Flags().StringVar(&novelBibleFile, "bible-file", "", "Story bible file, - for stdin")
	novelAddCmd.Flags().BoolVar(&novelInactive, "inactive", false, "Register without scheduling")
	novelAddCmd.MarkFlagRequired("title")

	novelListCmd.Flags().BoolVar(&novelActiveOnly, "active", false, "Only active novels")

	novelCmd.AddCommand(novelAddCmd)
	novelCmd.AddCommand(novelListCmd)
	novelCmd.AddCommand(novelActivateCmd)
	novelCmd.AddCommand(novelDeactivateCmd)
}

func readBible(cmd *cobra.Command, path string) (string, error) {
	var data []byte
	var err error
	switch path {
	case "":
		return "", nil
	case "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read story bible: %w", err)
	}
	return string(data), nil
}

func addNovel(cmd *cobra.Command, args []string) error {
	bible, err := readBible(cmd, novelBibleFile)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n := &types.Novel{Title: novelTitle, StoryBible: bible, Active: !novelInactive}
	if err := s.CreateNovel(cmd.Context(), n); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), n)
}

func listNovels(cmd *cobra.Command, args []string) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	novels, err := s.ListNovels(cmd.Context(), novelActiveOnly)
	if err != nil {
		return err
	}

	type row struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Active      bool   `json:"active"`
		LastEpisode int    `json:"last_episode_no"`
	}
	out := make([]row, 0, len(novels))
	for _, n := range novels {
		last, err := s.MaxEpisodeNo(cmd.Context(), n.ID)
		if err != nil {
			return err
		}
		out = append(out, row{ID: n.ID, Title: n.Title, Active: n.Active, LastEpisode: last})
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func setNovelActive(cmd *cobra.Command, id string, active bool) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SetNovelActive(cmd.Context(), id, active); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"id": id, "active": active})
}
