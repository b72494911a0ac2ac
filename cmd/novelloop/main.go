// Command novelloop generates the next episode of serialized novels and
// manages the novels it writes.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"novelloop/internal/config"
	"novelloop/internal/logging"
)

var (
	// Global flags
	configPath string
	dbPath     string
	quiet      bool
	debug      bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// errRunFailed marks a run whose JSON report was already written; main
// only has to exit non-zero.
var errRunFailed = errors.New("one or more novels failed")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "novelloop",
	Short: "Serialized novel episode generator with automated review",
	Long: `novelloop writes the next episode of each selected novel.

Every episode goes through a writer model, hard checks on length,
continuity anchor and meta references, a continuity review against the
previous episode and a consistency review grounded in retrieved facts.
Only an episode that passes everything is stored.

The run result is printed to stdout as one JSON object; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Database.Path = dbPath
		}
		switch {
		case debug:
			loaded.Logging.Level = "debug"
		case quiet:
			loaded.Logging.Level = "warn"
		}
		if err := logging.Initialize(logging.Options{
			Level:      loaded.Logging.Level,
			Format:     loaded.Logging.Format,
			File:       loaded.Logging.File,
			Categories: loaded.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "novelloop.yaml", "Config file (YAML); missing file means defaults")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(novelCmd)
	rootCmd.AddCommand(reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
