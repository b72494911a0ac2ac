package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"novelloop/internal/logging"
	"novelloop/internal/orchestrator"
	"novelloop/internal/telemetry"
)

var (
	runNovelIDs           []string
	runAll                bool
	runDryRun             bool
	runMaxTiktaka         int
	runDisableWriterTools bool
	runStoryTimeStep      int
	runStartStoryTime     string
	runMaxWriterAttempts  int
	runMaxReviewAttempts  int
)

// runCmd generates the next episode of the selected novels
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate the next episode of one or more novels",
	Long: `Generates, reviews and (unless --dry-run) stores the next episode.

Novels are processed one after another; a failing novel does not stop the
others. The exit code is non-zero when any novel failed.

Examples:
  novelloop run --novel 6f1c...
  novelloop run --all --dry-run`,
	Args: cobra.NoArgs,
	RunE: runEpisodes,
}

func init() {
	runCmd.Flags().StringSliceVar(&runNovelIDs, "novel", nil, "Novel ID (repeatable)")
	runCmd.Flags().BoolVar(&runAll, "all", false, "Run every active novel")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Draft and review but store nothing")
	runCmd.Flags().IntVar(&runMaxTiktaka, "max-tiktaka", -1, "Revision rounds after the first review attempt (total attempts capped at 3)")
	runCmd.Flags().BoolVar(&runDisableWriterTools, "disable-writer-tools", false, "Give the writer a static context instead of lookup tools")
	runCmd.Flags().IntVar(&runStoryTimeStep, "story-time-step-minutes", 0, "Story time between consecutive episodes")
	runCmd.Flags().StringVar(&runStartStoryTime, "start-story-time", "", "Story time of a first episode (RFC 3339)")
	runCmd.Flags().IntVar(&runMaxWriterAttempts, "max-writer-attempts", 0, "Drafts per review attempt before giving up")
	runCmd.Flags().IntVar(&runMaxReviewAttempts, "max-review-attempts", 0, "Exact review attempt budget (overrides --max-tiktaka)")
	runCmd.MarkFlagsMutuallyExclusive("novel", "all")
}

// applyRunFlags copies explicitly set flags over the loaded pipeline config.
func applyRunFlags(cmd *cobra.Command) error {
	p := &cfg.Pipeline
	flags := cmd.Flags()
	if flags.Changed("max-tiktaka") {
		p.MaxTiktaka = runMaxTiktaka
	}
	if flags.Changed("disable-writer-tools") {
		p.DisableWriterTools = runDisableWriterTools
	}
	if flags.Changed("story-time-step-minutes") {
		p.StoryTimeStepMinutes = runStoryTimeStep
	}
	if flags.Changed("start-story-time") {
		p.StartStoryTime = runStartStoryTime
	}
	if flags.Changed("max-writer-attempts") {
		p.MaxWriterAttempts = runMaxWriterAttempts
	}
	if flags.Changed("max-review-attempts") {
		p.MaxReviewAttempts = runMaxReviewAttempts
	}
	if err := p.Validate(); err != nil {
		return err
	}
	_, _, err := p.StartTime()
	return err
}

// runEpisodes always writes one JSON report, including when the run fails
// before the pipeline starts.
func runEpisodes(cmd *cobra.Command, args []string) error {
	report, err := generateEpisodes(cmd)
	if err != nil {
		report = &orchestrator.Report{Results: []orchestrator.Result{}, Error: err.Error()}
	}
	if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil && err == nil {
		return werr
	}
	if err != nil {
		return err
	}
	if !report.OK {
		return errRunFailed
	}
	return nil
}

func generateEpisodes(cmd *cobra.Command) (*orchestrator.Report, error) {
	if !runAll && len(runNovelIDs) == 0 {
		return nil, fmt.Errorf("select novels with --novel or --all")
	}
	if err := applyRunFlags(cmd); err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logging.Get(logging.CategoryBoot).Warn("telemetry shutdown: %v", err)
		}
	}()

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	orch, err := buildOrchestrator(ctx, cfg, s)
	if err != nil {
		return nil, err
	}

	return orch.Run(ctx, orchestrator.Options{
		NovelIDs: runNovelIDs,
		All:      runAll,
		DryRun:   runDryRun,
	})
}
