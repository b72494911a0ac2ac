package config

import (
	"fmt"
	"time"
)

// PipelineConfig holds the episode loop bounds and text budgets.
type PipelineConfig struct {
	// Outer loop: number of reviewer-driven rewrites ("tiktaka") allowed.
	MaxTiktaka        int `yaml:"max_tiktaka"`
	MaxReviewAttempts int `yaml:"max_review_attempts"` // 0 = min(max_tiktaka+1, 3)
	MaxWriterAttempts int `yaml:"max_writer_attempts"` // inner guard loop per outer attempt

	DisableWriterTools bool `yaml:"disable_writer_tools"`
	MaxToolCalls       int  `yaml:"max_tool_calls"`
	MaxMetaRetries     int  `yaml:"max_meta_retries"`

	StoryTimeStepMinutes int    `yaml:"story_time_step_minutes"`
	StartStoryTime       string `yaml:"start_story_time"` // RFC3339; empty = now

	DefaultMinChars int `yaml:"default_min_chars"`
	DefaultMaxChars int `yaml:"default_max_chars"`

	TailChars      int `yaml:"tail_chars"`
	BibleMaxChars  int `yaml:"bible_max_chars"`
	AnchorWindow   int `yaml:"anchor_window"`
	AnchorFallback int `yaml:"anchor_fallback"`
	SummaryChars   int `yaml:"summary_chars"`
	FactQueryChars int `yaml:"fact_query_chars"`
	MaxFacts       int `yaml:"max_facts"`
	RetrievalK     int `yaml:"retrieval_k"`

	InitialOutputTokens int `yaml:"initial_output_tokens"`
	MinOutputTokens     int `yaml:"min_output_tokens"`
	MaxOutputTokens     int `yaml:"max_output_tokens"`
	OutputTokenStep     int `yaml:"output_token_step"`
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxTiktaka:        2,
		MaxWriterAttempts: 8,

		MaxToolCalls:   8,
		MaxMetaRetries: 2,

		StoryTimeStepMinutes: 10,

		DefaultMinChars: 2000,
		DefaultMaxChars: 3000,

		TailChars:      2500,
		BibleMaxChars:  6000,
		AnchorWindow:   800,
		AnchorFallback: 220,
		SummaryChars:   1500,
		FactQueryChars: 2000,
		MaxFacts:       10,
		RetrievalK:     8,

		InitialOutputTokens: 4096,
		MinOutputTokens:     512,
		MaxOutputTokens:     8192,
		OutputTokenStep:     180,
	}
}

// ReviewAttempts returns the outer loop bound.
func (p PipelineConfig) ReviewAttempts() int {
	if p.MaxReviewAttempts > 0 {
		return p.MaxReviewAttempts
	}
	n := p.MaxTiktaka + 1
	if n > 3 {
		n = 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

// StoryTimeStep returns the story-time advance per episode.
func (p PipelineConfig) StoryTimeStep() time.Duration {
	if p.StoryTimeStepMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(p.StoryTimeStepMinutes) * time.Minute
}

// StartTime parses StartStoryTime. ok is false when unset.
func (p PipelineConfig) StartTime() (t time.Time, ok bool, err error) {
	if p.StartStoryTime == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339, p.StartStoryTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid start_story_time %q: %w", p.StartStoryTime, err)
	}
	return t, true, nil
}

// Validate checks pipeline bounds.
func (p PipelineConfig) Validate() error {
	if p.MaxTiktaka < 0 {
		return fmt.Errorf("pipeline.max_tiktaka must be >= 0, got %d", p.MaxTiktaka)
	}
	if p.MaxWriterAttempts < 1 {
		return fmt.Errorf("pipeline.max_writer_attempts must be >= 1, got %d", p.MaxWriterAttempts)
	}
	if p.DefaultMinChars <= 0 || p.DefaultMinChars >= p.DefaultMaxChars {
		return fmt.Errorf("pipeline default length band [%d,%d] is invalid", p.DefaultMinChars, p.DefaultMaxChars)
	}
	if p.MinOutputTokens <= 0 || p.MinOutputTokens > p.MaxOutputTokens {
		return fmt.Errorf("pipeline output token bounds [%d,%d] are invalid", p.MinOutputTokens, p.MaxOutputTokens)
	}
	if _, _, err := p.StartTime(); err != nil {
		return err
	}
	return nil
}
