package config

import (
	"fmt"
	"time"
)

// RetryConfig controls the backoff loop around every upstream call and the
// JSON repair loop around structured-output calls.
//
// The shortest timeout in a chain wins: the per-call timeout (llm.timeout)
// bounds each attempt, the backoff only spaces attempts apart.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      float64 `yaml:"jitter"` // fraction of the delay added at random
	MaxRepairs  int     `yaml:"max_repairs"`
}

// DefaultRetryConfig returns 5 attempts, 600ms doubling to a 60s cap, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   "600ms",
		MaxDelay:    "60s",
		Jitter:      0.2,
		MaxRepairs:  2,
	}
}

// GetBaseDelay returns the first backoff delay.
func (r RetryConfig) GetBaseDelay() time.Duration {
	return parseDuration(r.BaseDelay, 600*time.Millisecond)
}

// GetMaxDelay returns the backoff cap.
func (r RetryConfig) GetMaxDelay() time.Duration {
	return parseDuration(r.MaxDelay, 60*time.Second)
}

// Validate checks retry bounds.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.MaxRepairs < 0 {
		return fmt.Errorf("retry.max_repairs must be >= 0, got %d", r.MaxRepairs)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1], got %v", r.Jitter)
	}
	if r.GetBaseDelay() > r.GetMaxDelay() {
		return fmt.Errorf("retry.base_delay exceeds retry.max_delay")
	}
	return nil
}
