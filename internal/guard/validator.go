// Package guard implements the deterministic checks every draft must pass
// before a reviewer model sees it: length band, continuation anchor and
// meta-reference scan.
package guard

import (
	"fmt"
	"strings"

	"novelloop/internal/config"
	"novelloop/internal/logging"
	"novelloop/internal/types"
)

// Verdict is the outcome of one hard-constraint check.
type Verdict struct {
	Length    int
	Band      types.LengthBand
	LengthOK  bool
	Direction Direction

	AnchorRequired bool
	Anchor         string
	AnchorOK       bool

	MetaHits []string

	Messages []string
}

// Passed reports whether every check succeeded.
func (v Verdict) Passed() bool {
	return v.LengthOK && (!v.AnchorRequired || v.AnchorOK) && len(v.MetaHits) == 0
}

// Instruction joins the failure messages into one revision instruction.
func (v Verdict) Instruction() string {
	return strings.Join(v.Messages, "\n")
}

// Issue converts a failed verdict into a high-severity review issue.
func (v Verdict) Issue() types.ReviewIssue {
	return types.ReviewIssue{Severity: types.SeverityHigh, Description: v.Instruction()}
}

// Validator runs the checks with pipeline-configured windows.
type Validator struct {
	cfg  config.PipelineConfig
	meta *MetaScanner
}

// NewValidator builds a validator; the meta scanner is compiled once.
func NewValidator(cfg config.PipelineConfig) *Validator {
	return &Validator{cfg: cfg, meta: NewMetaScanner()}
}

// Anchor returns the anchor derived from a previous tail with the
// configured window and fallback.
func (v *Validator) Anchor(prevTail string) string {
	return Anchor(prevTail, v.cfg.AnchorWindow, v.cfg.AnchorFallback)
}

// Check validates a draft. prevTail is empty for a novel's first episode,
// in which case no anchor is required.
func (v *Validator) Check(draft string, band types.LengthBand, prevTail string) Verdict {
	verdict := Verdict{Band: band}

	verdict.Length = Length(draft)
	verdict.Direction = lengthDirection(verdict.Length, band)
	verdict.LengthOK = verdict.Direction == DirectionNone
	if !verdict.LengthOK {
		verdict.Messages = append(verdict.Messages, lengthInstruction(verdict.Length, band, verdict.Direction))
	}

	if anchor := v.Anchor(prevTail); anchor != "" {
		verdict.AnchorRequired = true
		verdict.Anchor = anchor
		verdict.AnchorOK = anchorPresent(draft, anchor, v.cfg.AnchorWindow)
		if !verdict.AnchorOK {
			verdict.Messages = append(verdict.Messages, fmt.Sprintf(
				"Begin by continuing directly from the previous episode: the following passage must appear verbatim within the first %d characters:\n%s",
				v.cfg.AnchorWindow, anchor))
		}
	}

	verdict.MetaHits = v.meta.Scan(draft)
	if len(verdict.MetaHits) > 0 {
		verdict.Messages = append(verdict.Messages, fmt.Sprintf(
			"Remove every reference to episode numbers or earlier episodes (found: %s). Tell the story without naming the serial's structure.",
			quoteJoin(verdict.MetaHits)))
	}

	logging.GuardDebug("check: length=%d band=[%d,%d] anchor_required=%v anchor_ok=%v meta_hits=%d",
		verdict.Length, band.Min, band.Max, verdict.AnchorRequired, verdict.AnchorOK, len(verdict.MetaHits))
	return verdict
}

// NextTokenBudget moves the output-token budget one step in the direction
// the length check asked for, clamped to the configured bounds.
func (v *Validator) NextTokenBudget(current int, dir Direction) int {
	next := current
	switch dir {
	case DirectionCompress:
		next -= v.cfg.OutputTokenStep
	case DirectionExpand:
		next += v.cfg.OutputTokenStep
	}
	if next < v.cfg.MinOutputTokens {
		next = v.cfg.MinOutputTokens
	}
	if next > v.cfg.MaxOutputTokens {
		next = v.cfg.MaxOutputTokens
	}
	return next
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
