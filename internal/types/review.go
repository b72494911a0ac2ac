package types

import (
	"sort"
	"strings"
)

// Severity of a reviewer issue.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ReviewIssue is one problem found by a reviewer or the guard.
type ReviewIssue struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// ReviewResult is the normalized reviewer verdict. Reported is the model's
// own flag; Issues is what it listed.
type ReviewResult struct {
	Reported            bool          `json:"passed"`
	Issues              []ReviewIssue `json:"issues"`
	RevisionInstruction string        `json:"revision_instruction,omitempty"`
}

// Passed is true only when the model says so and listed no issues.
// A "passed" verdict with issues attached is treated as a failure.
func (r ReviewResult) Passed() bool {
	return r.Reported && len(r.Issues) == 0
}

// Instruction returns the revision instruction, synthesizing one from the
// issues when the reviewer left it empty.
func (r ReviewResult) Instruction() string {
	if s := strings.TrimSpace(r.RevisionInstruction); s != "" {
		return s
	}
	if len(r.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Fix the following problems:")
	for _, is := range r.Issues {
		b.WriteString("\n- [")
		b.WriteString(string(is.Severity))
		b.WriteString("] ")
		b.WriteString(is.Description)
	}
	return b.String()
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GroundingHit is one piece of retrieved evidence from an earlier episode.
type GroundingHit struct {
	Kind       ChunkKind `json:"kind"`
	EpisodeNo  int       `json:"episode_no"`
	Similarity float64   `json:"similarity"`
	Content    string    `json:"content"`
}
