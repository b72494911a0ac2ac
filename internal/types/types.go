// Package types holds the domain model shared across novelloop packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// NOVEL AND EPISODES
// =============================================================================

// Novel is a serialized work. StoryBible is the freeform setting document.
type Novel struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	StoryBible string    `json:"story_bible"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Episode is one accepted installment. Immutable once created.
type Episode struct {
	ID        string    `json:"id"`
	NovelID   string    `json:"novel_id"`
	EpisodeNo int       `json:"episode_no"`
	StoryTime time.Time `json:"story_time"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunState is the persisted state of an episode attempt.
type RunState string

const (
	RunDrafting     RunState = "drafting"
	RunReviewing    RunState = "reviewing"
	RunPersisted    RunState = "persisted"
	RunReviewFailed RunState = "review_failed"
)

// EpisodeRun tracks one attempt at producing an episode. A new attempt for
// the same (novel, episode_no) replaces the previous row.
type EpisodeRun struct {
	ID                      string        `json:"id"`
	NovelID                 string        `json:"novel_id"`
	EpisodeNo               int           `json:"episode_no"`
	State                   RunState      `json:"state"`
	AttemptCount            int           `json:"attempt_count"`
	LastReviewIssues        []ReviewIssue `json:"last_review_issues,omitempty"`
	LastRevisionInstruction string        `json:"last_revision_instruction,omitempty"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// LengthBand is the accepted episode length in characters (runes), inclusive.
type LengthBand struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Valid reports whether the band is usable.
func (b LengthBand) Valid() bool { return b.Min > 0 && b.Min < b.Max }

// Contains reports whether n lies within the band.
func (b LengthBand) Contains(n int) bool { return n >= b.Min && n <= b.Max }

// Midpoint is the length the writer should aim for.
func (b LengthBand) Midpoint() int { return (b.Min + b.Max) / 2 }

// =============================================================================
// NARRATIVE STATE
// =============================================================================

// SeedStatus is the lifecycle state of a plot seed.
type SeedStatus string

const (
	SeedOpen     SeedStatus = "open"
	SeedResolved SeedStatus = "resolved"
)

// PlotSeed is a foreshadowing thread introduced in one episode and
// optionally resolved in a later one.
type PlotSeed struct {
	ID                    string     `json:"id"`
	NovelID               string     `json:"novel_id"`
	Title                 string     `json:"title"`
	Detail                string     `json:"detail"`
	Status                SeedStatus `json:"status"`
	IntroducedInEpisodeID string     `json:"introduced_in_episode_id,omitempty"`
	ResolvedInEpisodeID   string     `json:"resolved_in_episode_id,omitempty"`
	CharacterNames        []string   `json:"character_names,omitempty"`
	LocationNames         []string   `json:"location_names,omitempty"`
}

// Character is a named cast member; Attributes merge on upsert.
type Character struct {
	NovelID    string            `json:"novel_id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Location is a named place; Attributes merge on upsert.
type Location struct {
	NovelID    string            `json:"novel_id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Describe renders "name (k: v, ...)" with keys in stable order.
func (c Character) Describe() string { return describe(c.Name, c.Attributes) }

// Describe renders "name (k: v, ...)" with keys in stable order.
func (l Location) Describe() string { return describe(l.Name, l.Attributes) }

func describe(name string, attrs map[string]string) string {
	if len(attrs) == 0 {
		return name
	}
	parts := make([]string, 0, len(attrs))
	for _, k := range SortedKeys(attrs) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, attrs[k]))
	}
	return fmt.Sprintf("%s (%s)", name, strings.Join(parts, ", "))
}

// =============================================================================
// RETRIEVAL INDEX
// =============================================================================

// ChunkKind distinguishes index entries.
type ChunkKind string

const (
	ChunkEpisode ChunkKind = "episode" // summary of a whole episode
	ChunkFact    ChunkKind = "fact"
	ChunkStyle   ChunkKind = "style"
)

// EpisodeChunk is a derived, rebuildable index row.
type EpisodeChunk struct {
	ID             string    `json:"id"`
	NovelID        string    `json:"novel_id"`
	EpisodeID      string    `json:"episode_id"`
	EpisodeNo      int       `json:"episode_no"`
	Kind           ChunkKind `json:"kind"`
	ChunkIndex     int       `json:"chunk_index"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model"`
}

// ChunkMatch is one similarity hit.
type ChunkMatch struct {
	Chunk      EpisodeChunk `json:"chunk"`
	Similarity float64      `json:"similarity"`
}
