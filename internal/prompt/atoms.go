// Package prompt holds the prompt atoms used by the writer and reviewers.
// Atoms are small YAML-declared text/template fragments baked into the
// binary; callers render them by ID or assemble a whole category.
package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"
)

// AtomCategory groups atoms that are assembled together.
type AtomCategory string

const (
	CategoryWriter           AtomCategory = "writer"
	CategoryWriterTask       AtomCategory = "writer_task"
	CategoryWriterCorrection AtomCategory = "writer_correction"
	CategoryContinuity       AtomCategory = "continuity"
	CategoryContinuityTask   AtomCategory = "continuity_task"
	CategoryFacts            AtomCategory = "facts"
	CategoryFactsTask        AtomCategory = "facts_task"
	CategoryConsistency      AtomCategory = "consistency"
	CategoryConsistencyTask  AtomCategory = "consistency_task"
)

// AllCategories returns all defined atom categories.
func AllCategories() []AtomCategory {
	return []AtomCategory{
		CategoryWriter,
		CategoryWriterTask,
		CategoryWriterCorrection,
		CategoryContinuity,
		CategoryContinuityTask,
		CategoryFacts,
		CategoryFactsTask,
		CategoryConsistency,
		CategoryConsistencyTask,
	}
}

// PromptAtom is a single template fragment.
type PromptAtom struct {
	ID          string       `json:"id"`
	Category    AtomCategory `json:"category"`
	Description string       `json:"description,omitempty"`
	Priority    int          `json:"priority"` // higher renders first within a category
	IsMandatory bool         `json:"is_mandatory"`

	Content     string `json:"content"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`

	tmpl *template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// NewPromptAtom creates an atom and compiles its template.
func NewPromptAtom(id string, category AtomCategory, content string) (*PromptAtom, error) {
	atom := &PromptAtom{
		ID:          id,
		Category:    category,
		Content:     content,
		TokenCount:  EstimateTokens(content),
		ContentHash: HashContent(content),
	}
	if err := atom.compile(); err != nil {
		return nil, err
	}
	return atom, nil
}

func (a *PromptAtom) compile() error {
	t, err := template.New(a.ID).Funcs(funcs).Option("missingkey=error").Parse(a.Content)
	if err != nil {
		return fmt.Errorf("atom %s: %w", a.ID, err)
	}
	a.tmpl = t
	return nil
}

// Validate checks the atom's required fields.
func (a *PromptAtom) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("atom ID is required")
	}
	if a.Category == "" {
		return fmt.Errorf("atom %s: category is required", a.ID)
	}
	if strings.TrimSpace(a.Content) == "" {
		return fmt.Errorf("atom %s: content is required", a.ID)
	}
	return nil
}

// Render executes the atom's template against data.
func (a *PromptAtom) Render(data any) (string, error) {
	if a.tmpl == nil {
		if err := a.compile(); err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render atom %s: %w", a.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// EstimateTokens estimates the token count using a chars/4 approximation.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}

// HashContent computes a SHA256 hash of content.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
