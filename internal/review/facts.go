package review

import (
	"context"
	"strings"

	"novelloop/internal/errs"
	"novelloop/internal/llm"
	"novelloop/internal/logging"
	"novelloop/internal/prompt"
)

// ExtractFacts asks the model for short atomic facts about draft and
// returns at most MaxFacts of them, deduplicated ignoring case and spacing.
func (r *Reviewer) ExtractFacts(ctx context.Context, draft string) ([]string, error) {
	const op = "review.facts"
	timer := logging.StartTimer(logging.CategoryReview, "ExtractFacts")
	defer timer.Stop()

	data := prompt.FactsData{MaxFacts: r.cfg.MaxFacts, Draft: draft}
	sys, err := r.corpus.Assemble(prompt.CategoryFacts, data)
	if err != nil {
		return nil, errs.Unexpected(op, err)
	}
	user, err := r.corpus.Assemble(prompt.CategoryFactsTask, data)
	if err != nil {
		return nil, errs.Unexpected(op, err)
	}

	var reply struct {
		Facts []string `json:"facts"`
	}
	req := llm.Request{
		System:     sys,
		Messages:   []llm.Message{llm.UserText(user)},
		Schema:     factsSchema,
		SchemaName: "facts",
	}
	if err := r.model.GenerateStructuredJSON(ctx, op, req, &reply); err != nil {
		return nil, err
	}

	facts := DedupeFacts(reply.Facts, r.cfg.MaxFacts)
	logging.Review("extracted %d facts (%d raw)", len(facts), len(reply.Facts))
	return facts, nil
}

// DedupeFacts normalizes whitespace, drops empties and case-insensitive
// duplicates, and keeps at most limit facts (all when limit <= 0).
func DedupeFacts(raw []string, limit int) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		norm := strings.Join(strings.Fields(f), " ")
		if norm == "" {
			continue
		}
		key := strings.ToLower(norm)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, norm)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
