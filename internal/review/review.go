// Package review runs the model-based checks on an accepted-length draft:
// continuity with the previous episode, fact extraction and consistency
// against retrieved evidence.
package review

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/llm"
	"novelloop/internal/logging"
	"novelloop/internal/prompt"
	"novelloop/internal/types"
)

// Reviewer names used in logs and the review audit table.
const (
	NameContinuity  = "continuity"
	NameConsistency = "consistency"
	NameGuard       = "guard"
)

// Model is the part of the LLM adapter the reviewers use.
type Model interface {
	GenerateStructuredJSON(ctx context.Context, purpose string, req llm.Request, out any) error
}

var verdictSchema = llm.ObjectOptional("Review verdict.", map[string]*jsonschema.Schema{
	"passed": llm.Boolean("True only when there are no issues."),
	"issues": llm.Array("Problems found.", llm.Object("One problem.", map[string]*jsonschema.Schema{
		"severity":    llm.String("How serious the problem is: low, medium or high."),
		"description": llm.String("What is wrong and where."),
	}), 0),
	"revision_instruction": llm.String("Concrete instruction for the writer to fix every issue."),
}, "passed", "issues")

var factsSchema = llm.Object("Facts established by the installment.", map[string]*jsonschema.Schema{
	"facts": llm.Array("Short atomic facts.", llm.String("One fact."), 0),
})

type verdictReply struct {
	Passed bool `json:"passed"`
	Issues []struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"issues"`
	RevisionInstruction string `json:"revision_instruction"`
}

// Reviewer holds the prompt corpus and model shared by all three passes.
type Reviewer struct {
	model  Model
	corpus *prompt.EmbeddedCorpus
	cfg    config.PipelineConfig
}

// New creates a reviewer.
func New(model Model, corpus *prompt.EmbeddedCorpus, cfg config.PipelineConfig) *Reviewer {
	return &Reviewer{model: model, corpus: corpus, cfg: cfg}
}

// Continuity checks that draft continues the previous tails, oldest first.
// A first episode has nothing to continue and passes without a model call.
func (r *Reviewer) Continuity(ctx context.Context, previousTails []string, draft string) (types.ReviewResult, error) {
	if len(previousTails) == 0 {
		logging.ReviewDebug("continuity: no previous episode, skipping")
		return types.ReviewResult{Reported: true}, nil
	}
	timer := logging.StartTimer(logging.CategoryReview, "Continuity")
	defer timer.Stop()

	data := prompt.ContinuityData{PreviousTails: previousTails, Draft: draft}
	return r.verdict(ctx, NameContinuity, prompt.CategoryContinuity, prompt.CategoryContinuityTask, data)
}

// ConsistencyInput is the evidence the consistency pass compares against.
type ConsistencyInput struct {
	Bible         string
	PreviousTails []string
	Hits          []types.GroundingHit
	Facts         []string
	Draft         string
}

// Consistency checks the draft against the bible and retrieved evidence.
func (r *Reviewer) Consistency(ctx context.Context, in ConsistencyInput) (types.ReviewResult, error) {
	timer := logging.StartTimer(logging.CategoryReview, "Consistency")
	defer timer.Stop()

	data := prompt.ConsistencyData{
		Bible:         in.Bible,
		PreviousTails: in.PreviousTails,
		Facts:         in.Facts,
		Draft:         in.Draft,
	}
	for _, h := range in.Hits {
		data.Hits = append(data.Hits, prompt.EvidenceLine{
			Kind:       string(h.Kind),
			EpisodeNo:  h.EpisodeNo,
			Similarity: h.Similarity,
			Content:    h.Content,
		})
	}
	return r.verdict(ctx, NameConsistency, prompt.CategoryConsistency, prompt.CategoryConsistencyTask, data)
}

func (r *Reviewer) verdict(ctx context.Context, name string, system, task prompt.AtomCategory, data any) (types.ReviewResult, error) {
	op := "review." + name
	sys, err := r.corpus.Assemble(system, data)
	if err != nil {
		return types.ReviewResult{}, errs.Unexpected(op, err)
	}
	user, err := r.corpus.Assemble(task, data)
	if err != nil {
		return types.ReviewResult{}, errs.Unexpected(op, err)
	}

	var reply verdictReply
	req := llm.Request{
		System:     sys,
		Messages:   []llm.Message{llm.UserText(user)},
		Schema:     verdictSchema,
		SchemaName: name + "_verdict",
	}
	if err := r.model.GenerateStructuredJSON(ctx, "review."+name, req, &reply); err != nil {
		return types.ReviewResult{}, err
	}

	result := normalizeVerdict(reply)
	if reply.Passed && len(result.Issues) > 0 {
		logging.Get(logging.CategoryReview).Warn("%s reviewer reported passed with %d issues; treating as failed", name, len(result.Issues))
	}
	logging.Review("%s verdict: passed=%v issues=%d", name, result.Passed(), len(result.Issues))
	return result, nil
}

const noDescription = "(no description)"

func normalizeVerdict(reply verdictReply) types.ReviewResult {
	result := types.ReviewResult{
		Reported:            reply.Passed,
		RevisionInstruction: strings.TrimSpace(reply.RevisionInstruction),
	}
	for _, is := range reply.Issues {
		// A reported issue blocks acceptance even when the reviewer left it blank.
		desc := strings.TrimSpace(is.Description)
		if desc == "" {
			desc = noDescription
		}
		sev := types.Severity(strings.ToLower(strings.TrimSpace(is.Severity)))
		if !sev.Valid() {
			sev = types.SeverityMedium
		}
		result.Issues = append(result.Issues, types.ReviewIssue{Severity: sev, Description: desc})
	}
	return result
}
