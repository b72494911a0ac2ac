// Package orchestrator drives one episode per novel through drafting, the
// hard-constraint loop, both reviews and persistence.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/guard"
	"novelloop/internal/lifecycle"
	"novelloop/internal/logging"
	"novelloop/internal/review"
	"novelloop/internal/store"
	"novelloop/internal/storycontext"
	"novelloop/internal/types"
	"novelloop/internal/writer"
)

var tracer = otel.Tracer("novelloop/orchestrator")

// KST is the fixed zone story time is rendered in.
var KST = time.FixedZone("KST", 9*60*60)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// ContextLoader loads the story so far.
type ContextLoader interface {
	Load(ctx context.Context, novelID string) (*storycontext.StoryContext, error)
}

// Drafter writes candidate episodes.
type Drafter interface {
	Draft(ctx context.Context, req writer.DraftRequest) (*writer.Draft, error)
}

// Reviewer runs the model-based checks.
type Reviewer interface {
	Continuity(ctx context.Context, previousTails []string, draft string) (types.ReviewResult, error)
	ExtractFacts(ctx context.Context, draft string) ([]string, error)
	Consistency(ctx context.Context, in review.ConsistencyInput) (types.ReviewResult, error)
}

// Grounder retrieves evidence for facts.
type Grounder interface {
	Ground(ctx context.Context, novelID string, maxEpisodeNo int, facts []string) ([]types.GroundingHit, error)
}

// Committer persists an accepted episode.
type Committer interface {
	Commit(ctx context.Context, in lifecycle.CommitInput) (*lifecycle.CommitResult, error)
}

// RunStore records attempt progress and lists novels.
type RunStore interface {
	ListNovels(ctx context.Context, activeOnly bool) ([]types.Novel, error)
	UpsertEpisodeRun(ctx context.Context, run *types.EpisodeRun) error
	InsertReview(ctx context.Context, rec store.ReviewRecord) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Loader    ContextLoader
	Writer    Drafter
	Guard     *guard.Validator
	Reviewer  Reviewer
	Retriever Grounder
	Lifecycle Committer
	Runs      RunStore
}

// =============================================================================
// RESULTS
// =============================================================================

// Status is the per-novel outcome reported on stdout.
type Status string

const (
	StatusOK           Status = "ok"
	StatusDryRun       Status = "dry_run"
	StatusReviewFailed Status = "review_failed"
	StatusError        Status = "error"
)

// Result is the outcome for one novel.
type Result struct {
	NovelID   string              `json:"novel_id"`
	EpisodeNo int                 `json:"episode_no"`
	EpisodeID string              `json:"episode_id,omitempty"`
	Status    Status              `json:"status"`
	Issues    []types.ReviewIssue `json:"issues,omitempty"`
	Error     string              `json:"error,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`

	Attempts  int       `json:"-"`
	Content   string    `json:"-"`
	StoryTime time.Time `json:"-"`
	States    []State   `json:"-"`
}

// Report is the outcome of a run over several novels. Error is set when
// the run stopped before any novel was processed.
type Report struct {
	OK      bool     `json:"ok"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Options select what a run does.
type Options struct {
	NovelIDs []string
	All      bool // every active novel
	DryRun   bool
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the per-novel episode loop.
type Orchestrator struct {
	deps Deps
	cfg  config.PipelineConfig
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(deps Deps, cfg config.PipelineConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{deps: deps, cfg: cfg, now: time.Now, locks: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes the selected novels one after another. A failing novel
// never stops the others; Report.OK is false when any novel failed.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	ids := opts.NovelIDs
	if opts.All {
		novels, err := o.deps.Runs.ListNovels(ctx, true)
		if err != nil {
			return nil, err
		}
		ids = make([]string, 0, len(novels))
		for _, n := range novels {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 && !opts.All {
		return nil, errs.Validation("orchestrator.Run", "no novels selected")
	}

	logging.Audit().Log(logging.AuditRunStart, "run start")
	report := &Report{OK: true, Results: []Result{}}
	for _, id := range ids {
		res := o.RunNovel(ctx, id, opts.DryRun)
		if res.Status != StatusOK && res.Status != StatusDryRun {
			report.OK = false
		}
		report.Results = append(report.Results, res)
	}
	logging.Audit().Log(logging.AuditRunEnd, "run end")
	return report, nil
}

// RunNovel produces (or, in dry-run, drafts and reviews) the next episode
// of one novel. Errors are folded into the result.
func (o *Orchestrator) RunNovel(ctx context.Context, novelID string, dryRun bool) Result {
	lock := o.novelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer.Start(ctx, "orchestrator.RunNovel", trace.WithAttributes(
		attribute.String("novel.id", novelID),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	res, err := o.runNovel(ctx, novelID, dryRun)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		if hint := errs.HintOf(err); hint != "" {
			res.Error += " (" + hint + ")"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Get(logging.CategoryOrchestrator).Error("novel %s episode %d failed: %v", novelID, res.EpisodeNo, err)
	}
	span.SetAttributes(attribute.String("result.status", string(res.Status)), attribute.Int("episode.no", res.EpisodeNo))
	logging.Orchestrator("novel %s episode %d: %s after %d attempt(s)", novelID, res.EpisodeNo, res.Status, res.Attempts)
	return res
}

func (o *Orchestrator) novelLock(novelID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[novelID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[novelID] = l
	}
	return l
}

// StoryTime returns the story time of the next episode: the previous one
// plus the configured step, else the configured start, else now. It is
// always expressed in KST.
func (o *Orchestrator) StoryTime(sc *storycontext.StoryContext) (time.Time, error) {
	if sc.HasPrevious && !sc.PreviousStoryTime.IsZero() {
		return sc.PreviousStoryTime.Add(o.cfg.StoryTimeStep()).In(KST), nil
	}
	start, ok, err := o.cfg.StartTime()
	if err != nil {
		return time.Time{}, errs.Validation("orchestrator.StoryTime", "%v", err)
	}
	if ok {
		return start.In(KST), nil
	}
	return o.now().In(KST).Truncate(time.Minute), nil
}

// attempt carries the mutable state of one RunNovel call.
type attempt struct {
	sc       *storycontext.StoryContext
	m        *machine
	run      *types.EpisodeRun
	audit    *logging.AuditLogger
	dryRun   bool
	anchor   string
	tokens   int
	revision string
	res      *Result
}

func (o *Orchestrator) runNovel(ctx context.Context, novelID string, dryRun bool) (res Result, err error) {
	res = Result{NovelID: novelID}

	sc, err := o.deps.Loader.Load(ctx, novelID)
	if err != nil {
		return res, err
	}
	res.EpisodeNo = sc.NextEpisodeNo()

	storyTime, err := o.StoryTime(sc)
	if err != nil {
		return res, err
	}
	res.StoryTime = storyTime

	audit := logging.AuditFor(novelID, res.EpisodeNo)
	a := &attempt{
		sc:     sc,
		m:      newMachine(audit),
		run:    &types.EpisodeRun{NovelID: novelID, EpisodeNo: res.EpisodeNo, State: types.RunDrafting},
		audit:  audit,
		dryRun: dryRun,
		tokens: o.cfg.InitialOutputTokens,
		res:    &res,
	}
	if sc.HasPrevious {
		a.anchor = o.deps.Guard.Anchor(sc.PreviousTail)
	}
	defer func() { res.States = a.m.history }()

	if err := o.saveRun(ctx, a); err != nil {
		return res, err
	}

	maxReview := o.cfg.ReviewAttempts()
	for n := 1; n <= maxReview; n++ {
		a.m.attempt = n
		a.run.AttemptCount = n
		res.Attempts = n
		last := n == maxReview

		if n > 1 {
			if err := a.m.to(StateDrafting); err != nil {
				return res, err
			}
			a.run.State = types.RunDrafting
			if err := o.saveRun(ctx, a); err != nil {
				return res, err
			}
		}

		done, err := o.attemptEpisode(ctx, a, storyTime, last)
		if err != nil {
			if !a.m.terminal() {
				_ = a.m.to(StateFailed)
			}
			return res, err
		}
		if done {
			return res, nil
		}
	}
	return res, errs.Unexpected("orchestrator.runNovel", fmt.Errorf("review loop ended without a verdict"))
}

// attemptEpisode runs one outer attempt. done is true when the attempt
// produced a final result (accepted, dry-run or review_failed).
func (o *Orchestrator) attemptEpisode(ctx context.Context, a *attempt, storyTime time.Time, last bool) (bool, error) {
	draft, verdict, err := o.draftUntilValid(ctx, a, storyTime)
	if err != nil {
		return false, err
	}
	if draft == nil {
		// Writer attempts exhausted: the guard message is the issue.
		issue := verdict.Issue()
		if err := o.recordReview(ctx, a, review.NameGuard, types.ReviewResult{Issues: []types.ReviewIssue{issue}}); err != nil {
			return false, err
		}
		return true, o.fail(ctx, a, []types.ReviewIssue{issue}, verdict.Instruction())
	}

	if err := o.enter(ctx, a, StateContinuityReview, types.RunReviewing); err != nil {
		return false, err
	}
	cont, err := o.stage(ctx, StateContinuityReview, func(ctx context.Context) (types.ReviewResult, error) {
		return o.deps.Reviewer.Continuity(ctx, a.sc.PreviousTails(), draft.Content)
	})
	if err != nil {
		return false, err
	}
	if err := o.recordReview(ctx, a, review.NameContinuity, cont); err != nil {
		return false, err
	}
	if !cont.Passed() {
		return o.rejected(ctx, a, review.NameContinuity, cont, last)
	}

	if err := a.m.to(StateFactExtraction); err != nil {
		return false, err
	}
	facts, err := o.deps.Reviewer.ExtractFacts(ctx, draft.Content)
	if err != nil {
		return false, err
	}

	if err := a.m.to(StateGrounding); err != nil {
		return false, err
	}
	hits, err := o.deps.Retriever.Ground(ctx, a.sc.Novel.ID, a.sc.MaxEpisodeNo, facts)
	if err != nil {
		return false, err
	}

	if err := a.m.to(StateConsistencyReview); err != nil {
		return false, err
	}
	cons, err := o.stage(ctx, StateConsistencyReview, func(ctx context.Context) (types.ReviewResult, error) {
		return o.deps.Reviewer.Consistency(ctx, review.ConsistencyInput{
			Bible:         a.sc.TruncatedBible,
			PreviousTails: a.sc.PreviousTails(),
			Hits:          hits,
			Facts:         facts,
			Draft:         draft.Content,
		})
	})
	if err != nil {
		return false, err
	}
	if err := o.recordReview(ctx, a, review.NameConsistency, cons); err != nil {
		return false, err
	}
	if !cons.Passed() {
		return o.rejected(ctx, a, review.NameConsistency, cons, last)
	}

	// Issues from rejected earlier attempts do not describe the accepted draft.
	a.res.Issues = nil
	a.res.Content = draft.Content
	if a.dryRun {
		a.res.Status = StatusDryRun
		return true, a.m.to(StateDone)
	}

	if err := a.m.to(StatePersisting); err != nil {
		return false, err
	}
	commit, err := o.deps.Lifecycle.Commit(ctx, lifecycle.CommitInput{
		NovelID:          a.sc.Novel.ID,
		EpisodeNo:        a.res.EpisodeNo,
		StoryTime:        storyTime,
		Content:          draft.Content,
		Facts:            facts,
		StagedSeeds:      draft.StagedSeeds,
		StagedCharacters: draft.StagedCharacters,
		StagedLocations:  draft.StagedLocations,
		ResolvedSeedIDs:  draft.ResolvedPlotSeedIDs,
	})
	if err != nil {
		return false, err
	}
	a.res.EpisodeID = commit.Episode.ID
	a.res.Warnings = commit.Warnings
	a.res.Status = StatusOK

	a.run.State = types.RunPersisted
	a.run.LastReviewIssues = nil
	a.run.LastRevisionInstruction = ""
	if err := o.saveRun(ctx, a); err != nil {
		// The episode is committed; a stale run row is only a warning.
		a.res.Warnings = append(a.res.Warnings, fmt.Sprintf("update run state: %v", err))
	}
	return true, a.m.to(StateDone)
}

// draftUntilValid is the inner loop: draft, check, feed the guard's
// instruction back. It returns a nil draft with the last verdict when
// MaxWriterAttempts drafts all failed.
func (o *Orchestrator) draftUntilValid(ctx context.Context, a *attempt, storyTime time.Time) (*writer.Draft, guard.Verdict, error) {
	reviewerRevision := a.revision
	revision := reviewerRevision
	var verdict guard.Verdict

	for w := 1; w <= o.cfg.MaxWriterAttempts; w++ {
		if w > 1 {
			if err := a.m.to(StateDrafting); err != nil {
				return nil, verdict, err
			}
		}
		draft, err := o.draft(ctx, a, storyTime, revision)
		if err != nil {
			return nil, verdict, err
		}

		if err := a.m.to(StateHardValidating); err != nil {
			return nil, verdict, err
		}
		verdict = o.deps.Guard.Check(draft.Content, a.sc.LengthBand, a.sc.PreviousTail)
		if verdict.Passed() {
			logging.GuardDebug("draft accepted by guard on writer attempt %d (length %d)", w, verdict.Length)
			return draft, verdict, nil
		}

		a.audit.GuardReject(w, verdict.Length, verdict.Messages)
		logging.Guard("writer attempt %d/%d rejected: length=%d anchor_ok=%v meta_hits=%v",
			w, o.cfg.MaxWriterAttempts, verdict.Length, !verdict.AnchorRequired || verdict.AnchorOK, verdict.MetaHits)
		a.tokens = o.deps.Guard.NextTokenBudget(a.tokens, verdict.Direction)
		revision = joinInstructions(reviewerRevision, verdict.Instruction())
	}
	return nil, verdict, nil
}

func (o *Orchestrator) draft(ctx context.Context, a *attempt, storyTime time.Time, revision string) (*writer.Draft, error) {
	ctx, span := tracer.Start(ctx, "orchestrator."+string(StateDrafting))
	defer span.End()
	span.SetAttributes(attribute.Int("llm.max_output_tokens", a.tokens))

	draft, err := o.deps.Writer.Draft(ctx, writer.DraftRequest{
		Context:         a.sc,
		StoryTime:       storyTime,
		Anchor:          a.anchor,
		Revision:        revision,
		MaxOutputTokens: a.tokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return draft, err
}

func (o *Orchestrator) stage(ctx context.Context, s State, fn func(ctx context.Context) (types.ReviewResult, error)) (types.ReviewResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator."+string(s))
	defer span.End()
	res, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Bool("review.passed", res.Passed()), attribute.Int("review.issues", len(res.Issues)))
	return res, nil
}

// rejected handles a failed review: carry its instruction into the next
// attempt, or fail the episode when this was the last one.
func (o *Orchestrator) rejected(ctx context.Context, a *attempt, reviewer string, r types.ReviewResult, last bool) (bool, error) {
	issues := r.Issues
	if len(issues) == 0 {
		issues = []types.ReviewIssue{{
			Severity:    types.SeverityHigh,
			Description: fmt.Sprintf("%s review rejected the draft without listing issues", reviewer),
		}}
	}
	instruction := r.Instruction()
	if instruction == "" {
		instruction = types.ReviewResult{Issues: issues}.Instruction()
	}

	a.revision = instruction
	a.run.LastReviewIssues = issues
	a.run.LastRevisionInstruction = instruction
	a.res.Issues = issues

	if last {
		return true, o.fail(ctx, a, issues, instruction)
	}
	logging.Orchestrator("%s review failed on attempt %d with %d issue(s); revising", reviewer, a.m.attempt, len(issues))
	return false, o.saveRun(ctx, a)
}

func (o *Orchestrator) fail(ctx context.Context, a *attempt, issues []types.ReviewIssue, instruction string) error {
	a.res.Status = StatusReviewFailed
	a.res.Issues = issues
	a.run.State = types.RunReviewFailed
	a.run.LastReviewIssues = issues
	a.run.LastRevisionInstruction = instruction
	if err := a.m.to(StateFailed); err != nil {
		return err
	}
	return o.saveRun(ctx, a)
}

// enter moves the machine and persists the run state.
func (o *Orchestrator) enter(ctx context.Context, a *attempt, s State, rs types.RunState) error {
	if err := a.m.to(s); err != nil {
		return err
	}
	a.run.State = rs
	return o.saveRun(ctx, a)
}

func (o *Orchestrator) saveRun(ctx context.Context, a *attempt) error {
	if a.dryRun {
		return nil
	}
	return o.deps.Runs.UpsertEpisodeRun(ctx, a.run)
}

func (o *Orchestrator) recordReview(ctx context.Context, a *attempt, reviewer string, r types.ReviewResult) error {
	a.audit.ReviewVerdict(reviewer, r.Passed(), len(r.Issues))
	if a.dryRun {
		return nil
	}
	return o.deps.Runs.InsertReview(ctx, store.ReviewRecord{
		RunID:     a.run.ID,
		NovelID:   a.run.NovelID,
		EpisodeNo: a.run.EpisodeNo,
		Attempt:   a.m.attempt,
		Reviewer:  reviewer,
		Result:    r,
	})
}

func joinInstructions(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
