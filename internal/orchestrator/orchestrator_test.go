package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/guard"
	"novelloop/internal/lifecycle"
	"novelloop/internal/llm"
	"novelloop/internal/llm/llmtest"
	"novelloop/internal/logging"
	"novelloop/internal/prompt"
	"novelloop/internal/retrieval"
	"novelloop/internal/review"
	"novelloop/internal/store"
	"novelloop/internal/storycontext"
	"novelloop/internal/types"
	"novelloop/internal/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	prevContent = "비가 그쳤다. 민수는 우산을 접었다. 골목 끝에서 누군가 그를 불렀다."
	prevAnchor  = "민수는 우산을 접었다. 골목 끝에서 누군가 그를 불렀다."
	firstDraft  = "새벽 첫차가 역에 들어왔다. 민수는 젖은 코트를 여미고 승강장으로 내려섰다."
)

var start = time.Date(1999, 12, 24, 22, 0, 0, 0, KST)

type harness struct {
	store    *store.LocalStore
	provider *llmtest.Provider
	embedder *llmtest.Embedder
	orch     *Orchestrator
	novel    *types.Novel
}

func newHarness(t *testing.T, mutate func(*config.PipelineConfig), replies ...llmtest.Reply) *harness {
	t.Helper()
	cfg := config.DefaultPipelineConfig()
	cfg.DisableWriterTools = true
	cfg.DefaultMinChars = 20
	cfg.DefaultMaxChars = 200
	cfg.StartStoryTime = start.Format(time.RFC3339)
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := store.NewLocalStore(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	provider := llmtest.NewProvider(replies...)
	embedder := &llmtest.Embedder{}
	adapter := llm.NewAdapter(provider, embedder, llm.WithRetryPolicy(llm.RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}))
	corpus := prompt.MustLoadEmbeddedCorpus()

	orch := New(Deps{
		Loader:    storycontext.NewLoader(s, cfg),
		Writer:    writer.New(adapter, s, corpus, cfg),
		Guard:     guard.NewValidator(cfg),
		Reviewer:  review.New(adapter, corpus, cfg),
		Retriever: retrieval.New(s, adapter, embedder.Name(), cfg),
		Lifecycle: lifecycle.New(s, adapter, embedder.Name(), cfg),
		Runs:      s,
	}, cfg)

	novel := &types.Novel{Title: "밤의 역", StoryBible: "서울, 1999년 겨울. 주인공 민수.", Active: true}
	require.NoError(t, s.CreateNovel(context.Background(), novel))

	return &harness{store: s, provider: provider, embedder: embedder, orch: orch, novel: novel}
}

func (h *harness) seedEpisode(t *testing.T, no int, storyTime time.Time, content string) {
	t.Helper()
	require.NoError(t, h.store.InsertEpisode(context.Background(), &types.Episode{
		NovelID: h.novel.ID, EpisodeNo: no, StoryTime: storyTime, Content: content,
	}))
}

func draftReply(content string) llmtest.Reply {
	return llmtest.JSON(map[string]any{"episode_content": content, "resolved_plot_seed_ids": []string{}})
}

func factsReply(facts ...string) llmtest.Reply {
	return llmtest.JSON(map[string]any{"facts": facts})
}

func passReply() llmtest.Reply {
	return llmtest.JSON(map[string]any{"passed": true, "issues": []any{}})
}

func failReply(severity, description string) llmtest.Reply {
	return llmtest.JSON(map[string]any{
		"passed": false,
		"issues": []any{map[string]any{"severity": severity, "description": description}},
	})
}

func promptText(req llm.Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteString("\n")
		b.WriteString(m.Text)
	}
	return b.String()
}

func TestRunNovel_FirstEpisode(t *testing.T) {
	h := newHarness(t, nil,
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다", "민수의 코트가 젖었다"),
		passReply(),
	)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, false)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 1, res.EpisodeNo)
	assert.NotEmpty(t, res.EpisodeID)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.StoryTime.Equal(start))
	_, offset := res.StoryTime.Zone()
	assert.Equal(t, 9*60*60, offset)

	wantStates := []State{
		StateDrafting, StateHardValidating, StateContinuityReview, StateFactExtraction,
		StateGrounding, StateConsistencyReview, StatePersisting, StateDone,
	}
	if diff := cmp.Diff(wantStates, res.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	// Writer, facts and consistency; continuity needs no call without history.
	assert.Equal(t, 3, h.provider.Calls())
	assert.Contains(t, promptText(h.provider.Requests()[0]), "This is the first installment")

	episodes, err := h.store.ListEpisodes(ctx, h.novel.ID)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, firstDraft, episodes[0].Content)
	assert.True(t, episodes[0].StoryTime.Equal(start))

	run, ok, err := h.store.GetEpisodeRun(ctx, h.novel.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RunPersisted, run.State)
	assert.Equal(t, 1, run.AttemptCount)

	reviews, err := h.store.ListReviews(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, review.NameContinuity, reviews[0].Reviewer)
	assert.Equal(t, review.NameConsistency, reviews[1].Reviewer)

	n, err := h.store.CountChunks(ctx, h.novel.ID, types.ChunkFact)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunNovel_CompressesOverlongDraft(t *testing.T) {
	long := prevAnchor + " " + strings.Repeat("바람이 골목을 훑고 지나갔다. ", 20)
	good := prevAnchor + " 그는 돌아보았다. 가로등 아래에 낯선 여자가 서 있었다."
	h := newHarness(t, nil,
		draftReply(long),
		draftReply(good),
		passReply(),
		factsReply("낯선 여자가 가로등 아래에 서 있었다"),
		passReply(),
	)
	prevTime := time.Date(1999, 12, 24, 22, 0, 0, 0, KST)
	h.seedEpisode(t, 1, prevTime, prevContent)

	res := h.orch.RunNovel(context.Background(), h.novel.ID, false)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 2, res.EpisodeNo)
	assert.Equal(t, good, res.Content)
	assert.True(t, res.StoryTime.Equal(prevTime.Add(10*time.Minute)))

	reqs := h.provider.Requests()
	require.Len(t, reqs, 5)
	assert.Equal(t, 4096, reqs[0].MaxOutputTokens)
	assert.Equal(t, 4096-180, reqs[1].MaxOutputTokens)
	assert.Contains(t, promptText(reqs[1]), "Compress")
	assert.Contains(t, promptText(reqs[0]), prevAnchor)

	wantStates := []State{
		StateDrafting, StateHardValidating, StateDrafting, StateHardValidating,
		StateContinuityReview, StateFactExtraction, StateGrounding, StateConsistencyReview,
		StatePersisting, StateDone,
	}
	if diff := cmp.Diff(wantStates, res.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNovel_ConsistencyFailureExhaustsAttempts(t *testing.T) {
	issue := "민수의 나이가 앞선 이야기와 다르다"
	var replies []llmtest.Reply
	for i := 0; i < 3; i++ {
		replies = append(replies, draftReply(firstDraft), factsReply("민수는 스무 살이다"), failReply("high", issue))
	}
	h := newHarness(t, nil, replies...)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, false)
	require.Equal(t, StatusReviewFailed, res.Status, res.Error)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []types.ReviewIssue{{Severity: types.SeverityHigh, Description: issue}}, res.Issues)
	assert.Empty(t, res.EpisodeID)
	assert.Zero(t, h.provider.Remaining())

	// Later attempts carry the reviewer's instruction.
	reqs := h.provider.Requests()
	require.Len(t, reqs, 9)
	assert.NotContains(t, promptText(reqs[0]), issue)
	assert.Contains(t, promptText(reqs[3]), issue)
	assert.Contains(t, promptText(reqs[6]), issue)

	maxNo, err := h.store.MaxEpisodeNo(ctx, h.novel.ID)
	require.NoError(t, err)
	assert.Zero(t, maxNo)

	run, ok, err := h.store.GetEpisodeRun(ctx, h.novel.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RunReviewFailed, run.State)
	assert.Equal(t, 3, run.AttemptCount)
	assert.Equal(t, res.Issues, run.LastReviewIssues)
	assert.NotEmpty(t, run.LastRevisionInstruction)

	reviews, err := h.store.ListReviews(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, reviews, 6)
	assert.Equal(t, StateFailed, res.States[len(res.States)-1])
}

func TestRunNovel_ContinuityRejectionRevises(t *testing.T) {
	good := prevAnchor + " 그는 돌아보았다. 가로등 아래에 낯선 여자가 서 있었다."
	issue := "장면이 갑자기 바뀌었다"
	instruction := "골목 장면에서 바로 이어서 써라."
	h := newHarness(t, nil,
		draftReply(good),
		llmtest.JSON(map[string]any{
			"passed":               false,
			"issues":               []any{map[string]any{"severity": "high", "description": issue}},
			"revision_instruction": instruction,
		}),
		draftReply(good),
		passReply(),
		factsReply("낯선 여자가 가로등 아래에 서 있었다"),
		passReply(),
	)
	h.seedEpisode(t, 1, start, prevContent)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, false)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Issues)
	assert.NotEmpty(t, res.EpisodeID)
	assert.Zero(t, h.provider.Remaining())

	reqs := h.provider.Requests()
	require.Len(t, reqs, 6)
	assert.NotContains(t, promptText(reqs[0]), instruction)
	assert.Contains(t, promptText(reqs[2]), instruction)

	wantStates := []State{
		StateDrafting, StateHardValidating, StateContinuityReview,
		StateDrafting, StateHardValidating, StateContinuityReview,
		StateFactExtraction, StateGrounding, StateConsistencyReview, StatePersisting, StateDone,
	}
	if diff := cmp.Diff(wantStates, res.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	run, ok, err := h.store.GetEpisodeRun(ctx, h.novel.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RunPersisted, run.State)
	assert.Equal(t, 2, run.AttemptCount)
	assert.Empty(t, run.LastReviewIssues)
}

func TestRunNovel_AcceptedRevisionClearsIssues(t *testing.T) {
	h := newHarness(t, nil,
		draftReply(firstDraft),
		factsReply("민수는 스무 살이다"),
		failReply("medium", "민수의 나이가 앞선 이야기와 다르다"),
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다"),
		passReply(),
	)

	res := h.orch.RunNovel(context.Background(), h.novel.ID, true)
	require.Equal(t, StatusDryRun, res.Status, res.Error)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Issues)
	assert.Equal(t, firstDraft, res.Content)
}

func TestRunNovel_BlankIssueBlocksPersist(t *testing.T) {
	blank := llmtest.JSON(map[string]any{
		"passed": true,
		"issues": []any{map[string]any{"severity": "high", "description": ""}},
	})
	var replies []llmtest.Reply
	for i := 0; i < 3; i++ {
		replies = append(replies, draftReply(firstDraft), factsReply("민수는 새벽 첫차를 탔다"), blank)
	}
	h := newHarness(t, nil, replies...)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, false)
	require.Equal(t, StatusReviewFailed, res.Status, res.Error)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []types.ReviewIssue{{Severity: types.SeverityHigh, Description: "(no description)"}}, res.Issues)
	assert.Empty(t, res.EpisodeID)

	maxNo, err := h.store.MaxEpisodeNo(ctx, h.novel.ID)
	require.NoError(t, err)
	assert.Zero(t, maxNo)
}

func TestRunNovel_RetriesEmptyResponses(t *testing.T) {
	h := newHarness(t, nil,
		llmtest.Text(""), llmtest.Text(""), llmtest.Text(""), llmtest.Text(""),
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다"),
		passReply(),
	)

	res := h.orch.RunNovel(context.Background(), h.novel.ID, false)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 7, h.provider.Calls())
}

func TestRunNovel_WriterAttemptsExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig) { cfg.MaxWriterAttempts = 2 },
		draftReply("짧다."),
		draftReply("짧다."),
	)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, false)
	require.Equal(t, StatusReviewFailed, res.Status, res.Error)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, types.SeverityHigh, res.Issues[0].Severity)
	assert.Contains(t, res.Issues[0].Description, "Expand")
	assert.Equal(t, 2, h.provider.Calls())

	reqs := h.provider.Requests()
	assert.Equal(t, 4096+180, reqs[1].MaxOutputTokens)

	run, ok, err := h.store.GetEpisodeRun(ctx, h.novel.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	reviews, err := h.store.ListReviews(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, review.NameGuard, reviews[0].Reviewer)
}

func TestRunNovel_DryRun(t *testing.T) {
	h := newHarness(t, nil,
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다"),
		passReply(),
	)
	ctx := context.Background()

	res := h.orch.RunNovel(ctx, h.novel.ID, true)
	require.Equal(t, StatusDryRun, res.Status, res.Error)
	assert.Equal(t, firstDraft, res.Content)
	assert.Empty(t, res.EpisodeID)
	assert.Equal(t, StateDone, res.States[len(res.States)-1])

	maxNo, err := h.store.MaxEpisodeNo(ctx, h.novel.ID)
	require.NoError(t, err)
	assert.Zero(t, maxNo)

	_, ok, err := h.store.GetEpisodeRun(ctx, h.novel.ID, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_IsolatesFailures(t *testing.T) {
	h := newHarness(t, nil,
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다"),
		passReply(),
	)

	report, err := h.orch.Run(context.Background(), Options{NovelIDs: []string{"missing", h.novel.ID}})
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.Len(t, report.Results, 2)

	assert.Equal(t, StatusError, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "not found")
	assert.Equal(t, StatusOK, report.Results[1].Status)
}

func TestRun_AllActive(t *testing.T) {
	h := newHarness(t, nil,
		draftReply(firstDraft),
		factsReply("민수는 새벽 첫차를 탔다"),
		passReply(),
	)
	ctx := context.Background()
	require.NoError(t, h.store.CreateNovel(ctx, &types.Novel{Title: "휴재 중", Active: false}))

	report, err := h.orch.Run(ctx, Options{All: true, DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.OK)
	require.Len(t, report.Results, 1)
	assert.Equal(t, h.novel.ID, report.Results[0].NovelID)
	assert.Equal(t, StatusDryRun, report.Results[0].Status)
}

func TestRun_NothingSelected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestStoryTime(t *testing.T) {
	clock := time.Date(2026, 3, 1, 1, 2, 3, 0, time.UTC)
	cfg := config.DefaultPipelineConfig()
	cfg.StoryTimeStepMinutes = 7
	o := New(Deps{}, cfg, WithClock(func() time.Time { return clock }))

	prev := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := o.StoryTime(&storycontext.StoryContext{HasPrevious: true, PreviousStoryTime: prev})
	require.NoError(t, err)
	assert.True(t, got.Equal(prev.Add(7*time.Minute)))
	assert.Equal(t, KST, got.Location())

	got, err = o.StoryTime(&storycontext.StoryContext{})
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 1, 2, 0, 0, time.UTC)))

	cfg.StartStoryTime = "not a time"
	_, err = New(Deps{}, cfg).StoryTime(&storycontext.StoryContext{})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	m := newMachine(logging.Audit())
	require.NoError(t, m.to(StateHardValidating))

	err := m.to(StatePersisting)
	require.Error(t, err)
	assert.Equal(t, errs.KindUnexpected, errs.KindOf(err))
	assert.Equal(t, StateHardValidating, m.state)

	require.NoError(t, m.to(StateFailed))
	assert.True(t, m.terminal())
	assert.False(t, CanTransition(StateFailed, StateDrafting))
	assert.False(t, CanTransition(StateDone, StateDrafting))
	assert.True(t, CanTransition(StateConsistencyReview, StateDrafting))
}
