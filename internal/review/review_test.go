package review

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelloop/internal/config"
	"novelloop/internal/errs"
	"novelloop/internal/llm/llmtest"
	"novelloop/internal/prompt"
	"novelloop/internal/types"
)

func newTestReviewer(provider *llmtest.Provider) *Reviewer {
	return New(llmtest.NewAdapter(provider, nil), prompt.MustLoadEmbeddedCorpus(), config.DefaultPipelineConfig())
}

func TestContinuity_Passed(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{"passed": true, "issues": []any{}}))
	r := newTestReviewer(provider)

	res, err := r.Continuity(context.Background(), []string{"첫 꼬리", "둘째 꼬리"}, "초안")
	require.NoError(t, err)
	assert.True(t, res.Passed())

	req := provider.Requests()[0]
	assert.Contains(t, req.System, "continuity editor")
	assert.Contains(t, req.Messages[0].Text, "# Previous installment tail 1\n첫 꼬리")
	assert.Contains(t, req.Messages[0].Text, "# Previous installment tail 2\n둘째 꼬리")
	assert.Contains(t, req.Messages[0].Text, "# Candidate installment\n초안")
	assert.NotNil(t, req.Schema)
}

func TestContinuity_PassedWithIssuesIsFailure(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{
		"passed": true,
		"issues": []any{map[string]any{"severity": "low", "description": "장면 전환이 어색함"}},
	}))
	res, err := newTestReviewer(provider).Continuity(context.Background(), []string{"꼬리"}, "초안")
	require.NoError(t, err)
	assert.True(t, res.Reported)
	assert.False(t, res.Passed())
	assert.Contains(t, res.Instruction(), "장면 전환이 어색함")
}

func TestConsistency_BlankIssueStillFails(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{
		"passed": true,
		"issues": []any{map[string]any{"severity": "high", "description": ""}},
	}))
	res, err := newTestReviewer(provider).Consistency(context.Background(), ConsistencyInput{Draft: "초안"})
	require.NoError(t, err)
	assert.True(t, res.Reported)
	assert.False(t, res.Passed())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, types.SeverityHigh, res.Issues[0].Severity)
	assert.Contains(t, res.Instruction(), "[high] (no description)")
}

func TestContinuity_FirstEpisodeSkipsModel(t *testing.T) {
	provider := llmtest.NewProvider()
	res, err := newTestReviewer(provider).Continuity(context.Background(), nil, "초안")
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Equal(t, 0, provider.Calls())
}

func TestContinuity_MalformedOutputIsParseError(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.Text("looks fine"), llmtest.Text("really"), llmtest.Text("ok"))
	_, err := newTestReviewer(provider).Continuity(context.Background(), []string{"꼬리"}, "초안")
	require.Error(t, err)
	assert.Equal(t, errs.KindParse, errs.KindOf(err))
}

func TestConsistency(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{
		"passed": false,
		"issues": []any{
			map[string]any{"severity": "HIGH", "description": " 민수는 3화에서 이미 서울을 떠났다 "},
			map[string]any{"severity": "critical", "description": "시간 모순"},
			map[string]any{"severity": "low", "description": "  "},
		},
		"revision_instruction": "민수를 부산에 두어라.",
	}))
	r := newTestReviewer(provider)

	res, err := r.Consistency(context.Background(), ConsistencyInput{
		Bible: "세계관",
		Hits: []types.GroundingHit{
			{Kind: types.ChunkFact, EpisodeNo: 3, Similarity: 0.91234, Content: "민수는 부산으로 갔다."},
		},
		Facts: []string{"민수는 서울에 있다."},
		Draft: "초안",
	})
	require.NoError(t, err)

	want := types.ReviewResult{
		Reported: false,
		Issues: []types.ReviewIssue{
			{Severity: types.SeverityHigh, Description: "민수는 3화에서 이미 서울을 떠났다"},
			{Severity: types.SeverityMedium, Description: "시간 모순"},
			{Severity: types.SeverityLow, Description: "(no description)"},
		},
		RevisionInstruction: "민수를 부산에 두어라.",
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Consistency() mismatch (-want +got):\n%s", diff)
	}

	user := provider.Requests()[0].Messages[0].Text
	assert.Contains(t, user, "- [fact #3 sim=0.912] 민수는 부산으로 갔다.")
	assert.Contains(t, user, "- 민수는 서울에 있다.")
}

func TestConsistency_NoEvidence(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{"passed": true, "issues": []any{}}))
	_, err := newTestReviewer(provider).Consistency(context.Background(), ConsistencyInput{Draft: "초안"})
	require.NoError(t, err)
	assert.Contains(t, provider.Requests()[0].Messages[0].Text, "(none)")
}

func TestExtractFacts(t *testing.T) {
	provider := llmtest.NewProvider(llmtest.JSON(map[string]any{"facts": []string{
		"민수는  역에 도착했다.", "민수는 역에 도착했다.", "MINSU LEFT.", "minsu left.", "", "열쇠가 사라졌다.",
	}}))
	facts, err := newTestReviewer(provider).ExtractFacts(context.Background(), "초안")
	require.NoError(t, err)
	assert.Equal(t, []string{"민수는 역에 도착했다.", "MINSU LEFT.", "열쇠가 사라졌다."}, facts)
	assert.Contains(t, provider.Requests()[0].System, "At most 10 facts")
}

func TestDedupeFacts_Limit(t *testing.T) {
	raw := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		raw = append(raw, string(rune('a'+i)))
	}
	assert.Len(t, DedupeFacts(raw, 10), 10)
	assert.Len(t, DedupeFacts(raw, 0), 15)
	assert.Empty(t, DedupeFacts([]string{" ", "\n"}, 10))
}
