package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/errs"
	"novelloop/internal/llm/llmtest"
	"novelloop/internal/store"
	"novelloop/internal/types"
)

const tag = "test:bow"

func setup(t *testing.T) (*store.LocalStore, *types.Novel) {
	t.Helper()
	s, err := store.NewLocalStore(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	novel := &types.Novel{Title: "밤의 역", Active: true}
	require.NoError(t, s.CreateNovel(context.Background(), novel))
	return s, novel
}

func newManager(s Store, embedder *llmtest.Embedder) *Manager {
	return New(s, llmtest.NewAdapter(nil, embedder), tag, config.DefaultPipelineConfig())
}

func TestCommit_AppliesEverything(t *testing.T) {
	ctx := context.Background()
	s, novel := setup(t)
	m := newManager(s, &llmtest.Embedder{})

	first, err := m.Commit(ctx, CommitInput{NovelID: novel.ID, EpisodeNo: 1, Content: "첫 화의 내용", StagedSeeds: []types.PlotSeed{{ID: "seed-old", Title: "잃어버린 열쇠"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, first.IntroducedSeeds)

	storyTime := time.Date(1999, 12, 24, 22, 10, 0, 0, time.UTC)
	res, err := m.Commit(ctx, CommitInput{
		NovelID:          novel.ID,
		EpisodeNo:        2,
		StoryTime:        storyTime,
		Content:          "민수는 열쇠를 찾았다. 낯선 편지가 도착했다.",
		Facts:            []string{"민수는 열쇠를 찾았다.", "편지가 도착했다."},
		StagedSeeds:      []types.PlotSeed{{ID: "seed-new", Title: "낯선 편지", CharacterNames: []string{"민수"}}},
		StagedCharacters: []types.Character{{Name: "민수", Attributes: map[string]string{"mood": "놀람"}}},
		StagedLocations:  []types.Location{{Name: "역"}},
		ResolvedSeedIDs:  []string{"seed-old", "seed-new", "bogus"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Episode.EpisodeNo)
	assert.NotEmpty(t, res.Episode.ID)
	assert.Equal(t, 1, res.IntroducedSeeds)
	assert.Equal(t, 1, res.ResolvedSeeds)
	assert.Equal(t, 2, res.FactChunks)
	assert.True(t, res.SummaryIndexed)
	assert.Len(t, res.Warnings, 2)

	old, err := s.GetPlotSeed(ctx, "seed-old")
	require.NoError(t, err)
	assert.Equal(t, types.SeedResolved, old.Status)
	assert.Equal(t, res.Episode.ID, old.ResolvedInEpisodeID)

	staged, err := s.GetPlotSeed(ctx, "seed-new")
	require.NoError(t, err)
	assert.Equal(t, types.SeedOpen, staged.Status)
	assert.Equal(t, res.Episode.ID, staged.IntroducedInEpisodeID)
	assert.Equal(t, []string{"민수"}, staged.CharacterNames)

	c, ok, err := s.GetCharacter(ctx, novel.ID, "민수")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "놀람", c.Attributes["mood"])

	_, ok, err = s.GetLocation(ctx, novel.ID, "역")
	require.NoError(t, err)
	assert.True(t, ok)

	summaries, err := s.CountChunks(ctx, novel.ID, types.ChunkEpisode)
	require.NoError(t, err)
	assert.Equal(t, 2, summaries)
	facts, err := s.CountChunks(ctx, novel.ID, types.ChunkFact)
	require.NoError(t, err)
	assert.Equal(t, 2, facts)

	episodes, err := s.ListEpisodes(ctx, novel.ID)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.True(t, episodes[1].StoryTime.Equal(storyTime))
}

func TestCommit_DuplicateEpisodeIsFatal(t *testing.T) {
	ctx := context.Background()
	s, novel := setup(t)
	embedder := &llmtest.Embedder{}
	m := newManager(s, embedder)

	_, err := m.Commit(ctx, CommitInput{NovelID: novel.ID, EpisodeNo: 1, Content: "a"})
	require.NoError(t, err)
	calls := embedder.Calls()

	_, err = m.Commit(ctx, CommitInput{NovelID: novel.ID, EpisodeNo: 1, Content: "b", Facts: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindDatabase, errs.KindOf(err))
	assert.Equal(t, calls, embedder.Calls())
}

func TestCommit_EmbeddingFailuresAreWarnings(t *testing.T) {
	ctx := context.Background()
	s, novel := setup(t)
	embedder := &llmtest.Embedder{EmbedFunc: func(ctx context.Context, text string, p embedding.Purpose) ([]float32, error) {
		if strings.Contains(text, "broken") {
			return nil, errs.Upstream("fake.embed", errs.ReasonBadRequest, nil)
		}
		return llmtest.BagOfWords(text, 8), nil
	}}
	m := newManager(s, embedder)

	res, err := m.Commit(ctx, CommitInput{
		NovelID: novel.ID, EpisodeNo: 1, Content: "broken summary",
		Facts: []string{"ok fact", "broken fact", "another fact"},
	})
	require.NoError(t, err)
	assert.False(t, res.SummaryIndexed)
	assert.Equal(t, 2, res.FactChunks)
	assert.Len(t, res.Warnings, 2)

	n, err := s.MaxEpisodeNo(ctx, novel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	s, novel := setup(t)
	m := newManager(s, &llmtest.Embedder{})
	for i := 1; i <= 3; i++ {
		_, err := m.Commit(ctx, CommitInput{NovelID: novel.ID, EpisodeNo: i, Content: strings.Repeat("가", 2000)})
		require.NoError(t, err)
	}

	n, err := m.Reindex(ctx, novel.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := s.CountChunks(ctx, novel.ID, types.ChunkEpisode)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	hits, err := s.MatchEpisodeSummaries(ctx, store.MatchParams{
		NovelID: novel.ID, QueryEmbedding: llmtest.BagOfWords("가", 32), MaxEpisodeNo: 3, MatchCount: 8, EmbeddingModel: tag,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 1500, len([]rune(hits[0].Chunk.Content)))
}
