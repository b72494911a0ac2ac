package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/errs"
	"novelloop/internal/llm/llmtest"
	"novelloop/internal/store"
	"novelloop/internal/types"
)

type fakeIndex struct {
	mu        sync.Mutex
	params    []store.MatchParams
	summaries []types.ChunkMatch
	facts     []types.ChunkMatch
	err       error
}

func (f *fakeIndex) MatchEpisodeSummaries(ctx context.Context, p store.MatchParams) ([]types.ChunkMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return f.summaries, f.err
}

func (f *fakeIndex) MatchChunks(ctx context.Context, p store.MatchParams) ([]types.ChunkMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return f.facts, nil
}

func match(kind types.ChunkKind, episodeNo int, sim float64, content string) types.ChunkMatch {
	return types.ChunkMatch{
		Chunk:      types.EpisodeChunk{Kind: kind, EpisodeNo: episodeNo, Content: content},
		Similarity: sim,
	}
}

func TestGround_MergesAndOrders(t *testing.T) {
	index := &fakeIndex{
		summaries: []types.ChunkMatch{
			match(types.ChunkEpisode, 3, 0.7, "s3"),
			match(types.ChunkEpisode, 1, 0.5, "s1"),
			match(types.ChunkEpisode, 9, 0.99, "leaked"),
		},
		facts: []types.ChunkMatch{
			match(types.ChunkFact, 1, 0.8, "f1"),
			match(types.ChunkFact, 3, 0.9, "f3"),
		},
	}
	embedder := &llmtest.Embedder{}
	r := New(index, llmtest.NewAdapter(nil, embedder), "test:bow", config.DefaultPipelineConfig())

	hits, err := r.Ground(context.Background(), "n1", 4, []string{"민수는 역에 있다."})
	require.NoError(t, err)

	var got []string
	for _, h := range hits {
		got = append(got, h.Content)
	}
	assert.Equal(t, []string{"f1", "s1", "f3", "s3"}, got)
	assert.Equal(t, 1, embedder.Calls())

	require.Len(t, index.params, 2)
	for _, p := range index.params {
		assert.Equal(t, 4, p.MaxEpisodeNo)
		assert.Equal(t, 8, p.MatchCount)
		assert.Equal(t, "test:bow", p.EmbeddingModel)
	}
}

func TestGround_NoFactsNoSearch(t *testing.T) {
	index := &fakeIndex{}
	embedder := &llmtest.Embedder{}
	r := New(index, llmtest.NewAdapter(nil, embedder), "test:bow", config.DefaultPipelineConfig())

	hits, err := r.Ground(context.Background(), "n1", 4, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, index.params)
	assert.Equal(t, 0, embedder.Calls())
}

func TestGround_IndexError(t *testing.T) {
	index := &fakeIndex{err: errs.Database("fake", errors.New("locked"))}
	r := New(index, llmtest.NewAdapter(nil, &llmtest.Embedder{}), "test:bow", config.DefaultPipelineConfig())
	_, err := r.Ground(context.Background(), "n1", 2, []string{"x"})
	assert.Equal(t, errs.KindDatabase, errs.KindOf(err))
}

func TestGround_EmbeddingError(t *testing.T) {
	embedder := &llmtest.Embedder{EmbedFunc: func(ctx context.Context, text string, p embedding.Purpose) ([]float32, error) {
		return nil, errs.Upstream("fake.embed", errs.ReasonBadRequest, nil)
	}}
	r := New(&fakeIndex{}, llmtest.NewAdapter(nil, embedder), "test:bow", config.DefaultPipelineConfig())
	_, err := r.Ground(context.Background(), "n1", 2, []string{"x"})
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))
}

func TestQuery_Truncates(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.FactQueryChars = 5
	r := New(nil, nil, "", cfg)
	assert.Equal(t, "가나\n다라", r.Query([]string{"가나", "다라마바"}))
	assert.Equal(t, "a\nb", New(nil, nil, "", config.DefaultPipelineConfig()).Query([]string{"a", "b"}))
}

func TestGround_AgainstStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewLocalStore(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	novel := &types.Novel{Title: "T", Active: true}
	require.NoError(t, s.CreateNovel(ctx, novel))

	const tag = "test:bow"
	insert := func(no int, kind types.ChunkKind, content string) {
		ep := &types.Episode{NovelID: novel.ID, EpisodeNo: no, Content: content}
		if kind == types.ChunkEpisode {
			require.NoError(t, s.InsertEpisode(ctx, ep))
		} else {
			ep.ID = "unused"
		}
		require.NoError(t, s.InsertChunk(ctx, &types.EpisodeChunk{
			NovelID: novel.ID, EpisodeID: ep.ID, EpisodeNo: no, Kind: kind, Content: content,
			Embedding: llmtest.BagOfWords(content, 32), EmbeddingModel: tag,
		}))
	}
	insert(1, types.ChunkEpisode, "minsu arrives at the station at night")
	insert(1, types.ChunkFact, "minsu lost the key")
	insert(2, types.ChunkEpisode, "the train leaves without minsu")
	insert(3, types.ChunkEpisode, "minsu finds the key in the future")

	r := New(s, llmtest.NewAdapter(nil, &llmtest.Embedder{}), tag, config.DefaultPipelineConfig())
	hits, err := r.Ground(ctx, novel.ID, 2, []string{"minsu lost the key"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	for _, h := range hits {
		assert.LessOrEqual(t, h.EpisodeNo, 2)
		assert.False(t, strings.Contains(h.Content, "future"))
	}
	assert.Equal(t, 1, hits[0].EpisodeNo)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].EpisodeNo, hits[i].EpisodeNo)
	}
}
