// Package retrieval finds evidence in earlier episodes for the facts a
// draft asserts.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/logging"
	"novelloop/internal/store"
	"novelloop/internal/types"
)

// Index is the similarity search surface of the store.
type Index interface {
	MatchEpisodeSummaries(ctx context.Context, p store.MatchParams) ([]types.ChunkMatch, error)
	MatchChunks(ctx context.Context, p store.MatchParams) ([]types.ChunkMatch, error)
}

// Embedder embeds the grounding query.
type Embedder interface {
	EmbedText(ctx context.Context, text string, purpose embedding.Purpose) ([]float32, error)
}

// Retriever runs grounding searches.
type Retriever struct {
	index    Index
	embedder Embedder
	tag      string
	cfg      config.PipelineConfig
}

// New creates a retriever. tag is the embedding model tag stored with every
// vector; only rows with the same tag are searched.
func New(index Index, embedder Embedder, tag string, cfg config.PipelineConfig) *Retriever {
	return &Retriever{index: index, embedder: embedder, tag: tag, cfg: cfg}
}

// Query builds the search text from facts, truncated to the configured
// number of runes.
func (r *Retriever) Query(facts []string) string {
	q := strings.Join(facts, "\n")
	runes := []rune(q)
	if r.cfg.FactQueryChars > 0 && len(runes) > r.cfg.FactQueryChars {
		q = string(runes[:r.cfg.FactQueryChars])
	}
	return q
}

// Ground embeds the facts once and searches episode summaries and fact
// chunks of episodes up to maxEpisodeNo. Hits are ordered by episode, then
// by similarity. No facts means no search.
func (r *Retriever) Ground(ctx context.Context, novelID string, maxEpisodeNo int, facts []string) ([]types.GroundingHit, error) {
	if len(facts) == 0 || maxEpisodeNo < 1 {
		logging.RetrievalDebug("ground: nothing to search (facts=%d max_episode=%d)", len(facts), maxEpisodeNo)
		return nil, nil
	}
	timer := logging.StartTimer(logging.CategoryRetrieval, "Ground")
	defer timer.Stop()

	vec, err := r.embedder.EmbedText(ctx, r.Query(facts), embedding.PurposeQuery)
	if err != nil {
		return nil, err
	}

	params := store.MatchParams{
		NovelID:        novelID,
		QueryEmbedding: vec,
		MaxEpisodeNo:   maxEpisodeNo,
		MatchCount:     r.k(),
		EmbeddingModel: r.tag,
	}
	var summaries, factHits []types.ChunkMatch
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summaries, err = r.index.MatchEpisodeSummaries(gctx, params)
		return err
	})
	g.Go(func() error {
		p := params
		p.Kinds = []types.ChunkKind{types.ChunkFact}
		var err error
		factHits, err = r.index.MatchChunks(gctx, p)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := make([]types.GroundingHit, 0, len(summaries)+len(factHits))
	dropped := 0
	for _, m := range append(summaries, factHits...) {
		if m.Chunk.EpisodeNo > maxEpisodeNo {
			dropped++
			continue
		}
		hits = append(hits, types.GroundingHit{
			Kind:       m.Chunk.Kind,
			EpisodeNo:  m.Chunk.EpisodeNo,
			Similarity: m.Similarity,
			Content:    m.Chunk.Content,
		})
	}
	if dropped > 0 {
		logging.Get(logging.CategoryRetrieval).Warn("dropped %d hits beyond episode %d", dropped, maxEpisodeNo)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].EpisodeNo != hits[j].EpisodeNo {
			return hits[i].EpisodeNo < hits[j].EpisodeNo
		}
		return hits[i].Similarity > hits[j].Similarity
	})

	logging.Retrieval("ground: novel=%s facts=%d summaries=%d fact_chunks=%d hits=%d",
		novelID, len(facts), len(summaries), len(factHits), len(hits))
	return hits, nil
}

func (r *Retriever) k() int {
	if r.cfg.RetrievalK <= 0 {
		return 8
	}
	return r.cfg.RetrievalK
}
