// Package lifecycle persists an accepted episode and everything derived
// from it: staged narrative state, plot seed transitions and the retrieval
// index.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"novelloop/internal/config"
	"novelloop/internal/embedding"
	"novelloop/internal/logging"
	"novelloop/internal/types"
)

// Store is the persistence surface the manager writes to.
type Store interface {
	InsertEpisode(ctx context.Context, e *types.Episode) error
	ListEpisodes(ctx context.Context, novelID string) ([]types.Episode, error)
	UpsertCharacter(ctx context.Context, c types.Character) error
	UpsertLocation(ctx context.Context, l types.Location) error
	CreatePlotSeed(ctx context.Context, seed *types.PlotSeed) error
	MarkSeedsIntroduced(ctx context.Context, novelID, episodeID string, seedIDs []string) (int, error)
	MarkSeedResolved(ctx context.Context, novelID, seedID, episodeID string) (bool, error)
	InsertChunk(ctx context.Context, c *types.EpisodeChunk) error
	DeleteChunks(ctx context.Context, episodeID string, kind types.ChunkKind) (int, error)
}

// Embedder embeds chunk text.
type Embedder interface {
	EmbedText(ctx context.Context, text string, purpose embedding.Purpose) ([]float32, error)
}

// CommitInput is an accepted draft and what the pipeline learned about it.
type CommitInput struct {
	NovelID          string
	EpisodeNo        int
	StoryTime        time.Time
	Content          string
	Facts            []string
	StagedSeeds      []types.PlotSeed
	StagedCharacters []types.Character
	StagedLocations  []types.Location
	ResolvedSeedIDs  []string
}

// CommitResult reports what was written. Warnings list the best-effort
// steps that failed after the episode row was inserted.
type CommitResult struct {
	Episode         types.Episode
	IntroducedSeeds int
	ResolvedSeeds   int
	FactChunks      int
	SummaryIndexed  bool
	Warnings        []string
}

// Manager applies commits.
type Manager struct {
	store    Store
	embedder Embedder
	tag      string
	cfg      config.PipelineConfig
}

// New creates a manager. tag is stored with every vector it writes.
func New(store Store, embedder Embedder, tag string, cfg config.PipelineConfig) *Manager {
	return &Manager{store: store, embedder: embedder, tag: tag, cfg: cfg}
}

// Commit inserts the episode, then applies the derived updates in order.
// Only the episode insert is fatal; later failures are logged, collected
// as warnings and never rolled back.
func (m *Manager) Commit(ctx context.Context, in CommitInput) (*CommitResult, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "Commit")
	defer timer.StopWithThreshold(30 * time.Second)

	ep := types.Episode{
		NovelID:   in.NovelID,
		EpisodeNo: in.EpisodeNo,
		StoryTime: in.StoryTime,
		Content:   in.Content,
	}
	if err := m.store.InsertEpisode(ctx, &ep); err != nil {
		return nil, err
	}
	res := &CommitResult{Episode: ep}
	audit := logging.AuditFor(in.NovelID, in.EpisodeNo)
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		logging.Get(logging.CategoryLifecycle).Warn("novel=%s episode=%d: %s", in.NovelID, in.EpisodeNo, msg)
		audit.Log(logging.AuditLifecycleWarn, msg)
	}

	for _, c := range in.StagedCharacters {
		c.NovelID = in.NovelID
		if err := m.store.UpsertCharacter(ctx, c); err != nil {
			warn("upsert character %q: %v", c.Name, err)
		}
	}
	for _, l := range in.StagedLocations {
		l.NovelID = in.NovelID
		if err := m.store.UpsertLocation(ctx, l); err != nil {
			warn("upsert location %q: %v", l.Name, err)
		}
	}

	var created []string
	for _, seed := range in.StagedSeeds {
		seed.NovelID = in.NovelID
		seed.Status = types.SeedOpen
		seed.IntroducedInEpisodeID = ""
		seed.ResolvedInEpisodeID = ""
		if err := m.store.CreatePlotSeed(ctx, &seed); err != nil {
			warn("create plot seed %q: %v", seed.Title, err)
			continue
		}
		created = append(created, seed.ID)
	}
	if len(created) > 0 {
		n, err := m.store.MarkSeedsIntroduced(ctx, in.NovelID, ep.ID, created)
		if err != nil {
			warn("mark seeds introduced: %v", err)
		}
		res.IntroducedSeeds = n
	}

	if err := m.indexSummary(ctx, ep); err != nil {
		warn("index summary: %v", err)
	} else {
		res.SummaryIndexed = true
	}

	n, err := m.indexFacts(ctx, ep, in.Facts)
	if err != nil {
		warn("index facts: %v", err)
	}
	res.FactChunks = n

	for _, id := range in.ResolvedSeedIDs {
		ok, err := m.store.MarkSeedResolved(ctx, in.NovelID, id, ep.ID)
		switch {
		case err != nil:
			warn("resolve seed %s: %v", id, err)
		case !ok:
			warn("seed %s was not resolvable (unknown, already resolved or introduced in this episode)", id)
		default:
			res.ResolvedSeeds++
		}
	}

	audit.EpisodeCommit(ep.ID, len([]rune(ep.Content)), len(res.Warnings))
	logging.Lifecycle("committed novel=%s episode=%d id=%s introduced=%d resolved=%d facts=%d warnings=%d",
		in.NovelID, in.EpisodeNo, ep.ID, res.IntroducedSeeds, res.ResolvedSeeds, res.FactChunks, len(res.Warnings))
	return res, nil
}

func (m *Manager) indexSummary(ctx context.Context, ep types.Episode) error {
	text := head(ep.Content, m.cfg.SummaryChars)
	vec, err := m.embedder.EmbedText(ctx, text, embedding.PurposeDocument)
	if err != nil {
		return err
	}
	return m.store.InsertChunk(ctx, &types.EpisodeChunk{
		NovelID:        ep.NovelID,
		EpisodeID:      ep.ID,
		EpisodeNo:      ep.EpisodeNo,
		Kind:           types.ChunkEpisode,
		Content:        text,
		Embedding:      vec,
		EmbeddingModel: m.tag,
	})
}

// indexFacts embeds facts concurrently and inserts one chunk per fact in
// order. Facts whose embedding failed are skipped; the first error is
// returned along with the number of chunks written.
func (m *Manager) indexFacts(ctx context.Context, ep types.Episode, facts []string) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	vecs := make([][]float32, len(facts))
	errsByFact := make([]error, len(facts))
	var g errgroup.Group
	g.SetLimit(4)
	for i, fact := range facts {
		g.Go(func() error {
			vecs[i], errsByFact[i] = m.embedder.EmbedText(ctx, fact, embedding.PurposeDocument)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	written := 0
	for i, fact := range facts {
		if errsByFact[i] != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fact %d: %w", i, errsByFact[i])
			}
			continue
		}
		err := m.store.InsertChunk(ctx, &types.EpisodeChunk{
			NovelID:        ep.NovelID,
			EpisodeID:      ep.ID,
			EpisodeNo:      ep.EpisodeNo,
			Kind:           types.ChunkFact,
			ChunkIndex:     i,
			Content:        fact,
			Embedding:      vecs[i],
			EmbeddingModel: m.tag,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}
	return written, firstErr
}

// Reindex rebuilds the episode-summary chunks of a novel from the episode
// table, for example after switching embedding models. Fact chunks are not
// rebuilt: they come from model extraction at commit time.
func (m *Manager) Reindex(ctx context.Context, novelID string) (int, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "Reindex")
	defer timer.Stop()

	episodes, err := m.store.ListEpisodes(ctx, novelID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ep := range episodes {
		if _, err := m.store.DeleteChunks(ctx, ep.ID, types.ChunkEpisode); err != nil {
			return n, err
		}
		if err := m.indexSummary(ctx, ep); err != nil {
			return n, err
		}
		n++
		logging.LifecycleDebug("reindexed novel=%s episode=%d", novelID, ep.EpisodeNo)
	}
	logging.Lifecycle("reindexed %d episode summaries of novel %s with tag %s", n, novelID, m.tag)
	return n, nil
}

func head(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}
