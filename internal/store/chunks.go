package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"novelloop/internal/embedding"
	"novelloop/internal/errs"
	"novelloop/internal/logging"
	"novelloop/internal/types"
)

// MatchParams parameterizes a similarity search.
type MatchParams struct {
	NovelID        string
	QueryEmbedding []float32
	MaxEpisodeNo   int // hits from later episodes are never returned
	MatchCount     int
	EmbeddingModel string
	Kinds          []types.ChunkKind // MatchChunks only; empty means any kind
}

func (p MatchParams) validate(op string) error {
	switch {
	case p.NovelID == "":
		return errs.Validation(op, "novel_id is required")
	case len(p.QueryEmbedding) == 0:
		return errs.Validation(op, "query embedding is required")
	case p.MatchCount <= 0:
		return errs.Validation(op, "match_count must be positive")
	case p.EmbeddingModel == "":
		return errs.Validation(op, "embedding model tag is required")
	}
	return nil
}

// InsertChunk stores one retrieval index entry.
func (s *LocalStore) InsertChunk(ctx context.Context, c *types.EpisodeChunk) error {
	const op = "store.InsertChunk"
	if len(c.Embedding) == 0 {
		return errs.Validation(op, "chunk embedding is empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episode_chunks (id, novel_id, episode_id, episode_no, chunk_kind, chunk_index, content, embedding, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.NovelID, c.EpisodeID, c.EpisodeNo, string(c.Kind), c.ChunkIndex, c.Content,
		embedding.EncodeVector(c.Embedding), c.EmbeddingModel, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Database(op, err)
	}
	return nil
}

// DeleteChunks removes index entries of one episode and kind. Used when
// rebuilding the index.
func (s *LocalStore) DeleteChunks(ctx context.Context, episodeID string, kind types.ChunkKind) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM episode_chunks WHERE episode_id = ? AND chunk_kind = ?", episodeID, string(kind))
	if err != nil {
		return 0, errs.Database("store.DeleteChunks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountChunks counts index entries of a novel by kind.
func (s *LocalStore) CountChunks(ctx context.Context, novelID string, kind types.ChunkKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM episode_chunks WHERE novel_id = ? AND chunk_kind = ?", novelID, string(kind)).Scan(&n)
	if err != nil {
		return 0, errs.Database("store.CountChunks", err)
	}
	return n, nil
}

// MatchEpisodeSummaries searches episode-summary chunks.
func (s *LocalStore) MatchEpisodeSummaries(ctx context.Context, p MatchParams) ([]types.ChunkMatch, error) {
	p.Kinds = []types.ChunkKind{types.ChunkEpisode}
	return s.match(ctx, "store.MatchEpisodeSummaries", p)
}

// MatchChunks searches chunks of the given kinds (any kind when empty).
func (s *LocalStore) MatchChunks(ctx context.Context, p MatchParams) ([]types.ChunkMatch, error) {
	return s.match(ctx, "store.MatchChunks", p)
}

func (s *LocalStore) match(ctx context.Context, op string, p MatchParams) ([]types.ChunkMatch, error) {
	if err := p.validate(op); err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryStore, op)
	defer timer.StopWithThreshold(500 * time.Millisecond)

	query := `
		SELECT id, novel_id, episode_id, episode_no, chunk_kind, chunk_index, content, embedding_model,
		       1 - vec_distance_cosine(embedding, ?) AS similarity
		FROM episode_chunks
		WHERE novel_id = ? AND episode_no <= ? AND embedding_model = ?`
	args := []any{embedding.EncodeVector(p.QueryEmbedding), p.NovelID, p.MaxEpisodeNo, p.EmbeddingModel}
	if len(p.Kinds) > 0 {
		marks := make([]string, len(p.Kinds))
		for i, k := range p.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += fmt.Sprintf(" AND chunk_kind IN (%s)", strings.Join(marks, ","))
	}
	query += " ORDER BY similarity DESC, episode_no ASC, chunk_index ASC LIMIT ?"
	args = append(args, p.MatchCount)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Database(op, err)
	}
	defer rows.Close()

	var out []types.ChunkMatch
	for rows.Next() {
		var m types.ChunkMatch
		var kind string
		if err := rows.Scan(&m.Chunk.ID, &m.Chunk.NovelID, &m.Chunk.EpisodeID, &m.Chunk.EpisodeNo, &kind,
			&m.Chunk.ChunkIndex, &m.Chunk.Content, &m.Chunk.EmbeddingModel, &m.Similarity); err != nil {
			return nil, errs.Database(op, err)
		}
		m.Chunk.Kind = types.ChunkKind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database(op, err)
	}
	logging.StoreDebug("%s novel=%s max_episode=%d hits=%d", op, p.NovelID, p.MaxEpisodeNo, len(out))
	return out, nil
}
