package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"novelloop/internal/errs"
	"novelloop/internal/types"
)

// =============================================================================
// NOVELS
// =============================================================================

// CreateNovel inserts a novel, assigning an ID when empty.
func (s *LocalStore) CreateNovel(ctx context.Context, n *types.Novel) error {
	if strings.TrimSpace(n.Title) == "" {
		return errs.Validation("store.CreateNovel", "title is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO novels (id, title, story_bible, active, created_at) VALUES (?, ?, ?, ?, ?)",
		n.ID, n.Title, n.StoryBible, boolToInt(n.Active), n.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errs.Database("store.CreateNovel", err)
	}
	return nil
}

// GetNovel returns the novel or a validation error when it does not exist.
func (s *LocalStore) GetNovel(ctx context.Context, id string) (*types.Novel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, story_bible, active, created_at FROM novels WHERE id = ?", id)
	n, err := scanNovel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Validation("store.GetNovel", "novel %q not found", id)
	}
	if err != nil {
		return nil, errs.Database("store.GetNovel", err)
	}
	return n, nil
}

// ListNovels returns novels ordered by creation; activeOnly filters inactive ones.
func (s *LocalStore) ListNovels(ctx context.Context, activeOnly bool) ([]types.Novel, error) {
	query := "SELECT id, title, story_bible, active, created_at FROM novels"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.Database("store.ListNovels", err)
	}
	defer rows.Close()

	var out []types.Novel
	for rows.Next() {
		n, err := scanNovel(rows)
		if err != nil {
			return nil, errs.Database("store.ListNovels", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database("store.ListNovels", err)
	}
	return out, nil
}

// SetNovelActive toggles scheduling for a novel.
func (s *LocalStore) SetNovelActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE novels SET active = ? WHERE id = ?", boolToInt(active), id)
	if err != nil {
		return errs.Database("store.SetNovelActive", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Validation("store.SetNovelActive", "novel %q not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNovel(r rowScanner) (*types.Novel, error) {
	var n types.Novel
	var active int
	var created string
	if err := r.Scan(&n.ID, &n.Title, &n.StoryBible, &active, &created); err != nil {
		return nil, err
	}
	n.Active = active != 0
	n.CreatedAt = parseTime(created)
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// EPISODES
// =============================================================================

// InsertEpisode stores an accepted episode. A duplicate (novel_id,
// episode_no) is a database error: callers must serialize runs per novel.
func (s *LocalStore) InsertEpisode(ctx context.Context, e *types.Episode) error {
	if e.EpisodeNo < 1 {
		return errs.Validation("store.InsertEpisode", "episode_no must be >= 1, got %d", e.EpisodeNo)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, novel_id, episode_no, story_time, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.NovelID, e.EpisodeNo, e.StoryTime.Format(time.RFC3339Nano), e.Content,
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Database("store.InsertEpisode",
				fmt.Errorf("episode %d of novel %s already exists: %w", e.EpisodeNo, e.NovelID, err))
		}
		return errs.Database("store.InsertEpisode", err)
	}
	return nil
}

// MaxEpisodeNo returns the highest committed episode number, 0 when none.
func (s *LocalStore) MaxEpisodeNo(ctx context.Context, novelID string) (int, error) {
	var maxNo sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(episode_no) FROM episodes WHERE novel_id = ?", novelID).Scan(&maxNo)
	if err != nil {
		return 0, errs.Database("store.MaxEpisodeNo", err)
	}
	return int(maxNo.Int64), nil
}

// LatestEpisodes returns up to n most recent episodes, newest first.
func (s *LocalStore) LatestEpisodes(ctx context.Context, novelID string, n int) ([]types.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, novel_id, episode_no, story_time, content, created_at
		 FROM episodes WHERE novel_id = ? ORDER BY episode_no DESC LIMIT ?`, novelID, n)
	if err != nil {
		return nil, errs.Database("store.LatestEpisodes", err)
	}
	defer rows.Close()
	return scanEpisodes(rows, "store.LatestEpisodes")
}

// ListEpisodes returns all episodes of a novel in order.
func (s *LocalStore) ListEpisodes(ctx context.Context, novelID string) ([]types.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, novel_id, episode_no, story_time, content, created_at
		 FROM episodes WHERE novel_id = ? ORDER BY episode_no`, novelID)
	if err != nil {
		return nil, errs.Database("store.ListEpisodes", err)
	}
	defer rows.Close()
	return scanEpisodes(rows, "store.ListEpisodes")
}

func scanEpisodes(rows *sql.Rows, op string) ([]types.Episode, error) {
	var out []types.Episode
	for rows.Next() {
		var e types.Episode
		var storyTime, created string
		if err := rows.Scan(&e.ID, &e.NovelID, &e.EpisodeNo, &storyTime, &e.Content, &created); err != nil {
			return nil, errs.Database(op, err)
		}
		t, err := time.Parse(time.RFC3339Nano, storyTime)
		if err != nil {
			return nil, errs.Parse(op, err, "episode %s story_time %q", e.ID, storyTime)
		}
		e.StoryTime = t
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database(op, err)
	}
	return out, nil
}
