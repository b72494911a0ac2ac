package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"novelloop/internal/errs"
	"novelloop/internal/types"
)

// UpsertEpisodeRun records the progress of an attempt. The row for the
// same (novel_id, episode_no) is replaced, never merged.
func (s *LocalStore) UpsertEpisodeRun(ctx context.Context, run *types.EpisodeRun) error {
	const op = "store.UpsertEpisodeRun"
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.UpdatedAt = time.Now().UTC()
	issues, err := json.Marshal(nonNilIssues(run.LastReviewIssues))
	if err != nil {
		return errs.Unexpected(op, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episode_runs (id, novel_id, episode_no, state, attempt_count, last_review_issues, last_revision_instruction, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id, episode_no) DO UPDATE SET
			id = excluded.id,
			state = excluded.state,
			attempt_count = excluded.attempt_count,
			last_review_issues = excluded.last_review_issues,
			last_revision_instruction = excluded.last_revision_instruction,
			updated_at = excluded.updated_at`,
		run.ID, run.NovelID, run.EpisodeNo, string(run.State), run.AttemptCount, string(issues),
		run.LastRevisionInstruction, run.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errs.Database(op, err)
	}
	return nil
}

// GetEpisodeRun returns the current run row; ok is false when none exists.
func (s *LocalStore) GetEpisodeRun(ctx context.Context, novelID string, episodeNo int) (*types.EpisodeRun, bool, error) {
	const op = "store.GetEpisodeRun"
	var run types.EpisodeRun
	var state, issues, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, novel_id, episode_no, state, attempt_count, last_review_issues, last_revision_instruction, updated_at
		FROM episode_runs WHERE novel_id = ? AND episode_no = ?`, novelID, episodeNo).
		Scan(&run.ID, &run.NovelID, &run.EpisodeNo, &state, &run.AttemptCount, &issues, &run.LastRevisionInstruction, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Database(op, err)
	}
	run.State = types.RunState(state)
	run.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(issues), &run.LastReviewIssues); err != nil {
		return nil, false, errs.Parse(op, err, "last_review_issues")
	}
	return &run, true, nil
}

// ReviewRecord is one reviewer verdict kept for audit.
type ReviewRecord struct {
	RunID     string
	NovelID   string
	EpisodeNo int
	Attempt   int
	Reviewer  string // "guard", "continuity" or "consistency"
	Result    types.ReviewResult
}

// InsertReview appends a verdict to episode_reviews. The stored passed flag
// is the effective one (flag and no issues).
func (s *LocalStore) InsertReview(ctx context.Context, rec ReviewRecord) error {
	const op = "store.InsertReview"
	issues, err := json.Marshal(nonNilIssues(rec.Result.Issues))
	if err != nil {
		return errs.Unexpected(op, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episode_reviews (run_id, novel_id, episode_no, attempt, reviewer, passed, issues, revision_instruction, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NovelID, rec.EpisodeNo, rec.Attempt, rec.Reviewer, boolToInt(rec.Result.Passed()),
		string(issues), rec.Result.Instruction(), now())
	if err != nil {
		return errs.Database(op, err)
	}
	return nil
}

// ListReviews returns the verdicts recorded for a run in insertion order.
func (s *LocalStore) ListReviews(ctx context.Context, runID string) ([]ReviewRecord, error) {
	const op = "store.ListReviews"
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, novel_id, episode_no, attempt, reviewer, passed, issues, revision_instruction
		FROM episode_reviews WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errs.Database(op, err)
	}
	defer rows.Close()

	var out []ReviewRecord
	for rows.Next() {
		var rec ReviewRecord
		var passed int
		var issues string
		if err := rows.Scan(&rec.RunID, &rec.NovelID, &rec.EpisodeNo, &rec.Attempt, &rec.Reviewer, &passed, &issues, &rec.Result.RevisionInstruction); err != nil {
			return nil, errs.Database(op, err)
		}
		rec.Result.Reported = passed != 0
		if err := json.Unmarshal([]byte(issues), &rec.Result.Issues); err != nil {
			return nil, errs.Parse(op, err, "issues")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database(op, err)
	}
	return out, nil
}

func nonNilIssues(in []types.ReviewIssue) []types.ReviewIssue {
	if in == nil {
		return []types.ReviewIssue{}
	}
	return in
}
