package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"novelloop/internal/errs"
	"novelloop/internal/types"
)

// entityTable is "characters" or "locations"; both share a shape.
type entityTable string

const (
	tableCharacters entityTable = "characters"
	tableLocations  entityTable = "locations"
)

// =============================================================================
// CHARACTERS AND LOCATIONS
// =============================================================================

// UpsertCharacter inserts or merges a character by (novel_id, name).
// Attribute keys present in c overwrite stored ones; other stored keys stay.
func (s *LocalStore) UpsertCharacter(ctx context.Context, c types.Character) error {
	return s.upsertEntity(ctx, tableCharacters, c.NovelID, c.Name, c.Attributes)
}

// UpsertLocation inserts or merges a location by (novel_id, name).
func (s *LocalStore) UpsertLocation(ctx context.Context, l types.Location) error {
	return s.upsertEntity(ctx, tableLocations, l.NovelID, l.Name, l.Attributes)
}

// GetCharacter returns a character by name; ok is false when unknown.
func (s *LocalStore) GetCharacter(ctx context.Context, novelID, name string) (types.Character, bool, error) {
	attrs, ok, err := s.getEntity(ctx, tableCharacters, novelID, name)
	return types.Character{NovelID: novelID, Name: strings.TrimSpace(name), Attributes: attrs}, ok, err
}

// GetLocation returns a location by name; ok is false when unknown.
func (s *LocalStore) GetLocation(ctx context.Context, novelID, name string) (types.Location, bool, error) {
	attrs, ok, err := s.getEntity(ctx, tableLocations, novelID, name)
	return types.Location{NovelID: novelID, Name: strings.TrimSpace(name), Attributes: attrs}, ok, err
}

// ListCharacters returns all characters of a novel ordered by name.
func (s *LocalStore) ListCharacters(ctx context.Context, novelID string) ([]types.Character, error) {
	names, attrs, err := s.listEntities(ctx, tableCharacters, novelID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Character, len(names))
	for i := range names {
		out[i] = types.Character{NovelID: novelID, Name: names[i], Attributes: attrs[i]}
	}
	return out, nil
}

// ListLocations returns all locations of a novel ordered by name.
func (s *LocalStore) ListLocations(ctx context.Context, novelID string) ([]types.Location, error) {
	names, attrs, err := s.listEntities(ctx, tableLocations, novelID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Location, len(names))
	for i := range names {
		out[i] = types.Location{NovelID: novelID, Name: names[i], Attributes: attrs[i]}
	}
	return out, nil
}

func (s *LocalStore) upsertEntity(ctx context.Context, table entityTable, novelID, name string, attrs map[string]string) error {
	op := fmt.Sprintf("store.upsert(%s)", table)
	name = strings.TrimSpace(name)
	if novelID == "" || name == "" {
		return errs.Validation(op, "novel_id and name are required")
	}

	return withTx(ctx, s.db, op, func(tx *sql.Tx) error {
		merged := map[string]string{}
		var raw string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT attributes FROM %s WHERE novel_id = ? AND name = ?", table), novelID, name).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return errs.Database(op, err)
		default:
			if err := json.Unmarshal([]byte(raw), &merged); err != nil {
				return errs.Parse(op, err, "stored attributes of %s", name)
			}
		}
		for k, v := range attrs {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return errs.Unexpected(op, err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (novel_id, name, attributes, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(novel_id, name) DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at`, table),
			novelID, name, string(encoded), now())
		if err != nil {
			return errs.Database(op, err)
		}
		return nil
	})
}

func (s *LocalStore) getEntity(ctx context.Context, table entityTable, novelID, name string) (map[string]string, bool, error) {
	op := fmt.Sprintf("store.get(%s)", table)
	var raw string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT attributes FROM %s WHERE novel_id = ? AND name = ?", table),
		novelID, strings.TrimSpace(name)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Database(op, err)
	}
	attrs := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, false, errs.Parse(op, err, "stored attributes of %s", name)
	}
	return attrs, true, nil
}

func (s *LocalStore) listEntities(ctx context.Context, table entityTable, novelID string) ([]string, []map[string]string, error) {
	op := fmt.Sprintf("store.list(%s)", table)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT name, attributes FROM %s WHERE novel_id = ? ORDER BY name", table), novelID)
	if err != nil {
		return nil, nil, errs.Database(op, err)
	}
	defer rows.Close()

	var names []string
	var attrs []map[string]string
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, nil, errs.Database(op, err)
		}
		m := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, errs.Parse(op, err, "stored attributes of %s", name)
		}
		names = append(names, name)
		attrs = append(attrs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errs.Database(op, err)
	}
	return names, attrs, nil
}

// =============================================================================
// PLOT SEEDS
// =============================================================================

// CreatePlotSeed inserts an open seed with its character/location links.
// IntroducedInEpisodeID is normally empty here and back-filled on commit.
func (s *LocalStore) CreatePlotSeed(ctx context.Context, seed *types.PlotSeed) error {
	const op = "store.CreatePlotSeed"
	if seed.NovelID == "" || strings.TrimSpace(seed.Title) == "" {
		return errs.Validation(op, "novel_id and title are required")
	}
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}
	seed.Status = types.SeedOpen
	seed.ResolvedInEpisodeID = ""

	return withTx(ctx, s.db, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plot_seeds (id, novel_id, title, detail, status, introduced_in_episode_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			seed.ID, seed.NovelID, seed.Title, seed.Detail, string(types.SeedOpen),
			nullString(seed.IntroducedInEpisodeID), now())
		if err != nil {
			return errs.Database(op, err)
		}
		for _, name := range uniqueTrimmed(seed.CharacterNames) {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO plot_seed_characters (plot_seed_id, character_name) VALUES (?, ?)", seed.ID, name); err != nil {
				return errs.Database(op, err)
			}
		}
		for _, name := range uniqueTrimmed(seed.LocationNames) {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO plot_seed_locations (plot_seed_id, location_name) VALUES (?, ?)", seed.ID, name); err != nil {
				return errs.Database(op, err)
			}
		}
		return nil
	})
}

// GetPlotSeed returns a seed with its links.
func (s *LocalStore) GetPlotSeed(ctx context.Context, id string) (*types.PlotSeed, error) {
	const op = "store.GetPlotSeed"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, novel_id, title, detail, status, introduced_in_episode_id, resolved_in_episode_id
		FROM plot_seeds WHERE id = ?`, id)
	seed, err := scanSeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Validation(op, "plot seed %q not found", id)
	}
	if err != nil {
		return nil, errs.Database(op, err)
	}
	if err := s.loadSeedLinks(ctx, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// ListOpenPlotSeeds returns open seeds that have been introduced in a
// committed episode, oldest first.
func (s *LocalStore) ListOpenPlotSeeds(ctx context.Context, novelID string) ([]types.PlotSeed, error) {
	const op = "store.ListOpenPlotSeeds"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, novel_id, title, detail, status, introduced_in_episode_id, resolved_in_episode_id
		FROM plot_seeds
		WHERE novel_id = ? AND status = 'open' AND introduced_in_episode_id IS NOT NULL
		ORDER BY created_at, id`, novelID)
	if err != nil {
		return nil, errs.Database(op, err)
	}
	var seeds []types.PlotSeed
	for rows.Next() {
		seed, err := scanSeed(rows)
		if err != nil {
			rows.Close()
			return nil, errs.Database(op, err)
		}
		seeds = append(seeds, *seed)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errs.Database(op, err)
	}

	for i := range seeds {
		if err := s.loadSeedLinks(ctx, &seeds[i]); err != nil {
			return nil, err
		}
	}
	return seeds, nil
}

// MarkSeedsIntroduced back-fills introduced_in_episode_id on seeds that do
// not have one yet. It returns how many rows changed.
func (s *LocalStore) MarkSeedsIntroduced(ctx context.Context, novelID, episodeID string, seedIDs []string) (int, error) {
	const op = "store.MarkSeedsIntroduced"
	changed := 0
	for _, id := range seedIDs {
		res, err := s.db.ExecContext(ctx, `
			UPDATE plot_seeds SET introduced_in_episode_id = ?
			WHERE id = ? AND novel_id = ? AND introduced_in_episode_id IS NULL`, episodeID, id, novelID)
		if err != nil {
			return changed, errs.Database(op, err)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}
	return changed, nil
}

// MarkSeedResolved resolves an open seed. A seed whose introduction has not
// been recorded is never resolved; resolved reports whether the row changed.
func (s *LocalStore) MarkSeedResolved(ctx context.Context, novelID, seedID, episodeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plot_seeds SET status = 'resolved', resolved_in_episode_id = ?
		WHERE id = ? AND novel_id = ? AND status = 'open'
		  AND introduced_in_episode_id IS NOT NULL
		  AND introduced_in_episode_id != ?`, episodeID, seedID, novelID, episodeID)
	if err != nil {
		return false, errs.Database("store.MarkSeedResolved", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *LocalStore) loadSeedLinks(ctx context.Context, seed *types.PlotSeed) error {
	var err error
	seed.CharacterNames, err = s.queryStrings(ctx,
		"SELECT character_name FROM plot_seed_characters WHERE plot_seed_id = ? ORDER BY character_name", seed.ID)
	if err != nil {
		return err
	}
	seed.LocationNames, err = s.queryStrings(ctx,
		"SELECT location_name FROM plot_seed_locations WHERE plot_seed_id = ? ORDER BY location_name", seed.ID)
	return err
}

func (s *LocalStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Database("store.query", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Database("store.query", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database("store.query", err)
	}
	return out, nil
}

func scanSeed(r rowScanner) (*types.PlotSeed, error) {
	var seed types.PlotSeed
	var status string
	var introduced, resolved sql.NullString
	if err := r.Scan(&seed.ID, &seed.NovelID, &seed.Title, &seed.Detail, &status, &introduced, &resolved); err != nil {
		return nil, err
	}
	seed.Status = types.SeedStatus(status)
	seed.IntroducedInEpisodeID = introduced.String
	seed.ResolvedInEpisodeID = resolved.String
	return &seed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func uniqueTrimmed(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
