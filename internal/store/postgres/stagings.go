package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/stagehand/internal/staging"
)

// StagingStore is a [staging.Store] backed by the stagings table.
type StagingStore struct {
	db DB
}

var _ staging.Store = (*StagingStore)(nil)

// NewStagingStore creates a store on db. The schema must already exist.
func NewStagingStore(db DB) *StagingStore {
	return &StagingStore{db: db}
}

const stagingColumns = `id, world_id, region_id, npcs, approved_at, game_time, ttl_hours, source, approved_by, is_active`

// Activate implements [staging.Store]. The previous active staging of the
// region is deactivated in the same transaction.
func (s *StagingStore) Activate(ctx context.Context, st staging.Staging) (*staging.Staging, error) {
	npcs, err := json.Marshal(emptyNPCs(st.NPCs))
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal npcs: %w", err)
	}

	var prev *staging.Staging
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE stagings SET is_active = FALSE
			WHERE world_id = $1 AND region_id = $2 AND is_active
			RETURNING `+stagingColumns,
			st.WorldID, st.RegionID)
		old, err := scanStaging(row)
		switch {
		case err == nil:
			prev = &old
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("deactivate: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stagings (`+stagingColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE)`,
			st.ID, st.WorldID, st.RegionID, npcs, st.ApprovedAt, st.GameTime,
			st.TTLHours, string(st.Source), st.ApprovedBy,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: activate staging %s: %w", st.ID, err)
	}
	return prev, nil
}

// Active implements [staging.Store].
func (s *StagingStore) Active(ctx context.Context, k staging.RegionKey) (staging.Staging, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+stagingColumns+` FROM stagings
		WHERE world_id = $1 AND region_id = $2 AND is_active`,
		k.WorldID, k.RegionID)
	st, err := scanStaging(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return staging.Staging{}, staging.ErrNoStaging
	}
	if err != nil {
		return staging.Staging{}, fmt.Errorf("postgres: active staging %s: %w", k, err)
	}
	return st, nil
}

// History implements [staging.Store].
func (s *StagingStore) History(ctx context.Context, k staging.RegionKey, limit int) ([]staging.Staging, error) {
	query := `SELECT ` + stagingColumns + ` FROM stagings
		WHERE world_id = $1 AND region_id = $2
		ORDER BY approved_at DESC, is_active DESC`
	args := []any{k.WorldID, k.RegionID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: staging history %s: %w", k, err)
	}
	defer rows.Close()

	var out []staging.Staging
	for rows.Next() {
		st, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: staging history %s: %w", k, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: staging history %s: %w", k, err)
	}
	return out, nil
}

func scanStaging(row pgx.Row) (staging.Staging, error) {
	var (
		st     staging.Staging
		npcs   []byte
		source string
	)
	err := row.Scan(&st.ID, &st.WorldID, &st.RegionID, &npcs, &st.ApprovedAt,
		&st.GameTime, &st.TTLHours, &source, &st.ApprovedBy, &st.IsActive)
	if err != nil {
		return staging.Staging{}, err
	}
	st.Source = staging.Source(source)
	if err := json.Unmarshal(npcs, &st.NPCs); err != nil {
		return staging.Staging{}, fmt.Errorf("unmarshal npcs of %s: %w", st.ID, err)
	}
	st.ApprovedAt = st.ApprovedAt.UTC()
	st.GameTime = st.GameTime.UTC()
	return st, nil
}

func emptyNPCs(n []staging.StagedNPC) []staging.StagedNPC {
	if n == nil {
		return []staging.StagedNPC{}
	}
	return n
}
