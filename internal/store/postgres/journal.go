package postgres

import (
	"context"
	"fmt"

	"github.com/MrWong99/stagehand/internal/approval"
)

// Journal is an [approval.Journal] backed by the approval_journal table.
type Journal struct {
	db DB
}

var _ approval.Journal = (*Journal)(nil)

// NewJournal creates a journal on db. The schema must already exist.
func NewJournal(db DB) *Journal {
	return &Journal{db: db}
}

// Append implements [approval.Journal]. A re-appended entry replaces the
// stored one and clears any resolution.
func (j *Journal) Append(ctx context.Context, e approval.Entry) error {
	_, err := j.db.Exec(ctx, `
		INSERT INTO approval_journal (
			queue, request_id, world_id, region_id, created_at,
			retry_count, attempt, guidance, urgency, failed, payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (queue, request_id) DO UPDATE SET
			world_id = EXCLUDED.world_id,
			region_id = EXCLUDED.region_id,
			retry_count = EXCLUDED.retry_count,
			attempt = EXCLUDED.attempt,
			guidance = EXCLUDED.guidance,
			urgency = EXCLUDED.urgency,
			failed = EXCLUDED.failed,
			payload = EXCLUDED.payload,
			decision = NULL, outcome = NULL, resolved_by = NULL, resolved_at = NULL`,
		e.Queue, e.RequestID, e.Scope.WorldID, e.Scope.RegionID, e.CreatedAt,
		e.RetryCount, e.Attempt, e.Guidance, int16(e.Urgency), e.Failed, []byte(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("postgres: journal append %s/%s: %w", e.Queue, e.RequestID, err)
	}
	return nil
}

// MarkResolved implements [approval.Journal].
func (j *Journal) MarkResolved(ctx context.Context, r approval.Resolution) error {
	_, err := j.db.Exec(ctx, `
		UPDATE approval_journal
		SET decision = $3, outcome = $4, resolved_by = $5, resolved_at = $6
		WHERE queue = $1 AND request_id = $2`,
		r.Queue, r.RequestID, r.Decision, r.Outcome, r.By, r.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: journal resolve %s/%s: %w", r.Queue, r.RequestID, err)
	}
	return nil
}

// Unresolved implements [approval.Journal].
func (j *Journal) Unresolved(ctx context.Context, queue string) ([]approval.Entry, error) {
	rows, err := j.db.Query(ctx, `
		SELECT request_id, world_id, region_id, created_at, retry_count,
		       attempt, guidance, urgency, failed, payload
		FROM approval_journal
		WHERE queue = $1 AND resolved_at IS NULL
		ORDER BY created_at`, queue)
	if err != nil {
		return nil, fmt.Errorf("postgres: journal unresolved %s: %w", queue, err)
	}
	defer rows.Close()

	var out []approval.Entry
	for rows.Next() {
		e := approval.Entry{Queue: queue}
		var (
			urgency int16
			payload []byte
		)
		if err := rows.Scan(&e.RequestID, &e.Scope.WorldID, &e.Scope.RegionID, &e.CreatedAt,
			&e.RetryCount, &e.Attempt, &e.Guidance, &urgency, &e.Failed, &payload); err != nil {
			return nil, fmt.Errorf("postgres: journal unresolved %s: %w", queue, err)
		}
		e.Urgency = approval.Urgency(urgency)
		e.Payload = payload
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: journal unresolved %s: %w", queue, err)
	}
	return out, nil
}
