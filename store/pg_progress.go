package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGProgressStore implements ProgressStore backed by PostgreSQL.
type PGProgressStore struct {
	pool *pgxpool.Pool
}

func (s *PGProgressStore) AppendProgress(ctx context.Context, ev *ProgressEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	// Sequence numbers are per-execution; the unique constraint turns a
	// concurrent append into a retry with the bumped sequence.
	for {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO progress_events (execution_id, sequence_number, event_type,
				progress_percent, eta_seconds, current_step, details, created_at)
			SELECT $1, COALESCE(MAX(sequence_number), 0) + 1, $2, $3, $4, $5, $6, $7
			FROM progress_events WHERE execution_id = $1
			RETURNING id, sequence_number`,
			ev.ExecutionID, ev.EventType, ev.ProgressPercent, ev.ETASeconds,
			ev.CurrentStep, ev.Details, ev.CreatedAt).Scan(&ev.ID, &ev.SequenceNumber)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("append progress: %w", err)
		}
	}
}

func (s *PGProgressStore) ListProgress(ctx context.Context, f ProgressFilter) ([]*ProgressEvent, error) {
	query := `SELECT id, execution_id, sequence_number, event_type, progress_percent,
		eta_seconds, current_step, details, created_at
		FROM progress_events WHERE execution_id = $1`
	args := []any{f.ExecutionID}
	idx := 2

	if f.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, idx)
		args = append(args, f.EventType)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *f.Since)
		idx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *f.Until)
		idx++
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, sequence_number DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Pagination.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []*ProgressEvent
	for rows.Next() {
		var ev ProgressEvent
		err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.SequenceNumber, &ev.EventType,
			&ev.ProgressPercent, &ev.ETASeconds, &ev.CurrentStep, &ev.Details, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
