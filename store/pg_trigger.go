package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTriggerStore implements TriggerStore backed by PostgreSQL.
type PGTriggerStore struct {
	pool *pgxpool.Pool
}

const scheduleColumns = `id, name, kind, cron_expr, interval_seconds, fire_at,
	definition_id, params, enabled, last_fired_at, next_fire_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*TriggerSchedule, error) {
	var s TriggerSchedule
	err := row.Scan(&s.ID, &s.Name, &s.Kind, &s.CronExpr, &s.IntervalSeconds, &s.FireAt,
		&s.DefinitionID, &s.Params, &s.Enabled, &s.LastFiredAt, &s.NextFireAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &s, nil
}

func (t *PGTriggerStore) CreateSchedule(ctx context.Context, s *TriggerSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := t.pool.Exec(ctx, `
		INSERT INTO trigger_schedules (id, name, kind, cron_expr, interval_seconds,
			fire_at, definition_id, params, enabled, next_fire_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.Name, s.Kind, s.CronExpr, s.IntervalSeconds, s.FireAt, s.DefinitionID,
		s.Params, s.Enabled, s.NextFireAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (t *PGTriggerStore) GetSchedule(ctx context.Context, id uuid.UUID) (*TriggerSchedule, error) {
	return scanSchedule(t.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM trigger_schedules WHERE id = $1`, id))
}

func (t *PGTriggerStore) UpdateSchedule(ctx context.Context, s *TriggerSchedule) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE trigger_schedules
		SET name=$2, kind=$3, cron_expr=$4, interval_seconds=$5, fire_at=$6,
			definition_id=$7, params=$8, enabled=$9, next_fire_at=$10, updated_at=now()
		WHERE id=$1`,
		s.ID, s.Name, s.Kind, s.CronExpr, s.IntervalSeconds, s.FireAt,
		s.DefinitionID, s.Params, s.Enabled, s.NextFireAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *PGTriggerStore) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := t.pool.Exec(ctx, `DELETE FROM trigger_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *PGTriggerStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*TriggerSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM trigger_schedules WHERE 1=1`
	args := []any{}
	idx := 1

	if f.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, idx)
		args = append(args, f.Kind)
		idx++
	}
	if f.Enabled != nil {
		query += fmt.Sprintf(` AND enabled = $%d`, idx)
		args = append(args, *f.Enabled)
		idx++
	}

	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Pagination.Offset)

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*TriggerSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *PGTriggerStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*TriggerSchedule, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM trigger_schedules
		WHERE enabled = TRUE AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*TriggerSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *PGTriggerStore) ClaimDue(ctx context.Context, id uuid.UUID, due time.Time, firedAt time.Time, next *time.Time) (bool, error) {
	// The next_fire_at guard keys the claim to one due occurrence, so
	// overlapping poll windows across replicas fire it exactly once.
	tag, err := t.pool.Exec(ctx, `
		UPDATE trigger_schedules
		SET last_fired_at = $2, next_fire_at = $3,
			enabled = CASE WHEN $3::timestamptz IS NULL AND kind = 'one_time' THEN FALSE ELSE enabled END,
			updated_at = now()
		WHERE id = $1 AND enabled = TRUE AND next_fire_at = $4`,
		id, firedAt, next, due)
	if err != nil {
		return false, fmt.Errorf("claim due schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *PGTriggerStore) CreateWebhook(ctx context.Context, w *WebhookTrigger) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now()

	_, err := t.pool.Exec(ctx, `
		INSERT INTO webhook_triggers (id, name, token, secret, definition_id, params, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		w.ID, w.Name, w.Token, w.Secret, w.DefinitionID, w.Params, w.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (t *PGTriggerStore) GetWebhookByToken(ctx context.Context, token string) (*WebhookTrigger, error) {
	var w WebhookTrigger
	err := t.pool.QueryRow(ctx, `
		SELECT id, name, token, secret, definition_id, params, created_at
		FROM webhook_triggers WHERE token = $1`, token).
		Scan(&w.ID, &w.Name, &w.Token, &w.Secret, &w.DefinitionID, &w.Params, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

func (t *PGTriggerStore) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := t.pool.Exec(ctx, `DELETE FROM webhook_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *PGTriggerStore) ListWebhooks(ctx context.Context, p Pagination) ([]*WebhookTrigger, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.pool.Query(ctx, `
		SELECT id, name, token, secret, definition_id, params, created_at
		FROM webhook_triggers ORDER BY created_at ASC LIMIT $1 OFFSET $2`, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookTrigger
	for rows.Next() {
		var w WebhookTrigger
		if err := rows.Scan(&w.ID, &w.Name, &w.Token, &w.Secret, &w.DefinitionID, &w.Params, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (t *PGTriggerStore) CreateEventTrigger(ctx context.Context, et *EventTrigger) error {
	if et.ID == uuid.Nil {
		et.ID = uuid.New()
	}
	et.CreatedAt = time.Now()

	_, err := t.pool.Exec(ctx, `
		INSERT INTO event_triggers (id, name, topic, pattern, definition_id, params, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		et.ID, et.Name, et.Topic, et.Pattern, et.DefinitionID, et.Params, et.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event trigger: %w", err)
	}
	return nil
}

func (t *PGTriggerStore) DeleteEventTrigger(ctx context.Context, id uuid.UUID) error {
	tag, err := t.pool.Exec(ctx, `DELETE FROM event_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *PGTriggerStore) ListEventTriggers(ctx context.Context, p Pagination) ([]*EventTrigger, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.pool.Query(ctx, `
		SELECT id, name, topic, pattern, definition_id, params, created_at
		FROM event_triggers ORDER BY created_at ASC LIMIT $1 OFFSET $2`, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list event triggers: %w", err)
	}
	defer rows.Close()

	var out []*EventTrigger
	for rows.Next() {
		var et EventTrigger
		if err := rows.Scan(&et.ID, &et.Name, &et.Topic, &et.Pattern, &et.DefinitionID, &et.Params, &et.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event trigger: %w", err)
		}
		out = append(out, &et)
	}
	return out, rows.Err()
}
