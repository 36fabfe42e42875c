package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSubscriptionStore implements SubscriptionStore backed by PostgreSQL.
type PGSubscriptionStore struct {
	pool *pgxpool.Pool
}

func (s *PGSubscriptionStore) CreateSubscription(ctx context.Context, sub *ExecutionSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.DeliveryStatus == "" {
		sub.DeliveryStatus = DeliveryActive
	}
	if !ValidDeliveryStatuses[sub.DeliveryStatus] {
		return fmt.Errorf("invalid delivery status %q: %w", sub.DeliveryStatus, ErrConflict)
	}
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_subscriptions (id, execution_id, callback_topic,
			subscribed_at, expires_at, delivery_status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sub.ID, sub.ExecutionID, sub.CallbackTopic, sub.SubscribedAt, sub.ExpiresAt,
		sub.DeliveryStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) ListSubscriptions(ctx context.Context, executionID uuid.UUID) ([]*ExecutionSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, callback_topic, subscribed_at, expires_at,
			delivery_status, failure_reason
		FROM execution_subscriptions WHERE execution_id = $1
		ORDER BY subscribed_at ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionSubscription
	for rows.Next() {
		var sub ExecutionSubscription
		err := rows.Scan(&sub.ID, &sub.ExecutionID, &sub.CallbackTopic, &sub.SubscribedAt,
			&sub.ExpiresAt, &sub.DeliveryStatus, &sub.FailureReason)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *PGSubscriptionStore) SetDeliveryStatus(ctx context.Context, id uuid.UUID, from []DeliveryStatus, to DeliveryStatus, reason string) (bool, error) {
	if !ValidDeliveryStatuses[to] {
		return false, fmt.Errorf("invalid delivery status %q: %w", to, ErrConflict)
	}
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE execution_subscriptions
		SET delivery_status = $2, failure_reason = $3
		WHERE id = $1 AND (cardinality($4::text[]) = 0 OR delivery_status = ANY($4))`,
		id, to, reason, fromStrs)
	if err != nil {
		return false, fmt.Errorf("set delivery status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
