package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Log is the durable event store. Every domain event flows through Append
// exactly once; subscribers read forward from their own stored cursor via
// GetSince rather than the log tracking readers itself.
type Log interface {
	Append(ctx context.Context, e Event) error
	GetSince(ctx context.Context, tenantID uuid.UUID, afterID uuid.UUID, limit int) ([]Event, error)
	SubscriberPosition(ctx context.Context, subscriberName string) (uuid.UUID, error)
	AdvanceSubscriber(ctx context.Context, subscriberName string, eventID uuid.UUID) error
}

// PostgresLog is the durable, append-only implementation. Publication to
// RabbitMQ is handled separately by Publisher and is never a precondition
// for Append succeeding.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Append inserts e. Event IDs are generated by the caller (events.New), so
// this is a plain insert rather than an idempotent upsert — replays are the
// producer's responsibility to avoid, not the log's to detect.
func (l *PostgresLog) Append(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO psp_event_log
			(event_id, tenant_id, event_type, category, correlation_id, causation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TenantID, e.Type, e.Category, e.CorrelationID, e.CausationID, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetSince returns up to limit events for tenantID with id > afterID, in
// insertion order. Pass uuid.Nil for afterID to read from the beginning.
func (l *PostgresLog) GetSince(ctx context.Context, tenantID uuid.UUID, afterID uuid.UUID, limit int) ([]Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, tenant_id, event_type, category, correlation_id, causation_id, payload, occurred_at
		FROM psp_event_log
		WHERE tenant_id = $1 AND event_id > $2
		ORDER BY occurred_at, event_id
		LIMIT $3
	`, tenantID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &e.Category, &e.CorrelationID, &e.CausationID, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SubscriberPosition returns the last event ID a subscriber has acked, or
// uuid.Nil if it has never advanced.
func (l *PostgresLog) SubscriberPosition(ctx context.Context, subscriberName string) (uuid.UUID, error) {
	var pos uuid.UUID
	err := l.pool.QueryRow(ctx, `
		SELECT last_event_id FROM psp_event_subscriber_cursor WHERE subscriber_name = $1
	`, subscriberName).Scan(&pos)
	if err == pgx.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("read subscriber cursor: %w", err)
	}
	return pos, nil
}

// AdvanceSubscriber records the subscriber's new position. It is an upsert
// so a subscriber's first advance and every subsequent one use the same
// statement.
func (l *PostgresLog) AdvanceSubscriber(ctx context.Context, subscriberName string, eventID uuid.UUID) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO psp_event_subscriber_cursor (subscriber_name, last_event_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subscriber_name) DO UPDATE SET last_event_id = $2, updated_at = now()
	`, subscriberName, eventID)
	if err != nil {
		return fmt.Errorf("advance subscriber cursor: %w", err)
	}
	return nil
}
