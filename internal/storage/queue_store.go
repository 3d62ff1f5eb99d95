package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/Shugur-Network/outbox/internal/publish"
)

// QueueStore is the Postgres-backed publish.QueueStore, used by
// long-running processes so queued publishes survive restarts.
type QueueStore struct {
	db *DB
}

var _ publish.QueueStore = (*QueueStore)(nil)

// NewQueueStore wraps the database as a durable queue store.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Put(ctx context.Context, qp publish.QueuedPublish) error {
	raw, err := json.Marshal(qp.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO publish_queue
		    (event_id, event, target_relays, attempts, enqueued_at, next_retry_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO UPDATE SET
		    event = EXCLUDED.event,
		    target_relays = EXCLUDED.target_relays,
		    attempts = EXCLUDED.attempts,
		    enqueued_at = EXCLUDED.enqueued_at,
		    next_retry_at = EXCLUDED.next_retry_at,
		    last_error = EXCLUDED.last_error`,
		qp.Event.ID, raw, qp.TargetRelays, qp.Attempts,
		qp.EnqueuedAt, qp.NextRetryAt, qp.LastError)
	return err
}

func (s *QueueStore) Update(ctx context.Context, qp publish.QueuedPublish) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE publish_queue
		SET attempts = $2, next_retry_at = $3, last_error = $4
		WHERE event_id = $1`,
		qp.Event.ID, qp.Attempts, qp.NextRetryAt, qp.LastError)
	return err
}

func (s *QueueStore) Delete(ctx context.Context, eventID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`DELETE FROM publish_queue WHERE event_id = $1`, eventID)
	return err
}

func (s *QueueStore) Due(ctx context.Context, now time.Time) ([]publish.QueuedPublish, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT event, target_relays, attempts, enqueued_at, next_retry_at, last_error
		FROM publish_queue
		WHERE next_retry_at <= $1
		ORDER BY enqueued_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]publish.QueuedPublish, 0)
	for rows.Next() {
		var raw []byte
		var qp publish.QueuedPublish
		if err := rows.Scan(&raw, &qp.TargetRelays, &qp.Attempts,
			&qp.EnqueuedAt, &qp.NextRetryAt, &qp.LastError); err != nil {
			return nil, err
		}
		var evt nostr.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("unmarshal queued event: %w", err)
		}
		qp.Event = &evt
		due = append(due, qp)
	}
	return due, rows.Err()
}

func (s *QueueStore) Clear(ctx context.Context) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM publish_queue`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *QueueStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM publish_queue`).Scan(&n)
	return n, err
}
