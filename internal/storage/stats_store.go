package storage

import (
	"context"
	"time"

	"github.com/Shugur-Network/outbox/internal/health"
)

// StatsStore persists relay health snapshots so breaker history survives
// process restarts.
type StatsStore struct {
	db *DB
}

func NewStatsStore(db *DB) *StatsStore {
	return &StatsStore{db: db}
}

// Save upserts a full snapshot.
func (s *StatsStore) Save(ctx context.Context, stats []health.RelayStats) error {
	for _, rs := range stats {
		var lastSuccess, lastFailure, openedAt *time.Time
		if !rs.LastSuccess.IsZero() {
			t := rs.LastSuccess
			lastSuccess = &t
		}
		if !rs.LastFailure.IsZero() {
			t := rs.LastFailure
			lastFailure = &t
		}
		if !rs.OpenedAt.IsZero() {
			t := rs.OpenedAt
			openedAt = &t
		}

		_, err := s.db.Pool.Exec(ctx, `
			INSERT INTO relay_stats
			    (url, success_count, failure_count, avg_latency_ms,
			     last_success, last_failure, circuit_state, opened_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (url) DO UPDATE SET
			    success_count = EXCLUDED.success_count,
			    failure_count = EXCLUDED.failure_count,
			    avg_latency_ms = EXCLUDED.avg_latency_ms,
			    last_success = EXCLUDED.last_success,
			    last_failure = EXCLUDED.last_failure,
			    circuit_state = EXCLUDED.circuit_state,
			    opened_at = EXCLUDED.opened_at,
			    updated_at = now()`,
			rs.URL, rs.SuccessCount, rs.FailureCount, rs.AvgLatencyMs,
			lastSuccess, lastFailure, string(rs.CircuitState), openedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// Load reads the persisted snapshot back.
func (s *StatsStore) Load(ctx context.Context) ([]health.RelayStats, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT url, success_count, failure_count, avg_latency_ms,
		       last_success, last_failure, circuit_state, opened_at
		FROM relay_stats ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]health.RelayStats, 0)
	for rows.Next() {
		var rs health.RelayStats
		var state string
		var lastSuccess, lastFailure, openedAt *time.Time
		if err := rows.Scan(&rs.URL, &rs.SuccessCount, &rs.FailureCount,
			&rs.AvgLatencyMs, &lastSuccess, &lastFailure, &state, &openedAt); err != nil {
			return nil, err
		}
		rs.CircuitState = health.CircuitState(state)
		if lastSuccess != nil {
			rs.LastSuccess = *lastSuccess
		}
		if lastFailure != nil {
			rs.LastFailure = *lastFailure
		}
		if openedAt != nil {
			rs.OpenedAt = *openedAt
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
