package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Heartbeat statuses, as reported by the worker itself. Liveness (online,
// stale, offline) is derived by readers from last_heartbeat_at, never stored.
const (
	HeartbeatHealthy   = "healthy"
	HeartbeatUnhealthy = "unhealthy"
)

// Heartbeat is one (worker instance, queue) liveness row. A worker polling
// several queues writes one row per queue.
type Heartbeat struct {
	WorkerID        string
	Queue           string
	Hostname        string
	Status          string
	LastHeartbeatAt time.Time
	JobsProcessed   int64
	JobsFailed      int64
}

// UpsertHeartbeat writes the worker's liveness row for one queue, keyed by
// (worker identity, queue). Called once per poll cycle; counters are
// absolute, not deltas.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO heartbeats (worker_id, queue, hostname, status, last_heartbeat_at, jobs_processed, jobs_failed)
		 VALUES ($1, $2, $3, $4, now(), $5, $6)
		 ON CONFLICT (worker_id, queue) DO UPDATE SET
		     hostname          = EXCLUDED.hostname,
		     status            = EXCLUDED.status,
		     last_heartbeat_at = now(),
		     jobs_processed    = EXCLUDED.jobs_processed,
		     jobs_failed       = EXCLUDED.jobs_failed`,
		hb.WorkerID, hb.Queue, hb.Hostname, hb.Status, hb.JobsProcessed, hb.JobsFailed)
	if err != nil {
		return fmt.Errorf("upsert heartbeat %s: %w", hb.WorkerID, err)
	}
	return nil
}

// ListHeartbeats returns all heartbeat rows, optionally filtered by queue,
// most recent first. Stale rows are included; classification is the reader's job.
func (s *Store) ListHeartbeats(ctx context.Context, queue string) ([]Heartbeat, error) {
	q := psql.Select(
		"worker_id", "queue", "hostname", "status",
		"last_heartbeat_at", "jobs_processed", "jobs_failed",
	).From("heartbeats").OrderBy("last_heartbeat_at DESC")
	if queue != "" {
		q = q.Where(sq.Eq{"queue": queue})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build heartbeat query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.Queue, &hb.Hostname, &hb.Status,
			&hb.LastHeartbeatAt, &hb.JobsProcessed, &hb.JobsFailed); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
