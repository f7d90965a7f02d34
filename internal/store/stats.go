// ABOUTME: Read-only aggregate queries for the inspector and the health monitor.
// ABOUTME: Depth, oldest age, in-flight count, last success, status-age buckets, error rate.
package store

import (
	"context"
	"fmt"
	"time"
)

// QueueStats is the inspector's per-queue snapshot.
type QueueStats struct {
	Queue        string     `json:"queue"`
	Depth        int        `json:"depth"`     // pending jobs eligible now
	Scheduled    int        `json:"scheduled"` // pending jobs waiting on next_run_at
	InFlight     int        `json:"in_flight"` // processing
	Failed       int        `json:"failed"`
	OldestAge    *float64   `json:"oldest_age_seconds,omitempty"` // oldest eligible pending job
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	DeadLettered int        `json:"dead_lettered"`
}

// QueueStats aggregates the jobs and dead_letters tables per queue. queue ""
// means all queues.
func (s *Store) QueueStats(ctx context.Context, queue string) ([]QueueStats, error) {
	args := []interface{}{}
	filter := ""
	if queue != "" {
		filter = "WHERE q.queue = $1"
		args = append(args, queue)
	}
	// Dead letters are grouped by original_queue so queues whose jobs table
	// rows have all been replayed still show up.
	sql := fmt.Sprintf(`
		WITH queues AS (
			SELECT queue FROM jobs
			UNION
			SELECT original_queue FROM dead_letters
		)
		SELECT q.queue,
		       count(*) FILTER (WHERE j.status = 'pending' AND j.next_run_at <= now()),
		       count(*) FILTER (WHERE j.status = 'pending' AND j.next_run_at > now()),
		       count(*) FILTER (WHERE j.status = 'processing'),
		       count(*) FILTER (WHERE j.status = 'failed'),
		       extract(epoch FROM now() - min(j.created_at)
		           FILTER (WHERE j.status = 'pending' AND j.next_run_at <= now())),
		       max(j.finished_at) FILTER (WHERE j.status = 'completed'),
		       (SELECT count(*) FROM dead_letters d
		         WHERE d.original_queue = q.queue AND d.resolved_at IS NULL)
		  FROM (SELECT DISTINCT queue FROM queues) q
		  LEFT JOIN jobs j ON j.queue = q.queue
		 %s
		 GROUP BY q.queue
		 ORDER BY q.queue`, filter)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var out []QueueStats
	for rows.Next() {
		var st QueueStats
		if err := rows.Scan(&st.Queue, &st.Depth, &st.Scheduled, &st.InFlight,
			&st.Failed, &st.OldestAge, &st.LastSuccess, &st.DeadLettered); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StatusAgeCount is one (queue, status) bucket whose oldest job exceeds the
// monitor's age threshold.
type StatusAgeCount struct {
	Queue  string
	Status string
	Count  int
	Oldest time.Duration
}

// StuckByStatus counts pending and processing jobs older than threshold,
// bucketed by queue and status. Used by the sentinel's stuck-job check.
func (s *Store) StuckByStatus(ctx context.Context, threshold time.Duration) ([]StatusAgeCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue, status, count(*), extract(epoch FROM now() - min(created_at))
		   FROM jobs
		  WHERE status IN ('pending', 'processing')
		    AND created_at < now() - ($1 * interval '1 second')
		  GROUP BY queue, status`,
		int64(threshold.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("stuck by status: %w", err)
	}
	defer rows.Close()

	var out []StatusAgeCount
	for rows.Next() {
		var c StatusAgeCount
		var oldest float64
		if err := rows.Scan(&c.Queue, &c.Status, &c.Count, &oldest); err != nil {
			return nil, fmt.Errorf("scan stuck bucket: %w", err)
		}
		c.Oldest = time.Duration(oldest * float64(time.Second))
		out = append(out, c)
	}
	return out, rows.Err()
}

// ErrorRate returns the percentage of jobs that finished as failed over the
// given trailing window, plus the totals behind it. Zero finished jobs means
// a zero rate.
func (s *Store) ErrorRate(ctx context.Context, window time.Duration) (rate float64, failed, finished int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = 'failed'), count(*)
		   FROM jobs
		  WHERE finished_at > now() - ($1 * interval '1 second')`,
		int64(window.Seconds())).Scan(&failed, &finished)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("error rate: %w", err)
	}
	if finished == 0 {
		return 0, 0, 0, nil
	}
	return 100 * float64(failed) / float64(finished), failed, finished, nil
}

// ActiveQueues returns queues with live work or a heartbeat row — the set the
// zero-online-workers check evaluates.
func (s *Store) ActiveQueues(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue FROM jobs WHERE status IN ('pending', 'processing')
		 UNION
		 SELECT queue FROM heartbeats
		 ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("active queues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
