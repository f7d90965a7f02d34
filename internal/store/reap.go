package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReapOutcome describes what happened to one stuck job during a reap pass.
type ReapOutcome struct {
	JobID        uuid.UUID
	Queue        string
	DeadLettered bool
	NextRunAt    *time.Time // set when the job was requeued with backoff
}

// StuckJobs lists processing jobs whose lease expired more than threshold
// ago, oldest expiry first. The list is advisory: the actual transition is a
// per-row conditional claim in ReapJob, so concurrent reapers reading the
// same candidates cannot both act on one.
func (s *Store) StuckJobs(ctx context.Context, threshold time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs
		  WHERE status = 'processing' AND lease_deadline < now() - ($1 * interval '1 second')
		  ORDER BY lease_deadline
		  LIMIT $2`,
		int64(threshold.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReapJob reclaims one stuck job: back to pending with backoff if attempts
// remain, otherwise failed plus a dead-letter record, all in one transaction.
// The row is re-checked under FOR UPDATE SKIP LOCKED, so a reaper that lost
// the race to another instance (or to a late ack) gets (nil, nil) and moves on.
func (s *Store) ReapJob(ctx context.Context, id uuid.UUID, threshold, base, max time.Duration) (*ReapOutcome, error) {
	var out *ReapOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			queue       string
			attempts    int
			maxAttempts int
			lastError   *string
		)
		err := tx.QueryRow(ctx,
			`SELECT queue, attempts, max_attempts, last_error FROM jobs
			  WHERE id = $1 AND status = 'processing'
			    AND lease_deadline < now() - ($2 * interval '1 second')
			  FOR UPDATE SKIP LOCKED`,
			id, int64(threshold.Seconds())).Scan(&queue, &attempts, &maxAttempts, &lastError)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // lost the race or no longer stuck
		}
		if err != nil {
			return err
		}

		if attempts < maxAttempts {
			delay := BackoffDelay(base, max, attempts)
			var next time.Time
			err := tx.QueryRow(ctx,
				`UPDATE jobs
				    SET status = 'pending', lease_deadline = NULL, worker_id = NULL,
				        reap_count = reap_count + 1,
				        next_run_at = now() + ($2 * interval '1 second')
				  WHERE id = $1
				RETURNING next_run_at`,
				id, int64(delay.Seconds())).Scan(&next)
			if err != nil {
				return err
			}
			out = &ReapOutcome{JobID: id, Queue: queue, NextRunAt: &next}
			return nil
		}

		msg := "lease expired after max attempts"
		if lastError != nil && *lastError != "" {
			msg = *lastError
		}
		if err := failToDeadLetter(ctx, tx, id, msg); err != nil {
			return err
		}
		out = &ReapOutcome{JobID: id, Queue: queue, DeadLettered: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reap job %s: %w", id, err)
	}
	return out, nil
}
