package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. The lifecycle is monotonic except for the
// processing→pending transition taken on nack-retry or reap.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultMaxAttempts applies when an enqueue request does not set a ceiling.
const DefaultMaxAttempts = 5

// Job is a row from the jobs table.
type Job struct {
	ID             uuid.UUID
	Queue          string
	Payload        json.RawMessage
	IdempotencyKey *string
	Status         string
	Attempts       int
	MaxAttempts    int
	ReapCount      int
	WorkerID       *string
	LastError      *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	LeaseDeadline  *time.Time
	NextRunAt      time.Time
	FinishedAt     *time.Time
	ReplayOf       *uuid.UUID
	ReplayedAt     *time.Time
}

// BackoffDelay computes the retry delay for a job on its given attempt count:
// base × 2^attempts, capped at max. Both Nack and the reaper route through
// this function so the two failure paths cannot drift apart.
func BackoffDelay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// EnqueueParams are the caller-supplied fields for a new job.
type EnqueueParams struct {
	Queue          string
	Payload        json.RawMessage
	IdempotencyKey string // empty means no deduplication
	MaxAttempts    int
	RunAt          *time.Time // nil means eligible immediately
}

const enqueueSQL = `
INSERT INTO jobs (queue, payload, idempotency_key, max_attempts, next_run_at)
VALUES ($1, $2, NULLIF($3, ''), $4, COALESCE($5, now()))
ON CONFLICT (queue, idempotency_key) WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'processing')
DO NOTHING
RETURNING id`

// Enqueue inserts a pending job and returns its ID. When an idempotency key
// is supplied and a live job (pending or processing) already carries the same
// (queue, key) pair, no new row is created and the existing job's ID is
// returned instead.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	if p.Payload == nil {
		p.Payload = json.RawMessage(`{}`)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	var ra interface{}
	if p.RunAt != nil {
		ra = *p.RunAt
	}

	// Insert, and on an idempotency conflict hand back the live duplicate's
	// ID. The duplicate can finish between the conflicting insert and the
	// lookup, in which case the key is free again and the insert is retried:
	// the race degrades to a fresh job, never to an error.
	var id uuid.UUID
	for attempt := 0; attempt < 3; attempt++ {
		err := s.pool.QueryRow(ctx, enqueueSQL,
			p.Queue, p.Payload, p.IdempotencyKey, p.MaxAttempts, ra,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("enqueue: %w", err)
		}

		err = s.pool.QueryRow(ctx,
			`SELECT id FROM jobs
			  WHERE queue = $1 AND idempotency_key = $2 AND status IN ('pending', 'processing')`,
			p.Queue, p.IdempotencyKey,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("enqueue: lookup duplicate: %w", err)
		}
	}
	return uuid.Nil, fmt.Errorf("enqueue %s: idempotency conflict did not settle", p.Queue)
}

const dequeueSQL = `
UPDATE jobs
   SET status         = 'processing',
       attempts       = attempts + 1,
       worker_id      = $2,
       started_at     = now(),
       lease_deadline = now() + ($3 * interval '1 second')
 WHERE id = (
       SELECT id FROM jobs
        WHERE queue = $1 AND status = 'pending' AND next_run_at <= now()
        ORDER BY next_run_at, created_at
        FOR UPDATE SKIP LOCKED
        LIMIT 1)
RETURNING id, queue, payload, attempts, max_attempts, reap_count, created_at, lease_deadline`

// Dequeue atomically claims the oldest eligible pending job on the named
// queue for workerID: the job moves to processing, its attempt counter is
// incremented, and a lease is set. Returns (nil, nil) when no job is
// eligible. FOR UPDATE SKIP LOCKED guarantees exactly one caller wins any
// given row under arbitrary concurrency.
func (s *Store) Dequeue(ctx context.Context, queue, workerID string, lease time.Duration) (*Job, error) {
	j := &Job{Status: StatusProcessing, WorkerID: &workerID}
	err := s.pool.QueryRow(ctx, dequeueSQL, queue, workerID, int64(lease.Seconds())).Scan(
		&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.ReapCount,
		&j.CreatedAt, &j.LeaseDeadline,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	return j, nil
}

// Ack marks a processing job completed. Idempotent: acking a job that has
// already completed (or was reclaimed and finished elsewhere) is a no-op.
func (s *Store) Ack(ctx context.Context, queue string, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs
		    SET status = 'completed', lease_deadline = NULL, finished_at = now()
		  WHERE queue = $1 AND id = $2 AND status = 'processing'`,
		queue, id)
	if err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	return nil
}

// Nack records an explicit handler failure. If the job still has attempts
// left it goes back to pending with an exponential-backoff next_run_at;
// otherwise it is marked failed and a dead-letter record is written in the
// same transaction. Nacking a job no longer in processing (lost lease) is a
// no-op: the reaper already decided its fate.
func (s *Store) Nack(ctx context.Context, queue string, id uuid.UUID, jobErr string, base, max time.Duration) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx,
			`SELECT attempts, max_attempts FROM jobs
			  WHERE queue = $1 AND id = $2 AND status = 'processing'
			  FOR UPDATE`,
			queue, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if attempts < maxAttempts {
			delay := BackoffDelay(base, max, attempts)
			_, err := tx.Exec(ctx,
				`UPDATE jobs
				    SET status = 'pending', lease_deadline = NULL, worker_id = NULL,
				        last_error = $3, next_run_at = now() + ($4 * interval '1 second')
				  WHERE queue = $1 AND id = $2`,
				queue, id, jobErr, int64(delay.Seconds()))
			return err
		}
		return failToDeadLetter(ctx, tx, id, jobErr)
	})
	if err != nil {
		return fmt.Errorf("nack job %s: %w", id, err)
	}
	return nil
}

// failToDeadLetter transitions a processing job to failed and writes its
// dead-letter snapshot. Must run inside a transaction holding the row lock.
// Shared by Nack's terminal case and the reaper so both converge on
// identical dead-lettering.
func failToDeadLetter(ctx context.Context, tx pgx.Tx, id uuid.UUID, jobErr string) error {
	var (
		queue    string
		payload  json.RawMessage
		attempts int
	)
	err := tx.QueryRow(ctx,
		`UPDATE jobs
		    SET status = 'failed', lease_deadline = NULL, worker_id = NULL,
		        last_error = $2, finished_at = now()
		  WHERE id = $1 AND status = 'processing'
		RETURNING queue, payload, attempts`,
		id, jobErr).Scan(&queue, &payload, &attempts)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO dead_letters (original_queue, original_job_id, payload, error_message, attempt_count)
		 VALUES ($1, $2, $3, $4, $5)`,
		queue, id, payload, jobErr, attempts)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetJob returns the job row by ID, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j := &Job{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, queue, payload, idempotency_key, status, attempts, max_attempts,
		        reap_count, worker_id, last_error, created_at, started_at,
		        lease_deadline, next_run_at, finished_at, replay_of, replayed_at
		   FROM jobs WHERE id = $1`,
		id).Scan(
		&j.ID, &j.Queue, &j.Payload, &j.IdempotencyKey, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.ReapCount, &j.WorkerID, &j.LastError, &j.CreatedAt,
		&j.StartedAt, &j.LeaseDeadline, &j.NextRunAt, &j.FinishedAt,
		&j.ReplayOf, &j.ReplayedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}
