// ABOUTME: Store methods for dead_letters — listing, replay, and manual resolution.
// ABOUTME: Replay re-inserts the job and deletes the record in one transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrDeadLetterNotFound is returned by ReplayDeadLetter when the record was
// already replayed or resolved by someone else.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is a terminal-failure snapshot of a job.
type DeadLetter struct {
	ID            uuid.UUID
	OriginalQueue string
	OriginalJobID uuid.UUID
	Payload       json.RawMessage
	ErrorMessage  string
	AttemptCount  int
	MovedAt       time.Time
	ResolvedAt    *time.Time
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListDeadLetters returns unresolved dead-letter records oldest-first,
// optionally filtered by original queue. limit <= 0 means no limit.
func (s *Store) ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	q := psql.Select(
		"id", "original_queue", "original_job_id", "payload",
		"error_message", "attempt_count", "moved_at", "resolved_at",
	).From("dead_letters").
		Where(sq.Eq{"resolved_at": nil}).
		OrderBy("moved_at")
	if queue != "" {
		q = q.Where(sq.Eq{"original_queue": queue})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dead letter query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.OriginalQueue, &d.OriginalJobID, &d.Payload,
			&d.ErrorMessage, &d.AttemptCount, &d.MovedAt, &d.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplayDeadLetter re-injects the record's payload as a new pending job on its
// original queue, tagged with replay provenance, and deletes the record — all
// in one transaction, so a crash mid-replay never duplicates or loses the job.
// Returns the new job's ID.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID, maxAttempts int) (uuid.UUID, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var jobID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var d DeadLetter
		err := tx.QueryRow(ctx,
			`SELECT id, original_queue, original_job_id, payload FROM dead_letters
			  WHERE id = $1 AND resolved_at IS NULL
			  FOR UPDATE`,
			id).Scan(&d.ID, &d.OriginalQueue, &d.OriginalJobID, &d.Payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDeadLetterNotFound
		}
		if err != nil {
			return err
		}

		// replay_of points at the original (still present, failed) job row,
		// not at the dead-letter record, which is deleted below.
		err = tx.QueryRow(ctx,
			`INSERT INTO jobs (queue, payload, max_attempts, replay_of, replayed_at)
			 VALUES ($1, $2, $3, $4, now())
			 RETURNING id`,
			d.OriginalQueue, d.Payload, maxAttempts, d.OriginalJobID).Scan(&jobID)
		if err != nil {
			return fmt.Errorf("re-enqueue: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDeadLetterNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("replay dead letter %s: %w", id, err)
	}
	return jobID, nil
}

// ResolveDeadLetter marks a record manually resolved without replaying it.
// Returns ErrDeadLetterNotFound if it does not exist or was already resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET resolved_at = now()
		  WHERE id = $1 AND resolved_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
