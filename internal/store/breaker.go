package store

import (
	"context"
	"fmt"
	"time"
)

// RecordBreakerFailure appends a failure timestamp to the named breaker's log.
func (s *Store) RecordBreakerFailure(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO breaker_failures (name) VALUES ($1)`, name)
	if err != nil {
		return fmt.Errorf("record breaker failure %s: %w", name, err)
	}
	return nil
}

// BreakerFailures prunes entries older than the window for the named breaker
// and returns the timestamps that remain, oldest first. Pruning keeps the log
// compact; the caller derives open/closed from the returned slice.
func (s *Store) BreakerFailures(ctx context.Context, name string, window time.Duration) ([]time.Time, error) {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM breaker_failures
		  WHERE name = $1 AND failed_at < now() - ($2 * interval '1 second')`,
		name, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("prune breaker failures %s: %w", name, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT failed_at FROM breaker_failures WHERE name = $1 ORDER BY failed_at`,
		name)
	if err != nil {
		return nil, fmt.Errorf("list breaker failures %s: %w", name, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan breaker failure: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearBreakerFailures empties the named breaker's log, closing the circuit.
func (s *Store) ClearBreakerFailures(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM breaker_failures WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("clear breaker failures %s: %w", name, err)
	}
	return nil
}
