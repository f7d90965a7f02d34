// Package store is the data access layer for the queue. The jobs table is the
// single source of truth: every cross-worker and cross-reaper coordination
// point is expressed as a conditional UPDATE (or FOR UPDATE SKIP LOCKED claim)
// against it, so any number of workers and reapers can run concurrently
// without a separate lock service.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object. Callers use the domain methods
// (Enqueue, Dequeue, Ack, Nack, Reap*, heartbeat and breaker operations)
// rather than the pool directly.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests, ad-hoc inspection queries).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if fn
// returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies database connectivity. The sentinel uses it to distinguish
// infrastructure failure (store unreachable) from degraded-but-reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
