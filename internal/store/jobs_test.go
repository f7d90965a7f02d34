// ABOUTME: Integration tests for store/jobs.go — enqueue, dequeue, ack, nack.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcastle/relayq/internal/store"
	"github.com/rcastle/relayq/internal/testutil"
)

// mustEnqueue enqueues a job or fatals the test.
func mustEnqueue(t *testing.T, s *testutil.TestDB, ctx context.Context, queue, key string) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(ctx, store.EnqueueParams{
		Queue:          queue,
		Payload:        json.RawMessage(`{"n":1}`),
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Enqueue(%q): %v", queue, err)
	}
	return id
}

// forceStuck flips a job to processing with an expired lease via raw SQL.
func forceStuck(t *testing.T, s *testutil.TestDB, ctx context.Context, id uuid.UUID, attempts int, expired time.Duration) {
	t.Helper()
	_, err := s.Pool().Exec(ctx,
		`UPDATE jobs
		    SET status = 'processing', attempts = $2, worker_id = 'test',
		        started_at = now() - ($3 * interval '1 second'),
		        lease_deadline = now() - ($3 * interval '1 second')
		  WHERE id = $1`,
		id, attempts, int64(expired.Seconds()))
	if err != nil {
		t.Fatalf("forceStuck(%v): %v", id, err)
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "ingest", "")

	job, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts, "attempts increments on lease acquisition")
	require.NotNil(t, job.LeaseDeadline)
	assert.True(t, job.LeaseDeadline.After(time.Now()))

	// Empty queue after the claim.
	none, err := s.Dequeue(ctx, "ingest", "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.Ack(ctx, "ingest", id))
	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Nil(t, got.LeaseDeadline, "lease cleared on completion")
	require.NotNil(t, got.FinishedAt)

	// Ack is idempotent.
	require.NoError(t, s.Ack(ctx, "ingest", id))
}

func TestEnqueueIdempotencyKeyDeduplicates(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, ctx, "ingest", "order-42")
	second := mustEnqueue(t, s, ctx, "ingest", "order-42")
	assert.Equal(t, first, second, "duplicate enqueue returns the existing job")

	// A different queue with the same key is a different logical job.
	other := mustEnqueue(t, s, ctx, "score", "order-42")
	assert.NotEqual(t, first, other)

	// Once the job completes, the key is reusable.
	_, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, "ingest", first))
	again := mustEnqueue(t, s, ctx, "ingest", "order-42")
	assert.NotEqual(t, first, again)
}

// Concurrent enqueues with the same key must all succeed — either winning the
// insert or being handed the live duplicate's ID — while producers racing a
// completing duplicate fall through to a fresh insert rather than an error.
func TestEnqueueIdempotencyKeyConcurrent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const producers = 8
	ids := make([]uuid.UUID, producers)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Enqueue(ctx, store.EnqueueParams{
				Queue:          "ingest",
				Payload:        json.RawMessage(`{"n":1}`),
				IdempotencyKey: "order-99",
			})
			if err != nil {
				t.Errorf("producer %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	var live int
	require.NoError(t, s.Pool().QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE queue = 'ingest' AND idempotency_key = 'order-99'`).Scan(&live))
	assert.Equal(t, 1, live)

	// Complete the job and immediately re-enqueue the key: the freed key is
	// accepted as a new job, never surfaced as a lookup failure.
	_, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, "ingest", ids[0]))
	fresh, err := s.Enqueue(ctx, store.EnqueueParams{
		Queue: "ingest", IdempotencyKey: "order-99",
	})
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], fresh)
}

func TestDequeueRespectsNextRunAt(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, err := s.Enqueue(ctx, store.EnqueueParams{Queue: "ingest", RunAt: &future})
	require.NoError(t, err)

	job, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "scheduled job must not be dequeued early")
}

func TestDequeueConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "ingest", "")

	const callers = 8
	var wg sync.WaitGroup
	claims := make(chan uuid.UUID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.Dequeue(ctx, "ingest", "w", time.Minute)
			if err != nil {
				t.Errorf("Dequeue: %v", err)
				return
			}
			if job != nil {
				claims <- job.ID
			}
		}()
	}
	wg.Wait()
	close(claims)

	var won []uuid.UUID
	for c := range claims {
		won = append(won, c)
	}
	require.Len(t, won, 1, "exactly one caller claims the job")
	assert.Equal(t, id, won[0])
}

func TestNackRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "ingest", "")
	_, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Nack(ctx, "ingest", id, "boom", 30*time.Second, time.Hour))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Nil(t, job.LeaseDeadline)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom", *job.LastError)
	// attempts=1 → delay = 30s × 2 = 60s.
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.NextRunAt, 5*time.Second)
}

func TestNackExhaustedWritesDeadLetter(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{Queue: "ingest", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Nack(ctx, "ingest", id, "fatal", 30*time.Second, time.Hour))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, job.Status)

	dls, err := s.ListDeadLetters(ctx, "ingest", 0)
	require.NoError(t, err)
	require.Len(t, dls, 1, "failed transition pairs with exactly one dead letter")
	assert.Equal(t, id, dls[0].OriginalJobID)
	assert.Equal(t, "ingest", dls[0].OriginalQueue)
	assert.Equal(t, "fatal", dls[0].ErrorMessage)
	assert.Equal(t, 1, dls[0].AttemptCount)
}

func TestNackAfterLostLeaseIsNoop(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, "ingest", "")
	_, err := s.Dequeue(ctx, "ingest", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, "ingest", id))

	// The job already completed; a late nack must not resurrect it.
	require.NoError(t, s.Nack(ctx, "ingest", id, "late", 30*time.Second, time.Hour))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, job.Status)
}
