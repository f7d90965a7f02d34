// ABOUTME: Integration tests for the reaper — backoff routing, dead-lettering,
// ABOUTME: job-count conservation, and single-winner behavior under concurrent reapers.
package reaper_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcastle/relayq/internal/reaper"
	"github.com/rcastle/relayq/internal/store"
	"github.com/rcastle/relayq/internal/testutil"
)

// stuckJob creates a job and forces it into a stuck processing state.
func stuckJob(t *testing.T, s *testutil.TestDB, ctx context.Context, queue string, attempts, maxAttempts int, expired time.Duration) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(ctx, store.EnqueueParams{
		Queue:       queue,
		Payload:     json.RawMessage(`{"k":"v"}`),
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx,
		`UPDATE jobs
		    SET status = 'processing', attempts = $2, worker_id = 'w-dead',
		        started_at = now() - ($3 * interval '1 second'),
		        lease_deadline = now() - ($3 * interval '1 second'),
		        last_error = 'handler timed out'
		  WHERE id = $1`,
		id, attempts, int64(expired.Seconds()))
	require.NoError(t, err)
	return id
}

func newReaper(s *testutil.TestDB) *reaper.Reaper {
	return reaper.New(s.Store, reaper.Config{
		StuckThreshold: 10 * time.Minute,
		BackoffBase:    30 * time.Second,
		BackoffMax:     time.Hour,
	})
}

func TestReapRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// attempts=1 of 5, lease expired 35 minutes ago (threshold 10).
	id := stuckJob(t, s, ctx, "ingest", 1, 5, 35*time.Minute)

	res, err := newReaper(s).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Retried)
	assert.Zero(t, res.DeadLettered)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, 1, job.ReapCount)
	assert.Nil(t, job.LeaseDeadline)
	// attempts=1 → delay = 30s × 2 = 60s.
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.NextRunAt, 5*time.Second)
}

func TestReapExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := stuckJob(t, s, ctx, "ingest", 5, 5, 35*time.Minute)

	res, err := newReaper(s).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, job.Status)

	dls, err := s.ListDeadLetters(ctx, "ingest", 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "ingest", dls[0].OriginalQueue)
	assert.Equal(t, id, dls[0].OriginalJobID)
	assert.Equal(t, "handler timed out", dls[0].ErrorMessage, "dead letter preserves the job's last error")
	assert.Equal(t, 5, dls[0].AttemptCount)
}

func TestReapIgnoresLiveLeases(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Lease expired only 2 minutes ago: under the 10-minute stuck threshold.
	stuckJob(t, s, ctx, "ingest", 1, 5, 2*time.Minute)

	res, err := newReaper(s).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

// TestReapConservesJobs: every stuck job lands in exactly one of
// pending-with-backoff or failed+DLQ — never vanishes, never duplicates.
func TestReapConservesJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		attempts := 1
		if i%2 == 0 {
			attempts = 3 // exhausted (max 3)
		}
		stuckJob(t, s, ctx, "ingest", attempts, 3, 35*time.Minute)
	}

	res, err := newReaper(s).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, res.Retried+res.DeadLettered)

	var pending, failed, processing int
	require.NoError(t, s.Pool().QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'failed'),
		       count(*) FILTER (WHERE status = 'processing')
		  FROM jobs`).Scan(&pending, &failed, &processing))
	assert.Equal(t, n/2, pending)
	assert.Equal(t, n/2, failed)
	assert.Zero(t, processing)

	dls, err := s.ListDeadLetters(ctx, "ingest", 0)
	require.NoError(t, err)
	assert.Len(t, dls, n/2, "one dead letter per failed job, no more")
}

// TestConcurrentReapersSingleWinner: redundant reaper instances acting on the
// same stuck set produce exactly one winning claim per job.
func TestConcurrentReapersSingleWinner(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		stuckJob(t, s, ctx, "ingest", 1, 5, 35*time.Minute)
	}

	const instances = 4
	results := make([]reaper.Result, instances)
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := newReaper(s).RunOnce(ctx)
			if err != nil {
				t.Errorf("reaper %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Retried + r.DeadLettered
	}
	assert.Equal(t, n, total, "each job transitions exactly once across all instances")

	var reapedTwice int
	require.NoError(t, s.Pool().QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE reap_count > 1`).Scan(&reapedTwice))
	assert.Zero(t, reapedTwice)
}
