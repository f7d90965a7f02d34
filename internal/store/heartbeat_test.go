package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcastle/relayq/internal/store"
	"github.com/rcastle/relayq/internal/testutil"
)

func TestUpsertHeartbeat(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	hb := store.Heartbeat{
		WorkerID: "w1", Queue: "ingest", Hostname: "host-a",
		Status: store.HeartbeatHealthy, JobsProcessed: 3, JobsFailed: 1,
	}
	require.NoError(t, s.UpsertHeartbeat(ctx, hb))

	rows, err := s.ListHeartbeats(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	first := rows[0].LastHeartbeatAt

	// Second beat updates in place: still one row, counters and timestamp move.
	hb.JobsProcessed = 10
	hb.Status = store.HeartbeatUnhealthy
	require.NoError(t, s.UpsertHeartbeat(ctx, hb))

	rows, err = s.ListHeartbeats(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].JobsProcessed)
	assert.Equal(t, store.HeartbeatUnhealthy, rows[0].Status)
	assert.False(t, rows[0].LastHeartbeatAt.Before(first))

	// Queue filter.
	require.NoError(t, s.UpsertHeartbeat(ctx, store.Heartbeat{
		WorkerID: "w2", Queue: "score", Status: store.HeartbeatHealthy,
	}))
	all, err := s.ListHeartbeats(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	scoped, err := s.ListHeartbeats(ctx, "score")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "w2", scoped[0].WorkerID)
}

// One worker polling several queues owns an independent row per queue;
// beating one queue must not overwrite or hide the other's row.
func TestUpsertHeartbeatPerQueueRows(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, q := range []string{"ingest", "score"} {
		require.NoError(t, s.UpsertHeartbeat(ctx, store.Heartbeat{
			WorkerID: "w1", Queue: q, Hostname: "host-a", Status: store.HeartbeatHealthy,
		}))
	}

	// Repeated beats on one queue leave the other queue's row intact.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertHeartbeat(ctx, store.Heartbeat{
			WorkerID: "w1", Queue: "ingest", Hostname: "host-a",
			Status: store.HeartbeatHealthy, JobsProcessed: int64(i),
		}))
	}

	for _, q := range []string{"ingest", "score"} {
		rows, err := s.ListHeartbeats(ctx, q)
		require.NoError(t, err)
		require.Len(t, rows, 1, "queue %s", q)
		assert.Equal(t, "w1", rows[0].WorkerID)
		assert.Equal(t, q, rows[0].Queue)
	}
}
