// ABOUTME: Unit tests for the circuit breaker — pure window math and the
// ABOUTME: Do() lifecycle against an in-memory failure log.
package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcastle/relayq/internal/breaker"
)

func TestOpen(t *testing.T) {
	t.Parallel()
	now := time.Now()
	window := 10 * time.Minute

	tests := []struct {
		name      string
		failures  []time.Time
		threshold int
		want      bool
	}{
		{"no failures", nil, 3, false},
		{"below threshold", []time.Time{now.Add(-time.Minute), now.Add(-2 * time.Minute)}, 3, false},
		{"at threshold", []time.Time{
			now.Add(-time.Minute), now.Add(-2 * time.Minute), now.Add(-3 * time.Minute),
		}, 3, true},
		{"old failures outside window do not count", []time.Time{
			now.Add(-11 * time.Minute), now.Add(-20 * time.Minute), now.Add(-time.Minute),
		}, 3, false},
		{"boundary: exactly window-old is excluded", []time.Time{
			now.Add(-window), now.Add(-time.Minute), now.Add(-2 * time.Minute),
		}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, breaker.Open(tt.failures, now, window, tt.threshold))
		})
	}
}

// memLog is an in-memory FailureLog for testing Do() without a database.
type memLog struct {
	failures map[string][]time.Time
}

func newMemLog() *memLog { return &memLog{failures: map[string][]time.Time{}} }

func (m *memLog) BreakerFailures(_ context.Context, name string, window time.Duration) ([]time.Time, error) {
	cutoff := time.Now().Add(-window)
	var kept []time.Time
	for _, t := range m.failures[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failures[name] = kept
	return kept, nil
}

func (m *memLog) RecordBreakerFailure(_ context.Context, name string) error {
	m.failures[name] = append(m.failures[name], time.Now())
	return nil
}

func (m *memLog) ClearBreakerFailures(_ context.Context, name string) error {
	delete(m.failures, name)
	return nil
}

func TestDoOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := newMemLog()
	b := breaker.New(log, "flaky", 3, 10*time.Minute)
	boom := errors.New("dependency down")

	calls := 0
	failing := func(context.Context) error { calls++; return boom }

	// First three attempts run and fail, filling the window.
	for i := 0; i < 3; i++ {
		err := b.Do(ctx, failing)
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 3, calls)

	// Fourth attempt is refused without invoking the function.
	err := b.Do(ctx, failing)
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 3, calls, "open circuit must not invoke fn")
}

func TestDoSuccessClearsCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := newMemLog()
	b := breaker.New(log, "flaky", 3, 10*time.Minute)

	boom := errors.New("dependency down")
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return boom }), boom)
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return boom }), boom)

	// A success below the threshold clears the log entirely.
	require.NoError(t, b.Do(ctx, func(context.Context) error { return nil }))
	assert.Empty(t, log.failures["flaky"])

	// Two fresh failures are again below the threshold after the clear.
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return boom }), boom)
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return boom }), boom)
	require.NoError(t, b.Do(ctx, func(context.Context) error { return nil }))
}

func TestBreakersAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := newMemLog()
	a := breaker.New(log, "a", 1, 10*time.Minute)
	bb := breaker.New(log, "b", 1, 10*time.Minute)

	boom := errors.New("down")
	require.ErrorIs(t, a.Do(ctx, func(context.Context) error { return boom }), boom)
	require.ErrorIs(t, a.Do(ctx, func(context.Context) error { return nil }), breaker.ErrOpen)

	// "b" is unaffected by "a" tripping.
	require.NoError(t, bb.Do(ctx, func(context.Context) error { return nil }))
}
