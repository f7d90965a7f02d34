// Package breaker guards a fragile external call shared by many ephemeral
// worker processes. The failure log lives in the database, not in process
// memory, so every worker sees the same window and the circuit survives
// restarts. Open/closed is derived from the log on each call; there is no
// stored flag to go stale.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrOpen is returned when the circuit is open: the guarded call was not
// attempted. Callers distinguish it from the dependency's own errors with
// errors.Is.
var ErrOpen = errors.New("circuit open")

var shortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relayq",
	Name:      "breaker_short_circuits_total",
	Help:      "Guarded calls refused because the circuit was open.",
}, []string{"breaker"})

// FailureLog is the persistence the breaker needs. *store.Store implements it.
type FailureLog interface {
	// BreakerFailures prunes entries outside the window and returns the rest.
	BreakerFailures(ctx context.Context, name string, window time.Duration) ([]time.Time, error)
	RecordBreakerFailure(ctx context.Context, name string) error
	ClearBreakerFailures(ctx context.Context, name string) error
}

// Breaker guards one named dependency.
type Breaker struct {
	log       FailureLog
	name      string
	threshold int
	window    time.Duration
	slog      *slog.Logger
}

// New creates a Breaker. threshold failures within window opens the circuit.
func New(log FailureLog, name string, threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if window == 0 {
		window = 10 * time.Minute
	}
	return &Breaker{log: log, name: name, threshold: threshold, window: window, slog: slog.Default()}
}

// Open reports whether the circuit is currently open, given the pruned
// failure timestamps. Pure so the window semantics are testable without
// storage: the circuit opens exactly when the in-window count reaches the
// threshold.
func Open(failures []time.Time, now time.Time, window time.Duration, threshold int) bool {
	n := 0
	for _, t := range failures {
		if t.After(now.Add(-window)) {
			n++
		}
	}
	return n >= threshold
}

// Do runs fn under the breaker. If the windowed failure count has reached the
// threshold, fn is not invoked and ErrOpen is returned. On success the
// failure log is cleared (closing the circuit immediately); on failure a
// timestamp is appended and fn's error is returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	failures, err := b.log.BreakerFailures(ctx, b.name, b.window)
	if err != nil {
		return fmt.Errorf("breaker %s: read failure log: %w", b.name, err)
	}
	if Open(failures, time.Now(), b.window, b.threshold) {
		shortCircuits.WithLabelValues(b.name).Inc()
		b.slog.Warn("circuit open, short-circuiting",
			"breaker", b.name, "failures_in_window", len(failures))
		return fmt.Errorf("breaker %s: %w", b.name, ErrOpen)
	}

	if err := fn(ctx); err != nil {
		if recErr := b.log.RecordBreakerFailure(ctx, b.name); recErr != nil {
			b.slog.Error("record breaker failure", "breaker", b.name, "error", recErr)
		}
		return err
	}

	if err := b.log.ClearBreakerFailures(ctx, b.name); err != nil {
		b.slog.Error("clear breaker failures", "breaker", b.name, "error", err)
	}
	return nil
}
