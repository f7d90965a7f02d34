// Package reaper reclaims jobs whose lease expired without an ack. Any number
// of instances may run against the same database: each candidate transition
// is an atomic conditional claim in the store, so losers of a race simply
// skip the job on that pass.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcastle/relayq/internal/store"
)

var (
	jobsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayq",
		Name:      "jobs_reaped_total",
		Help:      "Stuck jobs reclaimed, by outcome (retried or dead_lettered).",
	}, []string{"queue", "outcome"})
)

// Config holds reaper tuning parameters (sourced from config.Config).
type Config struct {
	Interval       time.Duration // how often to scan
	StuckThreshold time.Duration // lease must be expired at least this long
	BatchSize      int           // max candidates per pass
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Reaper periodically sweeps stuck jobs back to pending or out to the DLQ.
type Reaper struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
}

// New creates a Reaper backed by st.
func New(st *store.Store, cfg Config) *Reaper {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = 10 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{store: st, cfg: cfg, log: slog.Default()}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		"interval", r.cfg.Interval, "stuck_threshold", r.cfg.StuckThreshold)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reap pass error", "error", err)
			}
		}
	}
}

// Result summarizes one sweep.
type Result struct {
	Scanned      int
	Retried      int
	DeadLettered int
	Outcomes     []store.ReapOutcome
}

// RunOnce performs a single sweep: list stuck candidates oldest-expiry first,
// then claim and transition each one. A candidate that another reaper (or a
// late ack) got to first counts as scanned but produces no outcome.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	ids, err := r.store.StuckJobs(ctx, r.cfg.StuckThreshold, r.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}

	res := Result{Scanned: len(ids)}
	for _, id := range ids {
		out, err := r.store.ReapJob(ctx, id, r.cfg.StuckThreshold, r.cfg.BackoffBase, r.cfg.BackoffMax)
		if err != nil {
			r.log.Error("reap job error", "job_id", id, "error", err)
			continue
		}
		if out == nil {
			continue // lost the race
		}
		res.Outcomes = append(res.Outcomes, *out)
		if out.DeadLettered {
			res.DeadLettered++
			jobsReaped.WithLabelValues(out.Queue, "dead_lettered").Inc()
			r.log.Warn("job dead-lettered", "queue", out.Queue, "job_id", out.JobID)
		} else {
			res.Retried++
			jobsReaped.WithLabelValues(out.Queue, "retried").Inc()
			r.log.Info("job reclaimed for retry",
				"queue", out.Queue, "job_id", out.JobID, "next_run_at", out.NextRunAt)
		}
	}
	return res, nil
}
