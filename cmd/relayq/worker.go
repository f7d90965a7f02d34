package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rcastle/relayq/internal/breaker"
	"github.com/rcastle/relayq/internal/config"
	"github.com/rcastle/relayq/internal/reaper"
	"github.com/rcastle/relayq/internal/store"
	"github.com/rcastle/relayq/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool, reaper, and ops HTTP listener",
		RunE:  runWorker,
	}
	cmd.Flags().StringSlice("queue", []string{"default"}, "queue names to poll")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	pool := worker.New(st, worker.Config{
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
	})

	// The session-refresh breaker is shared by every handler that touches the
	// upstream auth dependency. Its failure log lives in the database, so all
	// worker processes see the same open/closed state.
	sessionBreaker := breaker.New(st, "session_refresh", cfg.BreakerThreshold, cfg.BreakerWindow)

	queues, _ := cmd.Flags().GetStringSlice("queue")
	for _, q := range queues {
		pool.Register(q, echoHandler(sessionBreaker))
	}

	// Reaper runs alongside the pool. Running one per worker process is safe:
	// each stuck-job transition is an atomic conditional claim.
	rp := reaper.New(st, reaper.Config{
		Interval:       cfg.ReapInterval,
		StuckThreshold: cfg.StuckThreshold,
		BatchSize:      cfg.ReapBatchSize,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
	})
	go rp.Start(ctx)

	// Ops listener: liveness probe and prometheus metrics only. The dashboard
	// proper lives elsewhere.
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.OpsListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("ops listener started", "addr", cfg.OpsListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener error", "error", err)
		}
	}()

	slog.Info("worker started", "worker_id", pool.WorkerID(), "queues", queues)
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops listener shutdown", "error", err)
	}
	slog.Info("worker stopped")
	return nil
}

// echoHandler is a placeholder for real business handlers, which live in the
// producing services and register themselves the same way. It demonstrates
// the breaker pattern: refresh the upstream session under the guard, then do
// the work.
func echoHandler(sessionBreaker *breaker.Breaker) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		err := sessionBreaker.Do(ctx, func(ctx context.Context) error {
			// Real handlers refresh their upstream session here.
			return nil
		})
		if err != nil {
			return fmt.Errorf("session refresh: %w", err)
		}
		slog.Info("job payload received", "bytes", len(payload))
		return nil
	}
}
