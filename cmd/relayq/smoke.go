package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcastle/relayq/internal/config"
	"github.com/rcastle/relayq/internal/reaper"
	"github.com/rcastle/relayq/internal/store"
)

func reapSmokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap-smoke",
		Short: "Create a synthetic stuck job and verify the reaper routes it",
		Long: `Creates a job on a throwaway queue, forces it into a stuck processing
state, runs one reap pass, and verifies the job was routed to
retry-with-backoff (attempts remaining) or to the DLQ (attempts exhausted).`,
		RunE: runReapSmoke,
	}
	cmd.Flags().Bool("exhausted", false, "simulate an attempts-exhausted job (expect DLQ)")
	return cmd
}

func runReapSmoke(cmd *cobra.Command, _ []string) error {
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
	st := store.New(db)

	exhausted, _ := cmd.Flags().GetBool("exhausted")
	ctx := cmd.Context()

	queue := "smoke-" + uuid.New().String()[:8]
	id, err := st.Enqueue(ctx, store.EnqueueParams{
		Queue:   queue,
		Payload: json.RawMessage(`{"smoke":true}`),
	})
	if err != nil {
		return fmt.Errorf("enqueue synthetic job: %w", err)
	}

	// Force the job into a stuck processing state: lease expired well past
	// the threshold, attempts either mid-budget or exhausted.
	attempts := 1
	if exhausted {
		attempts = store.DefaultMaxAttempts
	}
	_, err = st.Pool().Exec(ctx,
		`UPDATE jobs
		    SET status = 'processing', attempts = $2, worker_id = 'smoke-harness',
		        started_at = now() - interval '1 hour',
		        lease_deadline = now() - interval '35 minutes',
		        last_error = 'synthetic smoke failure'
		  WHERE id = $1`,
		id, attempts)
	if err != nil {
		return fmt.Errorf("force stuck state: %w", err)
	}

	rp := reaper.New(st, reaper.Config{
		StuckThreshold: cfg.StuckThreshold,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
	})
	res, err := rp.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reap pass: %w", err)
	}

	if err := verifySmoke(ctx, st, id, queue, exhausted); err != nil {
		return err
	}
	fmt.Printf("ok: scanned %d, retried %d, dead-lettered %d; job %s routed correctly\n",
		res.Scanned, res.Retried, res.DeadLettered, id)
	return nil
}

func verifySmoke(ctx context.Context, st *store.Store, id uuid.UUID, queue string, exhausted bool) error {
	job, err := st.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("synthetic job %s vanished", id)
	}

	if exhausted {
		if job.Status != store.StatusFailed {
			return fmt.Errorf("expected failed, got %s", job.Status)
		}
		dls, err := st.ListDeadLetters(ctx, queue, 0)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if len(dls) != 1 || dls[0].OriginalJobID != id {
			return fmt.Errorf("expected exactly one dead letter for job %s, got %d", id, len(dls))
		}
		return nil
	}

	if job.Status != store.StatusPending {
		return fmt.Errorf("expected pending, got %s", job.Status)
	}
	if job.ReapCount != 1 {
		return fmt.Errorf("expected reap_count 1, got %d", job.ReapCount)
	}
	if !job.NextRunAt.After(time.Now()) {
		return fmt.Errorf("expected backoff next_run_at in the future, got %s", job.NextRunAt)
	}
	return nil
}
