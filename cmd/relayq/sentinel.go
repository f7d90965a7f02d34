package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcastle/relayq/internal/config"
	"github.com/rcastle/relayq/internal/health"
	"github.com/rcastle/relayq/internal/notify"
	"github.com/rcastle/relayq/internal/store"
)

// sentinel exit codes.
const (
	sentinelExitHealthy  = 0
	sentinelExitDegraded = 1
	sentinelExitCritical = 2
)

func sentinelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Run queue health checks once or on a loop",
		Long: `Run the stuck-job, error-rate, and worker-liveness checks.

Exit codes (one-shot mode): 0 healthy, 1 degraded/warning, 2 critical.`,
		RunE: runSentinel,
	}
	cmd.Flags().Bool("loop", false, "keep running on an interval")
	cmd.Flags().Duration("interval", time.Minute, "check interval with --loop")
	cmd.Flags().Bool("json", false, "structured output")
	return cmd
}

func runSentinel(cmd *cobra.Command, _ []string) error {
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
	notifier := notify.NewNotifier(
		notify.BuildSafeClient(),
		cfg.AlertWebhookURL, cfg.AlertWebhookSecret, cfg.AlertWebhookRPS,
	)
	mon := health.New(st, notifier, health.Config{
		StuckAge:         cfg.StuckAgeCritical,
		ErrorRateWarnPct: cfg.ErrorRateWarnPct,
		HeartbeatStale:   cfg.HeartbeatStale,
		HeartbeatOffline: cfg.HeartbeatOffline,
		Debounce:         cfg.AlertDebounce,
	})

	loop, _ := cmd.Flags().GetBool("loop")
	interval, _ := cmd.Flags().GetDuration("interval")
	asJSON, _ := cmd.Flags().GetBool("json")

	if !loop {
		rep := mon.RunOnce(cmd.Context())
		if err := printReport(rep, asJSON); err != nil {
			return err
		}
		switch rep.Overall {
		case health.SeverityCritical:
			return exitError{code: sentinelExitCritical}
		case health.SeverityWarning:
			return exitError{code: sentinelExitDegraded}
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sentinel started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sentinel stopping")
			return nil
		case <-ticker.C:
			rep := mon.RunOnce(ctx)
			if err := printReport(rep, asJSON); err != nil {
				return err
			}
		}
	}
}

func printReport(rep health.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "overall: %s\t(checked %s)\n", rep.Overall, rep.CheckedAt.Local().Format(time.RFC3339))
	for _, c := range rep.Checks {
		fmt.Fprintf(w, "%s\t%s\n", c.Check, c.Severity)
		for _, issue := range c.Issues {
			fmt.Fprintf(w, "  - %s\t%s\n", issue.Key, issue.Message)
		}
	}
	return w.Flush()
}
