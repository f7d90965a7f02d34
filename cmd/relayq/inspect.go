package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcastle/relayq/internal/config"
	"github.com/rcastle/relayq/internal/health"
	"github.com/rcastle/relayq/internal/store"
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Report per-queue depth, oldest age, in-flight count, and worker liveness",
		RunE:  runInspect,
	}
	cmd.Flags().String("queue", "", "limit to one queue")
	cmd.Flags().Bool("json", false, "structured output")
	cmd.Flags().Bool("watch", false, "refresh continuously")
	cmd.Flags().Duration("interval", 5*time.Second, "refresh interval with --watch")
	return cmd
}

func runInspect(cmd *cobra.Command, _ []string) error {
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

	queue, _ := cmd.Flags().GetString("queue")
	asJSON, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	for {
		if err := printStats(cmd.Context(), st, cfg, queue, asJSON); err != nil {
			return err
		}
		if !watch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// queueView is one row of inspector output.
type queueView struct {
	store.QueueStats
	Workers string `json:"workers"`
}

func printStats(ctx context.Context, st *store.Store, cfg *config.Config, queue string, asJSON bool) error {
	stats, err := st.QueueStats(ctx, queue)
	if err != nil {
		return err
	}

	now := time.Now()
	views := make([]queueView, 0, len(stats))
	for _, s := range stats {
		hbs, err := st.ListHeartbeats(ctx, s.Queue)
		if err != nil {
			return err
		}
		views = append(views, queueView{
			QueueStats: s,
			Workers:    string(health.QueueLiveness(hbs, now, cfg.HeartbeatStale, cfg.HeartbeatOffline)),
		})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tDEPTH\tSCHEDULED\tIN-FLIGHT\tFAILED\tDLQ\tOLDEST\tLAST SUCCESS\tWORKERS")
	for _, v := range views {
		oldest := "-"
		if v.OldestAge != nil {
			oldest = (time.Duration(*v.OldestAge * float64(time.Second))).Round(time.Second).String()
		}
		last := "-"
		if v.LastSuccess != nil {
			last = v.LastSuccess.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			v.Queue, v.Depth, v.Scheduled, v.InFlight, v.Failed, v.DeadLettered,
			oldest, last, v.Workers)
	}
	return w.Flush()
}
