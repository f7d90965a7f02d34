package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcastle/relayq/internal/config"
	"github.com/rcastle/relayq/internal/dlq"
	"github.com/rcastle/relayq/internal/store"
)

// dlq subcommand exit codes.
const (
	dlqExitOK      = 0
	dlqExitDBError = 1
	dlqExitReplay  = 2
	dlqExitEmpty   = 3
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, replay, or resolve dead-letter records",
	}
	cmd.AddCommand(dlqListCmd(), dlqReplayCmd(), dlqResolveCmd())
	return cmd
}

func newReplayer(cmd *cobra.Command) (*dlq.Replayer, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, exitError{code: dlqExitDBError, msg: fmt.Sprintf("database: %v", err)}
	}
	return dlq.New(store.New(db)), db.Close, nil
}

// ── dlq list ──────────────────────────────────────────────────────────────────

func dlqListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead-letter records, oldest first",
		RunE:  runDLQList,
	}
	cmd.Flags().String("queue", "", "filter by original queue")
	cmd.Flags().Int("limit", 0, "max records (0 = all)")
	cmd.Flags().Bool("json", false, "structured output")
	return cmd
}

func runDLQList(cmd *cobra.Command, _ []string) error {
	rp, closeDB, err := newReplayer(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	queue, _ := cmd.Flags().GetString("queue")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	records, err := rp.List(cmd.Context(), queue, limit)
	if err != nil {
		return exitError{code: dlqExitDBError, msg: fmt.Sprintf("list dead letters: %v", err)}
	}
	return printDeadLetters(records, asJSON)
}

func printDeadLetters(records []store.DeadLetter, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tJOB\tATTEMPTS\tMOVED\tERROR")
	for _, d := range records {
		msg := d.ErrorMessage
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.OriginalQueue, d.OriginalJobID, d.AttemptCount,
			d.MovedAt.Local().Format(time.RFC3339), msg)
	}
	return w.Flush()
}

// ── dlq replay ────────────────────────────────────────────────────────────────

func dlqReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead-letter records onto their original queues",
		Long: `Re-enqueue dead-letter records onto their original queues, oldest first.

Exit codes: 0 success, 1 database error, 2 replay error, 3 nothing to replay.`,
		RunE: runDLQReplay,
	}
	cmd.Flags().String("queue", "", "filter by original queue")
	cmd.Flags().Int("limit", 0, "max records (0 = all)")
	cmd.Flags().Bool("dry-run", false, "preview only, no mutation")
	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	return cmd
}

func runDLQReplay(cmd *cobra.Command, _ []string) error {
	rp, closeDB, err := newReplayer(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	queue, _ := cmd.Flags().GetString("queue")
	limit, _ := cmd.Flags().GetInt("limit")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	yes, _ := cmd.Flags().GetBool("yes")

	preview, err := rp.Replay(cmd.Context(), queue, limit, true)
	if err != nil {
		return exitError{code: dlqExitDBError, msg: fmt.Sprintf("list dead letters: %v", err)}
	}
	if len(preview.Candidates) == 0 {
		fmt.Println("nothing to replay")
		return exitError{code: dlqExitEmpty}
	}

	if err := printDeadLetters(preview.Candidates, false); err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("dry run: %d record(s) would be replayed\n", len(preview.Candidates))
		return nil
	}

	if !yes && !confirm(fmt.Sprintf("replay %d record(s)?", len(preview.Candidates))) {
		fmt.Println("aborted")
		return nil
	}

	// Replay exactly what was shown: records that dead-lettered after the
	// preview wait for the next invocation.
	res, err := rp.ReplayRecords(cmd.Context(), preview.Candidates)
	if err != nil {
		return exitError{code: dlqExitReplay, msg: fmt.Sprintf("replay: %v", err)}
	}
	fmt.Printf("replayed %d record(s), skipped %d\n", len(res.Replayed), res.Skipped)
	return nil
}

// confirm prompts on stdin; anything but y/yes is a no.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// ── dlq resolve ───────────────────────────────────────────────────────────────

func dlqResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead-letter record resolved without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse id: %w", err)
			}
			rp, closeDB, err := newReplayer(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := rp.Resolve(cmd.Context(), id); err != nil {
				return exitError{code: dlqExitDBError, msg: fmt.Sprintf("resolve: %v", err)}
			}
			fmt.Println("resolved", id)
			return nil
		},
	}
}
