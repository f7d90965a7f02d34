// Package dlq inspects and replays dead-letter records. Listing never
// mutates; replay re-enqueues onto the original queue and removes the record
// in one store transaction per record.
package dlq

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rcastle/relayq/internal/store"
)

// Replayer orchestrates dead-letter inspection and replay.
type Replayer struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a Replayer backed by st.
func New(st *store.Store) *Replayer {
	return &Replayer{store: st, log: slog.Default()}
}

// List returns unresolved dead-letter records oldest-first, optionally
// filtered by original queue. limit <= 0 means all.
func (r *Replayer) List(ctx context.Context, queue string, limit int) ([]store.DeadLetter, error) {
	return r.store.ListDeadLetters(ctx, queue, limit)
}

// Replayed pairs a dead-letter record with the job it became.
type Replayed struct {
	DeadLetter store.DeadLetter
	NewJobID   uuid.UUID
}

// Result summarizes a replay run.
type Result struct {
	Candidates []store.DeadLetter // what would be (or was) replayed
	Replayed   []Replayed
	Skipped    int // records that vanished between listing and replay
}

// Replay replays unresolved records for queue (all queues when empty),
// oldest-first, up to limit. When dryRun is set, the candidates are returned
// and nothing is mutated.
func (r *Replayer) Replay(ctx context.Context, queue string, limit int, dryRun bool) (Result, error) {
	records, err := r.store.ListDeadLetters(ctx, queue, limit)
	if err != nil {
		return Result{}, err
	}
	if dryRun {
		return Result{Candidates: records}, nil
	}
	return r.ReplayRecords(ctx, records)
}

// ReplayRecords replays exactly the given records — nothing that dead-lettered
// after they were listed. The CLI uses it so only the records the operator was
// shown (and confirmed) are touched. A record resolved or replayed by someone
// else in the meantime is counted as skipped, not an error.
func (r *Replayer) ReplayRecords(ctx context.Context, records []store.DeadLetter) (Result, error) {
	res := Result{Candidates: records}
	for _, d := range records {
		jobID, err := r.store.ReplayDeadLetter(ctx, d.ID, 0)
		if errors.Is(err, store.ErrDeadLetterNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		r.log.Info("dead letter replayed",
			"dead_letter_id", d.ID, "queue", d.OriginalQueue, "new_job_id", jobID)
		res.Replayed = append(res.Replayed, Replayed{DeadLetter: d, NewJobID: jobID})
	}
	return res, nil
}

// Resolve closes a record manually without replaying it.
func (r *Replayer) Resolve(ctx context.Context, id uuid.UUID) error {
	return r.store.ResolveDeadLetter(ctx, id)
}
