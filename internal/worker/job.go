// Package worker provides the polling runner that leases jobs from the jobs
// table, executes registered handlers, and acks or nacks the result.
//
// Handlers are registered per queue name before calling Pool.Start. Each
// queue gets a dedicated polling goroutine that also upserts the worker's
// heartbeat row once per cycle. Handler errors and panics become nacks; they
// never crash the worker process.
package worker

import (
	"context"
	"encoding/json"
)

// Handler is the function executed for each leased job. A non-nil return
// nacks the job (exponential backoff up to max_attempts, then dead letter).
// A nil return acks it. Handlers must be idempotent: if one overruns its
// lease, the reaper may hand the same job to another worker while it is
// still legitimately running.
type Handler func(ctx context.Context, payload json.RawMessage) error
