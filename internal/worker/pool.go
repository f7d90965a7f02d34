package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rcastle/relayq/internal/store"
)

// Config holds worker pool tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Pool manages one polling goroutine per registered queue. All coordination
// with other workers happens through the jobs table; the pool itself holds no
// shared state beyond its own counters.
type Pool struct {
	store    *store.Store
	cfg      Config
	workerID string
	hostname string
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	processed atomic.Int64
	failed    atomic.Int64
	unhealthy atomic.Bool
}

// New creates a Pool backed by st. A random workerID is generated at
// construction time to identify this process in leases and heartbeats.
func New(st *store.Store, cfg Config) *Pool {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	host, _ := os.Hostname()
	return &Pool{
		store:    st,
		cfg:      cfg,
		workerID: uuid.New().String(),
		hostname: host,
		log:      slog.Default(),
		handlers: make(map[string]Handler),
	}
}

// WorkerID returns the pool's generated identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Register associates h with the named queue. Must be called before Start.
func (p *Pool) Register(queue string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
}

// Start launches one polling goroutine per registered queue, then blocks
// until ctx is cancelled. On cancellation each goroutine finishes its
// in-flight job, writes a final heartbeat, and exits.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			p.runQueue(ctx, queue)
		}(q)
	}
	wg.Wait()
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
}

// runQueue polls queue for jobs until ctx is cancelled. Uses time.NewTicker
// (not time.After) to avoid timer leaks. The heartbeat is written every tick
// whether or not a job was available, so liveness reflects the poll loop, not
// queue traffic.
func (p *Pool) runQueue(ctx context.Context, queue string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("worker queue started", "queue", queue, "worker_id", p.workerID)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker queue stopping", "queue", queue)
			p.beat(context.WithoutCancel(ctx), queue)
			return
		case <-ticker.C:
			p.processOne(ctx, queue)
			p.beat(ctx, queue)
		}
	}
}

// beat upserts this worker's heartbeat row. A failed write flips the
// reported status to unhealthy on the next successful one; heartbeat errors
// are otherwise logged and swallowed.
func (p *Pool) beat(ctx context.Context, queue string) {
	status := store.HeartbeatHealthy
	if p.unhealthy.Load() {
		status = store.HeartbeatUnhealthy
	}
	err := p.store.UpsertHeartbeat(ctx, store.Heartbeat{
		WorkerID:      p.workerID,
		Queue:         queue,
		Hostname:      p.hostname,
		Status:        status,
		JobsProcessed: p.processed.Load(),
		JobsFailed:    p.failed.Load(),
	})
	if err != nil {
		p.log.Error("heartbeat upsert failed", "queue", queue, "error", err)
		p.unhealthy.Store(true)
		return
	}
	p.unhealthy.Store(false)
}

// processOne leases one job from queue and executes it. Errors are logged
// but do not stop the polling loop.
func (p *Pool) processOne(ctx context.Context, queue string) {
	job, err := p.store.Dequeue(ctx, queue, p.workerID, p.cfg.LeaseDuration)
	if err != nil {
		p.log.Error("dequeue error", "queue", queue, "error", err)
		p.unhealthy.Store(true)
		return
	}
	if job == nil {
		return // no eligible job; normal case
	}

	p.mu.RLock()
	h := p.handlers[queue]
	p.mu.RUnlock()

	p.log.Info("executing job",
		"queue", queue, "job_id", job.ID, "attempts", job.Attempts)

	if err := p.invoke(ctx, h, job.Payload); err != nil {
		p.failed.Add(1)
		jobsFailed.WithLabelValues(queue).Inc()
		p.log.Error("job handler failed",
			"queue", queue, "job_id", job.ID, "error", err)
		if nackErr := p.store.Nack(ctx, queue, job.ID, err.Error(), p.cfg.BackoffBase, p.cfg.BackoffMax); nackErr != nil {
			p.log.Error("nack error", "job_id", job.ID, "error", nackErr)
		}
		return
	}

	if err := p.store.Ack(ctx, queue, job.ID); err != nil {
		p.log.Error("ack error", "job_id", job.ID, "error", err)
		return
	}
	p.processed.Add(1)
	jobsProcessed.WithLabelValues(queue).Inc()
	p.log.Info("job completed", "queue", queue, "job_id", job.ID)
}

// invoke runs the handler, converting a panic into an ordinary error so a
// misbehaving handler nacks its job instead of killing the process.
func (p *Pool) invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
