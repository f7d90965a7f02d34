package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcastle/relayq/internal/notify"
	"github.com/rcastle/relayq/internal/store"
)

// Severity orders check outcomes; the sentinel maps them to exit codes.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// worse reports whether a outranks b.
func worse(a, b Severity) bool {
	rank := map[Severity]int{SeverityOK: 0, SeverityWarning: 1, SeverityCritical: 2}
	return rank[a] > rank[b]
}

// Check names. Debounce state in health_alerts is keyed by (check, issue).
const (
	CheckStore     = "store_reachable"
	CheckStuckJobs = "stuck_jobs"
	CheckErrorRate = "error_rate"
	CheckWorkers   = "workers_online"
)

// Issue is one failing condition inside a check.
type Issue struct {
	Key      string          `json:"key"`
	Severity Severity        `json:"severity"`
	Message  string          `json:"message"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Issues   []Issue  `json:"issues,omitempty"`
}

// Report is a full monitor pass.
type Report struct {
	CheckedAt time.Time     `json:"checked_at"`
	Overall   Severity      `json:"overall"`
	Checks    []CheckResult `json:"checks"`
}

// Config holds monitor thresholds (sourced from config.Config).
type Config struct {
	StuckAge         time.Duration // job age beyond which a stuck bucket is critical
	ErrorRateWarnPct float64
	ErrorRateWindow  time.Duration // default 1h
	HeartbeatStale   time.Duration
	HeartbeatOffline time.Duration
	Debounce         time.Duration
}

// Monitor runs the three health checks and emits debounced webhook alerts.
type Monitor struct {
	store    *store.Store
	notifier *notify.Notifier
	cfg      Config
	log      *slog.Logger
}

// New creates a Monitor.
func New(st *store.Store, n *notify.Notifier, cfg Config) *Monitor {
	if cfg.ErrorRateWindow == 0 {
		cfg.ErrorRateWindow = time.Hour
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Hour
	}
	return &Monitor{store: st, notifier: n, cfg: cfg, log: slog.Default()}
}

// RunOnce executes one monitor pass. An unreachable store is itself a
// critical finding, reported without touching the debounce table (which would
// also be unreachable); everything else goes through the debounced alert path.
// The returned report is complete even when alert delivery fails — delivery
// is best-effort by design.
func (m *Monitor) RunOnce(ctx context.Context) Report {
	rep := Report{CheckedAt: time.Now().UTC(), Overall: SeverityOK}

	if err := m.store.Ping(ctx); err != nil {
		issue := Issue{
			Key:      "unreachable",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("queue store unreachable: %v", err),
		}
		rep.Checks = append(rep.Checks, CheckResult{
			Check: CheckStore, Severity: SeverityCritical, Issues: []Issue{issue},
		})
		rep.Overall = SeverityCritical
		m.deliver(ctx, CheckStore, issue)
		return rep
	}
	rep.Checks = append(rep.Checks, CheckResult{Check: CheckStore, Severity: SeverityOK})

	for _, run := range []func(context.Context) CheckResult{
		m.checkStuckJobs,
		m.checkErrorRate,
		m.checkWorkers,
	} {
		res := run(ctx)
		rep.Checks = append(rep.Checks, res)
		if worse(res.Severity, rep.Overall) {
			rep.Overall = res.Severity
		}
		m.alert(ctx, res)
	}
	return rep
}

// checkStuckJobs flags queues whose pending or processing jobs have sat
// beyond the age threshold.
func (m *Monitor) checkStuckJobs(ctx context.Context) CheckResult {
	res := CheckResult{Check: CheckStuckJobs, Severity: SeverityOK}
	buckets, err := m.store.StuckByStatus(ctx, m.cfg.StuckAge)
	if err != nil {
		m.log.Error("stuck-job check failed", "error", err)
		res.Severity = SeverityCritical
		res.Issues = []Issue{{Key: "check_error", Severity: SeverityCritical,
			Message: fmt.Sprintf("stuck-job query failed: %v", err)}}
		return res
	}
	for _, b := range buckets {
		res.Severity = SeverityCritical
		res.Issues = append(res.Issues, Issue{
			Key:      b.Queue + "/" + b.Status,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("%d %s jobs on queue %q older than %s (oldest %s)",
				b.Count, b.Status, b.Queue, m.cfg.StuckAge, b.Oldest.Round(time.Second)),
		})
	}
	return res
}

// checkErrorRate flags a failure percentage over the trailing window.
func (m *Monitor) checkErrorRate(ctx context.Context) CheckResult {
	res := CheckResult{Check: CheckErrorRate, Severity: SeverityOK}
	rate, failed, finished, err := m.store.ErrorRate(ctx, m.cfg.ErrorRateWindow)
	if err != nil {
		m.log.Error("error-rate check failed", "error", err)
		res.Severity = SeverityWarning
		res.Issues = []Issue{{Key: "check_error", Severity: SeverityWarning,
			Message: fmt.Sprintf("error-rate query failed: %v", err)}}
		return res
	}
	if rate > m.cfg.ErrorRateWarnPct {
		res.Severity = SeverityWarning
		res.Issues = []Issue{{
			Key:      "error_rate",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("error rate %.1f%% over last %s (%d of %d finished jobs failed)",
				rate, m.cfg.ErrorRateWindow, failed, finished),
		}}
	}
	return res
}

// checkWorkers flags queues with live work but zero online workers.
func (m *Monitor) checkWorkers(ctx context.Context) CheckResult {
	res := CheckResult{Check: CheckWorkers, Severity: SeverityOK}
	queues, err := m.store.ActiveQueues(ctx)
	if err != nil {
		m.log.Error("worker check failed", "error", err)
		res.Severity = SeverityCritical
		res.Issues = []Issue{{Key: "check_error", Severity: SeverityCritical,
			Message: fmt.Sprintf("active-queue query failed: %v", err)}}
		return res
	}
	now := time.Now()
	for _, q := range queues {
		hbs, err := m.store.ListHeartbeats(ctx, q)
		if err != nil {
			m.log.Error("heartbeat list failed", "queue", q, "error", err)
			continue
		}
		if QueueLiveness(hbs, now, m.cfg.HeartbeatStale, m.cfg.HeartbeatOffline) != Online {
			res.Severity = SeverityCritical
			res.Issues = append(res.Issues, Issue{
				Key:      q,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("no online workers for queue %q within %s", q, m.cfg.HeartbeatStale),
			})
		}
	}
	return res
}

// alert delivers the check's failing issues through the debounce table and
// clears entries for issues that stopped failing, so a recurrence fires again.
func (m *Monitor) alert(ctx context.Context, res CheckResult) {
	keys := make([]string, 0, len(res.Issues))
	for _, issue := range res.Issues {
		keys = append(keys, issue.Key)
		due, err := m.store.MarkAlertNotified(ctx, res.Check, issue.Key,
			string(issue.Severity), issue.Message, m.cfg.Debounce)
		if err != nil {
			m.log.Error("alert debounce failed", "check", res.Check, "issue", issue.Key, "error", err)
			continue
		}
		if due {
			m.deliver(ctx, res.Check, issue)
		}
	}
	if err := m.store.ClearAlerts(ctx, res.Check, keys); err != nil {
		m.log.Error("alert clear failed", "check", res.Check, "error", err)
	}
}

// deliver posts one alert; failures are logged, never raised.
func (m *Monitor) deliver(ctx context.Context, check string, issue Issue) {
	err := m.notifier.Send(ctx, notify.Alert{
		Check:    check,
		Severity: string(issue.Severity),
		Message:  issue.Message,
		Detail:   issue.Detail,
	})
	if err != nil {
		m.log.Error("alert delivery failed", "check", check, "issue", issue.Key, "error", err)
		return
	}
	m.log.Info("alert sent", "check", check, "issue", issue.Key, "severity", issue.Severity)
}
