// Package health aggregates heartbeats, queue depth, and error rate into
// debounced alerts and a structured report for the sentinel CLI.
package health

import (
	"time"

	"github.com/rcastle/relayq/internal/store"
)

// Liveness is the derived classification of a worker (or of a queue's best
// worker). It is never stored; readers compute it from last_heartbeat_at.
type Liveness string

const (
	Online  Liveness = "online"
	Stale   Liveness = "stale"
	Offline Liveness = "offline"
)

// Classify derives a worker's liveness at time now. A worker reporting
// unhealthy is offline regardless of recency. Otherwise classification is
// monotonic in elapsed silence: online through staleAfter, stale through
// offlineAfter, offline beyond that.
func Classify(hb *store.Heartbeat, now time.Time, staleAfter, offlineAfter time.Duration) Liveness {
	if hb == nil || hb.Status != store.HeartbeatHealthy {
		return Offline
	}
	age := now.Sub(hb.LastHeartbeatAt)
	switch {
	case age <= staleAfter:
		return Online
	case age <= offlineAfter:
		return Stale
	default:
		return Offline
	}
}

// QueueLiveness returns the best classification among a queue's workers:
// a queue is online if any worker is, stale if the best it has is stale,
// offline when it has no usable heartbeat at all.
func QueueLiveness(hbs []store.Heartbeat, now time.Time, staleAfter, offlineAfter time.Duration) Liveness {
	best := Offline
	for i := range hbs {
		switch Classify(&hbs[i], now, staleAfter, offlineAfter) {
		case Online:
			return Online
		case Stale:
			best = Stale
		case Offline:
		}
	}
	return best
}
