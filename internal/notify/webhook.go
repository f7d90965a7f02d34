// ABOUTME: Outbound alert webhook delivery: HMAC signing, rate limiting, response body discard.
// ABOUTME: Delivery is best-effort; failures are logged by the caller, never raised further.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Alert is the structured payload posted to the alerting sink.
type Alert struct {
	Check    string          `json:"check"`
	Severity string          `json:"severity"`
	Message  string          `json:"message"`
	Detail   json.RawMessage `json:"detail,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// Notifier posts alerts to a single webhook endpoint. A zero-URL Notifier
// drops everything, which lets callers wire alerting unconditionally.
type Notifier struct {
	client  *http.Client
	url     string
	secret  string
	limiter *rate.Limiter
}

// NewNotifier creates a Notifier. Production callers pass BuildSafeClient();
// nil falls back to a plain client for tests. rps caps outbound posts across
// all checks; the limiter blocks rather than drops so a burst of distinct
// alerts is delivered in order.
func NewNotifier(client *http.Client, url, secret string, rps float64) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if rps <= 0 {
		rps = 1
	}
	return &Notifier{
		client:  client,
		url:     url,
		secret:  secret,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Send posts the alert, signing the body with HMAC-SHA256 when a secret is
// configured, and discards the response body. Returns an error for the caller
// to log; alert delivery failures must never propagate past the monitor.
func (n *Notifier) Send(ctx context.Context, a Alert) error {
	if n.url == "" {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alert rate limiter: %w", err)
	}

	a.SentAt = time.Now().UTC()
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// HMAC-SHA256 over "timestamp.body" so receivers can verify freshness and origin.
	if n.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write([]byte(ts + "." + string(payload)))
		req.Header.Set("X-Relayq-Timestamp", ts)
		req.Header.Set("X-Relayq-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
