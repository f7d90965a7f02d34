package store

import (
	"context"
	"fmt"
	"time"
)

// MarkAlertNotified atomically decides whether an alert for (check, issue)
// should be delivered now. It returns true — and stamps last_notified_at —
// when the issue has never fired, was cleared since it last fired, or last
// fired more than debounce ago. Otherwise the alert is suppressed. Being a
// single statement, concurrent sentinel instances agree on one winner.
func (s *Store) MarkAlertNotified(ctx context.Context, check, issue, severity, message string, debounce time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO health_alerts (check_name, issue_key, severity, message)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (check_name, issue_key) DO UPDATE SET
		     severity         = EXCLUDED.severity,
		     message          = EXCLUDED.message,
		     last_notified_at = now(),
		     cleared          = false
		 WHERE health_alerts.cleared
		    OR health_alerts.last_notified_at < now() - ($5 * interval '1 second')`,
		check, issue, severity, message, int64(debounce.Seconds()))
	if err != nil {
		return false, fmt.Errorf("mark alert notified %s/%s: %w", check, issue, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearAlerts marks every open alert for the named check as cleared, except
// those whose issue key is in keep (the issues still failing). A cleared
// alert may fire again immediately on recurrence.
func (s *Store) ClearAlerts(ctx context.Context, check string, keep []string) error {
	if keep == nil {
		keep = []string{} // nil would encode as SQL NULL and clear nothing
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE health_alerts SET cleared = true
		  WHERE check_name = $1 AND NOT cleared AND NOT (issue_key = ANY($2))`,
		check, keep)
	if err != nil {
		return fmt.Errorf("clear alerts %s: %w", check, err)
	}
	return nil
}
