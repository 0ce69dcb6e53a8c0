// Package webhook notifies job owners about terminal job transitions.
// Delivery is best effort: one attempt, bounded by a timeout, failures logged.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"agent-job-sync/internal/models"
	"agent-job-sync/internal/telemetry"
)

// Event is the JSON body posted to a job's webhook URL.
type Event struct {
	JobID      string           `json:"job_id"`
	AgentID    string           `json:"agent_id"`
	Status     models.JobStatus `json:"status"`
	ResultHash *string          `json:"result_hash,omitempty"`
	ResultURI  *string          `json:"result_uri,omitempty"`
	Refunded   bool             `json:"refunded"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Notifier posts events.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: &http.Client{Timeout: timeout}, logger: logger}
}

// Notify delivers ev to url. It never returns an error; the outcome is
// reported through logs and metrics only.
func (n *Notifier) Notify(ctx context.Context, url string, ev Event) {
	if err := n.post(ctx, url, ev); err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("failed").Inc()
		n.logger.Warn("webhook delivery failed", "job_id", ev.JobID, "status", ev.Status.String(), "error", err)
		return
	}
	telemetry.WebhookDeliveries.WithLabelValues("delivered").Inc()
	n.logger.Info("webhook delivered", "job_id", ev.JobID, "status", ev.Status.String())
}

func (n *Notifier) post(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
