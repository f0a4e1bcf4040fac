package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// Webhook dispatch outcomes stamped on alert events.
const (
	WebhookSent    = "sent"
	WebhookFailed  = "failed"
	WebhookSkipped = "skipped"
)

// Notifier delivers newly-firing alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// WebhookNotifier posts alert payloads to a single endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier for one endpoint.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Severity     string    `json:"severity"`
	TenantID     string    `json:"tenant_id"`
	SiteID       string    `json:"site_id"`
	Metric       string    `json:"metric"`
	CurrentValue float64   `json:"current_value"`
	Threshold    float64   `json:"threshold"`
	Window       string    `json:"window"`
	Actions      []string  `json:"recommended_actions,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Notify posts one alert. Non-2xx responses are errors.
func (n *WebhookNotifier) Notify(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Code:         alert.Rule.Code,
		Name:         alert.Rule.Name,
		Severity:     string(alert.Rule.Severity),
		TenantID:     alert.TenantID,
		SiteID:       alert.SiteID,
		Metric:       alert.Rule.Metric,
		CurrentValue: alert.CurrentValue,
		Threshold:    alert.Rule.Threshold,
		Window:       alert.Rule.Window,
		Actions:      alert.Rule.RecommendedActions,
		EvaluatedAt:  alert.EvaluatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
