package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier receives the hand-off for every freshly created reservation.
// Delivery is at-least-once and never blocks the tool result.
type Notifier interface {
	NotifyCreated(ctx context.Context, req *Request) error
}

// LogNotifier writes the hand-off to the structured log. Used when no
// webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) NotifyCreated(_ context.Context, req *Request) error {
	n.Logger.Info("reservation created",
		"reservation_id", req.ID,
		"tenant_id", req.TenantID,
		"call_id", req.CallID,
		"customer_name", req.CustomerName,
		"party_size", req.PartySize,
		"requested_date", req.RequestedDate,
		"requested_time", req.RequestedTime,
	)
	return nil
}

// WebhookNotifier POSTs the reservation as JSON to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier builds a notifier with the given per-delivery timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) NotifyCreated(ctx context.Context, req *Request) error {
	body, err := json.Marshal(map[string]any{
		"reservation_id": req.ID,
		"tenant_id":      req.TenantID,
		"call_id":        req.CallID,
		"customer_name":  req.CustomerName,
		"customer_phone": req.CustomerPhone,
		"party_size":     req.PartySize,
		"requested_date": req.RequestedDate,
		"requested_time": req.RequestedTime,
		"answers":        emptyMap(req.Answers),
		"status":         req.Status,
	})
	if err != nil {
		return fmt.Errorf("reservation: marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reservation: build notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reservation: deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reservation: notification webhook returned %s", resp.Status)
	}
	return nil
}
