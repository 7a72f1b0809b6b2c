// Package alerts surfaces security-relevant protocol violations to an
// operator webhook. Spoofed receipts are the only event in this category:
// routine rejections stay in logs, a spoofing attempt pages someone.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lacrypta/checkout/internal/idgen"
	"github.com/lacrypta/checkout/internal/retry"
)

const (
	notifyTimeout  = 10 * time.Second
	notifyAttempts = 3
)

// Alert is the payload delivered to the operator webhook.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts alerts to a webhook URL. All methods are fire-and-forget:
// delivery errors are logged but never returned. A nil Notifier is a no-op.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a webhook notifier. Returns nil when url is empty so
// callers can hold an unconditional handle.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: notifyTimeout},
		logger:     logger,
	}
}

// SpoofedReceipt reports a receipt whose author or signature failed
// verification.
func (n *Notifier) SpoofedReceipt(orderID, eventID, author, reason string) {
	if n == nil {
		return
	}
	n.deliver(&Alert{
		ID:        idgen.WithPrefix("alert_"),
		Type:      "spoofed_receipt",
		OrderID:   orderID,
		EventID:   eventID,
		Author:    author,
		Message:   reason,
		Timestamp: time.Now().UTC(),
	})
}

func (n *Notifier) deliver(alert *Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		n.logger.Warn("alert marshal failed", "type", alert.Type, "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout*notifyAttempts)
		defer cancel()

		err := retry.Do(ctx, notifyAttempts, 500*time.Millisecond, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := n.httpClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("webhook returned %d", resp.StatusCode)
			case resp.StatusCode >= 300:
				return retry.Permanent(fmt.Errorf("webhook rejected alert: %d", resp.StatusCode))
			}
			return nil
		})
		if err != nil {
			n.logger.Warn("alert delivery failed", "type", alert.Type, "error", err)
		}
	}()
}
