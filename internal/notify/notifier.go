package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ordoscan/ordoscan/constants"
)

// Update is the patient-record notification emitted on every status change.
type Update struct {
	PrescriptionID uuid.UUID                    `json:"prescription_id"`
	Status         constants.PrescriptionStatus `json:"status"`
	Reason         string                       `json:"reason,omitempty"`
}

// Notifier delivers status updates to the patient record system. Delivery is
// asynchronous and retried by the notification queue; implementations return
// an error to request a retry.
type Notifier interface {
	Notify(ctx context.Context, update Update) error
}

// WebhookNotifier posts updates to an HTTP endpoint.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, update Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("notify.http_error", "prescription_id", update.PrescriptionID, "error", err)
		return fmt.Errorf("notification http error: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("notify.rejected",
			"prescription_id", update.PrescriptionID, "status_code", resp.StatusCode)
		return fmt.Errorf("notification status %d", resp.StatusCode)
	}

	n.logger.Info("notify.delivered",
		"prescription_id", update.PrescriptionID, "status", update.Status)
	return nil
}

// LogNotifier is the fallback when no webhook is configured: updates land in
// the structured log only.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, update Update) error {
	n.logger.Info("notify.status_update",
		"prescription_id", update.PrescriptionID,
		"status", update.Status,
		"reason", update.Reason)
	return nil
}
