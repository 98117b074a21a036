package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookPayload is the JSON document posted to the configured callback URL.
type WebhookPayload struct {
	Status         string  `json:"status"`
	AlertID        string  `json:"alert_id"`
	AlertName      string  `json:"alert_name"`
	Owner          string  `json:"owner"`
	TriggerName    string  `json:"trigger_name"`
	SeriesIdentity string  `json:"series_identity"`
	FiredAt        int64   `json:"fired_at,omitempty"`
	Value          float64 `json:"value,omitempty"`
	Threshold      float64 `json:"threshold"`
}

// WebhookNotifier posts fire and clear notifications to a generic callback URL.
type WebhookNotifier struct {
	logger     *zap.Logger
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewWebhookNotifier creates a new callback notifier.
func NewWebhookNotifier(logger *zap.Logger, url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		logger:  logger.Named("webhook"),
		url:     url,
		headers: headers,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send posts a fire notification.
func (w *WebhookNotifier) Send(ctx context.Context, nctx *Context) error {
	return w.post(ctx, WebhookPayload{
		Status:         "triggered",
		AlertID:        nctx.Alert.ID,
		AlertName:      nctx.Alert.Name,
		Owner:          nctx.Alert.Owner,
		TriggerName:    nctx.Trigger.Name,
		SeriesIdentity: nctx.SeriesIdentity,
		FiredAt:        nctx.TriggerFiredTime,
		Value:          nctx.TriggerValue,
		Threshold:      nctx.Trigger.Threshold,
	})
}

// SendClear posts a clear notification.
func (w *WebhookNotifier) SendClear(ctx context.Context, nctx *Context) error {
	return w.post(ctx, WebhookPayload{
		Status:         "cleared",
		AlertID:        nctx.Alert.ID,
		AlertName:      nctx.Alert.Name,
		Owner:          nctx.Alert.Owner,
		TriggerName:    nctx.Trigger.Name,
		SeriesIdentity: nctx.SeriesIdentity,
		Threshold:      nctx.Trigger.Threshold,
	})
}

func (w *WebhookNotifier) post(ctx context.Context, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}

	w.logger.Info("Webhook notification delivered",
		zap.String("alert_id", payload.AlertID),
		zap.String("status", payload.Status))
	return nil
}
