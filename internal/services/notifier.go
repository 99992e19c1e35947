package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/reflectapp/insightd/internal/batch"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
)

// Notifier reports batch run summaries to an external channel. Notification
// is fire-and-forget; a delivery failure never affects the run result.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, runID string, res *batch.Result)
}

// NopNotifier is used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyRunCompleted(context.Context, string, *batch.Result) {}

// WebhookNotifier posts run summaries as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logger.With("notify"),
	}
}

func (n *WebhookNotifier) NotifyRunCompleted(ctx context.Context, runID string, res *batch.Result) {
	payload := map[string]interface{}{
		"run_id":  runID,
		"summary": res,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn().Err(err).Msg("marshal notification failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn().Err(err).Msg("build notification request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("run_id", runID).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn().Int("status", resp.StatusCode).Str("run_id", runID).Msg("notification rejected")
	}
}
