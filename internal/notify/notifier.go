// Package notify delivers human-readable sweep summaries to external sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/reconciler"
)

// LogNotifier writes sweep summaries to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

var _ reconciler.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SweepCompleted(ctx context.Context, summary reconciler.Summary) {
	n.logger.Info("credential sweep summary",
		zap.Int("batches", summary.BatchesSeen),
		zap.Int("credentials", summary.Credentials),
		zap.Int("refreshed", summary.Refreshed),
		zap.Int("failed", summary.Failed),
		zap.Int("pruned", summary.Pruned),
		zap.Duration("elapsed", summary.Elapsed),
	)
}

// WebhookNotifier additionally posts the summary to an external endpoint,
// best effort.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	fallback   *LogNotifier
}

var _ reconciler.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url string, client *http.Client, logger *zap.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, httpClient: client, fallback: NewLogNotifier(logger)}
}

func (n *WebhookNotifier) SweepCompleted(ctx context.Context, summary reconciler.Summary) {
	n.fallback.SweepCompleted(ctx, summary)

	payload, err := json.Marshal(map[string]any{
		"text": fmt.Sprintf("credential sweep: %d batches, %d credentials, %d refreshed, %d failed, %d pruned in %s",
			summary.BatchesSeen, summary.Credentials, summary.Refreshed, summary.Failed, summary.Pruned, summary.Elapsed.Round(time.Millisecond)),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.fallback.logger.Warn("sweep webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}
