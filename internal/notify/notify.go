// Package notify implements the best-effort alert egress (A5): a webhook
// sink with retry and rate limiting, falling back to structured logging
// when unconfigured or persistently failing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink delivers an operator-facing alert. Implementations must not block
// callers for longer than their own internal timeout.
type Sink interface {
	Notify(severity, message string)
}

var severityEmoji = map[string]string{
	"CRITICAL": "\U0001F6A8",
	"ERROR":    "❌",
	"WARNING":  "⚠️",
	"INFO":     "ℹ️",
	"SUCCESS":  "✅",
	"TRADE":    "\U0001F4B0",
	"SYSTEM":   "⚙️",
}

const (
	minSendInterval = 1 * time.Second
	sendTimeout     = 5 * time.Second
	maxRetries      = 3
)

// WebhookSink posts alerts to a JSON webhook (Slack/Telegram-compatible
// payload shape), rate limited to one send per second with exponential
// backoff on failure.
type WebhookSink struct {
	logger     *zap.Logger
	url        string
	label      string
	httpClient *http.Client

	mu       sync.Mutex
	lastSend time.Time
}

// NewWebhookSink constructs a sink that posts to url. An empty url degrades
// every Notify call to a log line.
func NewWebhookSink(logger *zap.Logger, url, label string) *WebhookSink {
	return &WebhookSink{
		logger:     logger,
		url:        url,
		label:      label,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// Notify sends message with severity prefixed, enforcing the minimum
// send interval and retrying transient failures. Never configured or
// never successful, it logs instead of blocking the caller.
func (w *WebhookSink) Notify(severity, message string) {
	if w.url == "" {
		w.logFallback(severity, message)
		return
	}

	emoji := severityEmoji[severity]
	if emoji == "" {
		emoji = "\U0001F4E2"
	}
	full := fmt.Sprintf("%s *%s*\n%s", emoji, w.label, message)

	w.throttle()

	body, err := json.Marshal(webhookPayload{Text: full})
	if err != nil {
		w.logger.Error("notify: failed to encode payload", zap.Error(err))
		return
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if w.attempt(body) {
			return
		}
		if attempt < maxRetries-1 {
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	w.logger.Error("notify: webhook delivery failed after retries", zap.Int("attempts", maxRetries))
	w.logFallback(severity, message)
}

func (w *WebhookSink) attempt(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("notify: webhook send error", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (w *WebhookSink) throttle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := time.Since(w.lastSend)
	if elapsed < minSendInterval {
		time.Sleep(minSendInterval - elapsed)
	}
	w.lastSend = time.Now()
}

func (w *WebhookSink) logFallback(severity, message string) {
	switch severity {
	case "CRITICAL", "ERROR":
		w.logger.Error("alert", zap.String("severity", severity), zap.String("message", message))
	case "WARNING":
		w.logger.Warn("alert", zap.String("severity", severity), zap.String("message", message))
	default:
		w.logger.Info("alert", zap.String("severity", severity), zap.String("message", message))
	}
}

// LogSink is a Sink that only logs, used when no webhook is configured at
// all and we want to avoid constructing an unreachable WebhookSink.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a log-only Sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the alert at a severity-appropriate level.
func (s *LogSink) Notify(severity, message string) {
	switch severity {
	case "CRITICAL", "ERROR":
		s.logger.Error("alert", zap.String("severity", severity), zap.String("message", message))
	case "WARNING":
		s.logger.Warn("alert", zap.String("severity", severity), zap.String("message", message))
	default:
		s.logger.Info("alert", zap.String("severity", severity), zap.String("message", message))
	}
}
