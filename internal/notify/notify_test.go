package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWebhookSinkPostsToConfiguredURL(t *testing.T) {
	var hits int32
	var gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var payload webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotText = payload.Text
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(zap.NewNop(), server.URL, "testbot")
	sink.Notify("INFO", "hello world")

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly 1 webhook hit, got %d", hits)
	}
	if gotText == "" {
		t.Error("expected a non-empty posted message")
	}
}

func TestWebhookSinkThrottlesRapidSends(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(zap.NewNop(), server.URL, "testbot")
	start := time.Now()
	sink.Notify("INFO", "first")
	sink.Notify("INFO", "second")
	elapsed := time.Since(start)

	if elapsed < minSendInterval {
		t.Errorf("expected throttling to enforce at least %s between sends, took %s", minSendInterval, elapsed)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected both throttled sends to eventually land, got %d", hits)
	}
}

func TestWebhookSinkFallsBackToLoggingWithoutURL(t *testing.T) {
	sink := NewWebhookSink(zap.NewNop(), "", "testbot")
	// Should not panic or block; there is no webhook to fail against.
	sink.Notify("CRITICAL", "breaker tripped")
}

func TestLogSinkNeverPanics(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	for _, sev := range []string{"CRITICAL", "ERROR", "WARNING", "INFO", "SUCCESS", "TRADE", "SYSTEM", "UNKNOWN"} {
		sink.Notify(sev, "message for "+sev)
	}
}
