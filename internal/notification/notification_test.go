package notification

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSink struct {
	name    string
	enabled bool
	err     error

	mu   sync.Mutex
	sent []*Notification
}

func (c *captureSink) Send(n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func (c *captureSink) Name() string    { return c.name }
func (c *captureSink) IsEnabled() bool { return c.enabled }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestNotifyFansOutToEnabledSinks(t *testing.T) {
	active := &captureSink{name: "active", enabled: true}
	dormant := &captureSink{name: "dormant", enabled: false}

	m := NewManager(true, 0, zerolog.Nop())
	m.AddNotifier(active)
	m.AddNotifier(dormant)

	m.Notify("Batch execution failed", "SPY buy filled on only 1/3 accounts", "critical")
	m.Close()

	if active.count() != 1 {
		t.Fatalf("Expected 1 delivery to enabled sink, got %d", active.count())
	}
	if dormant.count() != 0 {
		t.Errorf("Expected 0 deliveries to disabled sink, got %d", dormant.count())
	}

	got := active.sent[0]
	if got.Severity != SeverityCritical {
		t.Errorf("Expected severity normalized to CRITICAL, got %q", got.Severity)
	}
	if got.Timestamp.IsZero() {
		t.Error("Expected timestamp to be stamped on dispatch")
	}
}

func TestNotifyNormalizesUnknownSeverity(t *testing.T) {
	sink := &captureSink{name: "sink", enabled: true}
	m := NewManager(true, 0, zerolog.Nop())
	m.AddNotifier(sink)

	m.Notify("Cycle report", "all accounts refreshed", "verbose")
	m.Close()

	if sink.count() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", sink.count())
	}
	if sink.sent[0].Severity != SeverityInfo {
		t.Errorf("Expected unknown severity to map to INFO, got %q", sink.sent[0].Severity)
	}
}

func TestCooldownSuppressesRepeatedTitles(t *testing.T) {
	sink := &captureSink{name: "sink", enabled: true}
	m := NewManager(true, time.Hour, zerolog.Nop())
	m.AddNotifier(sink)

	m.Notify("Partial batch execution", "first", "WARNING")
	m.Notify("Partial batch execution", "second", "WARNING")
	m.Notify("Portfolio rebalanced", "other title passes", "INFO")
	m.Close()

	if sink.count() != 2 {
		t.Fatalf("Expected repeated title suppressed (2 deliveries), got %d", sink.count())
	}
	for _, n := range sink.sent {
		if n.Title == "Partial batch execution" && n.Message == "second" {
			t.Error("Second alert with the same title should have been dropped")
		}
	}
}

func TestCriticalAlwaysSends(t *testing.T) {
	sink := &captureSink{name: "sink", enabled: true}
	m := NewManager(true, time.Hour, zerolog.Nop())
	m.AddNotifier(sink)

	m.Notify("EMERGENCY STOP", "Reason: DAILY_LOSS_LIMIT", "CRITICAL")
	m.Notify("EMERGENCY STOP", "Reason: CONSECUTIVE_LOSSES", "CRITICAL")
	m.Close()

	if sink.count() != 2 {
		t.Errorf("Expected CRITICAL to bypass the cooldown, got %d deliveries", sink.count())
	}
}

func TestDisabledManagerDropsEverything(t *testing.T) {
	sink := &captureSink{name: "sink", enabled: true}
	m := NewManager(false, 0, zerolog.Nop())
	m.AddNotifier(sink)

	m.Notify("EMERGENCY STOP", "should not be delivered", "CRITICAL")
	m.Close()

	if sink.count() != 0 {
		t.Errorf("Expected disabled manager to drop alerts, got %d deliveries", sink.count())
	}
}

func TestSlackNotifierPostsPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(raw, &body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#fleet-alerts"})
	if !s.IsEnabled() {
		t.Fatal("Expected notifier to be enabled")
	}

	err := s.Send(&Notification{
		Severity:  SeverityCritical,
		Title:     "EMERGENCY STOP",
		Message:   "Reason: DAILY_LOSS_LIMIT",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	text, _ := body["text"].(string)
	if !strings.Contains(text, "EMERGENCY STOP") || !strings.Contains(text, "DAILY_LOSS_LIMIT") {
		t.Errorf("Payload text missing title or message: %q", text)
	}
	if !strings.Contains(text, ":rotating_light:") {
		t.Errorf("Expected critical icon in payload, got %q", text)
	}
	if body["channel"] != "#fleet-alerts" {
		t.Errorf("Expected channel routed to #fleet-alerts, got %v", body["channel"])
	}
}

func TestSlackNotifier429SetsHold(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL})

	n := &Notification{Severity: SeverityWarning, Title: "Partial batch execution", Message: "m"}
	if err := s.Send(n); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected rate limit error from 429 response, got %v", err)
	}
	if err := s.Send(n); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected hold to reject the second send, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("Expected the hold to skip the webhook entirely, got %d requests", hits)
	}
}

func TestSlackNotifierRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL})
	err := s.Send(&Notification{Severity: SeverityInfo, Title: "t", Message: "m"})
	if err == nil {
		t.Error("Expected error for 500 response, got nil")
	}
}

func TestSlackNotifierDisabledWithoutURL(t *testing.T) {
	s := NewSlackNotifier(SlackConfig{Enabled: true})
	if s.IsEnabled() {
		t.Error("Expected notifier without a webhook URL to be disabled")
	}
}

func TestRetryAfterFallback(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"explicit seconds", "30", 30 * time.Second},
		{"missing header", "", time.Minute},
		{"garbage header", "soon", time.Minute},
		{"negative", "-5", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			if got := retryAfter(resp); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
