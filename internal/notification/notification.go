// Package notification delivers operational alerts to chat webhooks.
//
// Delivery is fire and forget: the Manager spawns a goroutine per dispatch
// so a slow or dead webhook never blocks the trading path. Repeated alerts
// with the same title are suppressed inside a cooldown window, except
// CRITICAL alerts which always go out.
package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/metrics"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// ErrRateLimited is returned by a sink while a webhook-imposed hold is active.
var ErrRateLimited = errors.New("notification: rate limited by webhook")

// Notification represents a single alert message.
type Notification struct {
	Severity  Severity
	Title     string
	Message   string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers.
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans alerts out to every enabled provider.
//
// The per-title cooldown opens when a send is attempted, not when it
// succeeds, so a flapping webhook cannot turn one alert into a storm.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	cooldown  time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	wg sync.WaitGroup
}

// NewManager creates a notification manager. A zero cooldown disables
// title suppression entirely.
func NewManager(enabled bool, cooldown time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		cooldown:  cooldown,
		logger:    logger.With().Str("component", "notification").Logger(),
		lastSent:  make(map[string]time.Time),
	}
}

// AddNotifier registers a provider. Wire sinks at startup, before the
// first dispatch.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify dispatches an alert asynchronously. Severity is matched
// case-insensitively against INFO, WARNING and CRITICAL; anything else
// is treated as INFO.
func (m *Manager) Notify(title, message, severity string) {
	sev := Severity(strings.ToUpper(severity))
	switch sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		sev = SeverityInfo
	}
	m.Dispatch(&Notification{
		Severity:  sev,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Dispatch applies the cooldown and hands the alert to every enabled
// provider in the background.
func (m *Manager) Dispatch(n *Notification) {
	if !m.enabled || len(m.notifiers) == 0 {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	m.mu.Lock()
	if m.cooldown > 0 && n.Severity != SeverityCritical {
		if last, ok := m.lastSent[n.Title]; ok && time.Since(last) < m.cooldown {
			m.mu.Unlock()
			metrics.NotificationsSuppressed.Inc()
			m.logger.Debug().Str("title", n.Title).Msg("alert suppressed inside cooldown")
			return
		}
	}
	m.lastSent[n.Title] = time.Now()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Send(n); err != nil {
			m.logger.Warn().Str("title", n.Title).Err(err).Msg("alert delivery failed")
			return
		}
		metrics.NotificationsSent.WithLabelValues(strings.ToLower(string(n.Severity))).Inc()
	}()
}

// Send delivers synchronously to all enabled providers and returns the
// last error encountered.
func (m *Manager) Send(notification *Notification) error {
	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// Close waits for in-flight deliveries to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

// SlackConfig holds Slack webhook settings.
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
}

// SlackNotifier sends notifications through a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	enabled    bool
	client     *http.Client

	mu        sync.Mutex
	holdUntil time.Time
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the notifier name.
func (s *SlackNotifier) Name() string {
	return "slack"
}

// IsEnabled returns whether the notifier is enabled.
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// Send posts the notification to the webhook. While a hold from a prior
// 429 response is active the alert is dropped with ErrRateLimited.
func (s *SlackNotifier) Send(notification *Notification) error {
	s.mu.Lock()
	held := time.Now().Before(s.holdUntil)
	s.mu.Unlock()
	if held {
		return ErrRateLimited
	}

	icon := ":information_source:"
	switch notification.Severity {
	case SeverityWarning:
		icon = ":warning:"
	case SeverityCritical:
		icon = ":rotating_light:"
	}

	payload := map[string]interface{}{
		"text":       fmt.Sprintf("%s *%s*\n%s", icon, notification.Title, notification.Message),
		"username":   "fleet-trader",
		"icon_emoji": ":robot_face:",
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: failed to marshal payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("slack: failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.holdFor(retryAfter(resp))
		return fmt.Errorf("slack: webhook returned 429: %w", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackNotifier) holdFor(d time.Duration) {
	s.mu.Lock()
	s.holdUntil = time.Now().Add(d)
	s.mu.Unlock()
}

// retryAfter reads the Retry-After header, falling back to one minute
// when it is absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
