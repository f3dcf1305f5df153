// Package health summarizes the fleet's operational state for the
// control API and the engine's cycle loop.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
	"fleet-trader/internal/risk"
)

// Status is the overall system health.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusOperational  Status = "OPERATIONAL"
	StatusDegraded     Status = "DEGRADED"
	StatusCritical     Status = "CRITICAL_ERROR"
)

const storePingTimeout = 3 * time.Second

// RiskSource reports the governor's current state.
type RiskSource interface {
	State() risk.State
}

// QueueSource reports pending batch depth.
type QueueSource interface {
	QueueSize() int
}

// StoreChecker pings the persistence layer.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// AccountSummary counts reachable accounts and carries per-account status.
type AccountSummary struct {
	Total     int               `json:"total"`
	Reachable int               `json:"reachable"`
	Detail    map[string]string `json:"detail"`
}

// Report is one health check result.
type Report struct {
	Timestamp      time.Time         `json:"timestamp"`
	Status         Status            `json:"status"`
	UptimeSec      float64           `json:"uptime_seconds"`
	Accounts       AccountSummary    `json:"accounts"`
	Breakers       map[string]string `json:"breakers"`
	RiskState      string            `json:"risk_state"`
	QueueDepth     int               `json:"queue_depth"`
	StoreConnected bool              `json:"store_connected"`
	Notes          []string          `json:"notes,omitempty"`
}

// Monitor runs periodic health checks across the fleet's components.
type Monitor struct {
	registry *accounts.Registry
	breakers []*circuit.Breaker
	riskSrc  RiskSource
	queue    QueueSource
	store    StoreChecker
	bus      *events.EventBus
	logger   zerolog.Logger
	started  time.Time

	mu   sync.RWMutex
	last Report
}

// NewMonitor creates a health monitor. The persistence check is optional
// and wired separately with SetStore.
func NewMonitor(registry *accounts.Registry, breakers []*circuit.Breaker, riskSrc RiskSource, queue QueueSource, bus *events.EventBus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		breakers: breakers,
		riskSrc:  riskSrc,
		queue:    queue,
		bus:      bus,
		logger:   logger.With().Str("component", "health").Logger(),
		started:  time.Now(),
		last:     Report{Status: StatusInitializing},
	}
}

// SetStore wires the persistence ping.
func (m *Monitor) SetStore(store StoreChecker) {
	m.store = store
}

// Check gathers component states and derives the overall status.
// Accounts in ERROR count as unreachable; BLOCKED accounts are reachable
// but cannot trade, so they are noted without degrading connectivity.
func (m *Monitor) Check(ctx context.Context) Report {
	report := Report{
		Timestamp: time.Now(),
		UptimeSec: time.Since(m.started).Seconds(),
		Breakers:  make(map[string]string),
	}

	snaps := m.registry.ListAccounts()
	report.Accounts = AccountSummary{
		Total:  len(snaps),
		Detail: make(map[string]string, len(snaps)),
	}
	for _, snap := range snaps {
		report.Accounts.Detail[snap.Name] = string(snap.Status)
		switch snap.Status {
		case accounts.StatusError:
			report.Notes = append(report.Notes, fmt.Sprintf("account %s unreachable: %s", snap.Name, snap.LastError))
		case accounts.StatusBlocked:
			report.Accounts.Reachable++
			report.Notes = append(report.Notes, fmt.Sprintf("account %s blocked from trading", snap.Name))
		default:
			report.Accounts.Reachable++
		}
	}

	anyOpen := false
	for _, b := range m.breakers {
		state := b.State()
		report.Breakers[b.Domain()] = string(state)
		if state == circuit.StateOpen {
			anyOpen = true
			report.Notes = append(report.Notes, fmt.Sprintf("%s breaker open", b.Domain()))
		}
	}

	riskState := m.riskSrc.State()
	report.RiskState = string(riskState)
	report.QueueDepth = m.queue.QueueSize()

	report.StoreConnected = true
	if m.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		if err := m.store.HealthCheck(pingCtx); err != nil {
			report.StoreConnected = false
			report.Notes = append(report.Notes, fmt.Sprintf("persistence unreachable: %v", err))
		}
		cancel()
	}

	switch {
	case report.Accounts.Reachable == 0 || riskState == risk.StateEmergencyStopped:
		report.Status = StatusCritical
	case report.Accounts.Reachable < report.Accounts.Total ||
		anyOpen ||
		riskState == risk.StateDegraded ||
		!report.StoreConnected:
		report.Status = StatusDegraded
	default:
		report.Status = StatusOperational
	}

	m.record(report)
	return report
}

// record stores the report and logs on status change.
func (m *Monitor) record(report Report) {
	m.mu.Lock()
	prev := m.last.Status
	m.last = report
	m.mu.Unlock()

	metrics.SetHealthStatus(string(report.Status))
	if prev == report.Status {
		m.logger.Debug().Str("status", string(report.Status)).Msg("health check")
		return
	}

	evt := m.logger.Info()
	if report.Status == StatusDegraded {
		evt = m.logger.Warn()
	} else if report.Status == StatusCritical {
		evt = m.logger.Error()
	}
	evt.Str("from", string(prev)).
		Str("to", string(report.Status)).
		Strs("notes", report.Notes).
		Msg("health status changed")

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventHealthChange,
			Timestamp: report.Timestamp,
			Data: map[string]interface{}{
				"from":  string(prev),
				"to":    string(report.Status),
				"notes": report.Notes,
			},
		})
	}
}

// Last returns the most recent report without running a new check.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
