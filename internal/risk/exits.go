package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
)

// Exit rules, recorded as the batch reason prefix and journaled with the
// fills they cause.
const (
	ExitStopLoss     = "STOP_LOSS"
	ExitTakeProfit   = "TAKE_PROFIT"
	ExitTrailingStop = "TRAILING_STOP"
)

// ExitConfig carries the sweep thresholds. All values are fractions of
// position value; a zero threshold disables its rule.
type ExitConfig struct {
	StopLossPct           float64
	TakeProfitPct         float64
	TrailingStopPct       float64 // distance below the high-water mark
	TrailingActivationPct float64 // profit that arms the trail
}

// ExitQueue is the coordinator surface the sweep feeds.
type ExitQueue interface {
	Enqueue(b *batch.BatchOrder) error
}

// trailMark is the per-position trailing state. The high-water mark only
// ratchets up; the trail arms once and stays armed for the position's life.
type trailMark struct {
	high  float64
	armed bool
}

// ExitMonitor closes positions that breach the stop-loss, take-profit or
// trailing-stop thresholds. Each cycle's sweep reads the cached snapshots,
// groups triggered accounts per symbol and rule, and queues one sell batch
// per group so the fleet exits together. Exits are plain sells: they pass
// the admission gate even while entries are halted.
type ExitMonitor struct {
	cfg      ExitConfig
	registry *accounts.Registry
	queue    ExitQueue
	bus      *events.EventBus
	logger   zerolog.Logger

	mu    sync.Mutex
	marks map[string]*trailMark // account/symbol
}

// NewExitMonitor builds the sweep. It is inert when every threshold is zero.
func NewExitMonitor(cfg ExitConfig, registry *accounts.Registry, queue ExitQueue, bus *events.EventBus, logger zerolog.Logger) *ExitMonitor {
	return &ExitMonitor{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		bus:      bus,
		logger:   logger.With().Str("component", "exits").Logger(),
		marks:    make(map[string]*trailMark),
	}
}

// Enabled reports whether any exit rule is configured.
func (m *ExitMonitor) Enabled() bool {
	return m.cfg.StopLossPct > 0 || m.cfg.TakeProfitPct > 0 || m.cfg.TrailingStopPct > 0
}

type exitTrigger struct {
	account string
	qty     int
	plPct   float64
}

// Sweep walks every active account's positions once and queues exit batches
// for the breaches it finds. It works entirely from the snapshots refreshed
// at the top of the cycle, so it performs no broker I/O. Returns the number
// of batches queued.
func (m *ExitMonitor) Sweep() int {
	if !m.Enabled() {
		return 0
	}

	m.mu.Lock()
	type groupKey struct{ symbol, rule string }
	groups := make(map[groupKey][]exitTrigger)
	seen := make(map[string]bool)

	for _, snap := range m.registry.ListAccounts() {
		if snap.Status != accounts.StatusActive {
			continue
		}
		for _, pos := range snap.Positions {
			qty := int(pos.Qty)
			if qty <= 0 || pos.MarketValue <= 0 {
				continue
			}
			key := snap.Name + "/" + pos.Symbol
			seen[key] = true

			plFrac := pos.UnrealizedPnL / pos.MarketValue
			price := pos.MarketValue / pos.Qty

			rule := m.evaluate(key, plFrac, price)
			if rule == "" {
				continue
			}
			gk := groupKey{pos.Symbol, rule}
			groups[gk] = append(groups[gk], exitTrigger{snap.Name, qty, plFrac * 100})
		}
	}

	// Positions that are gone take their trailing state with them.
	for key := range m.marks {
		if !seen[key] {
			delete(m.marks, key)
		}
	}
	m.mu.Unlock()

	queued := 0
	for gk, triggers := range groups {
		quantities := make(map[string]int, len(triggers))
		worst := triggers[0].plPct
		for _, t := range triggers {
			quantities[t.account] = t.qty
			if math.Abs(t.plPct) > math.Abs(worst) {
				worst = t.plPct
			}
		}

		b := &batch.BatchOrder{
			Symbol:     gk.symbol,
			Action:     broker.SideSell,
			Quantities: quantities,
			Priority:   1,
			Reason:     fmt.Sprintf("%s (%.1f%%)", gk.rule, worst),
		}
		if err := m.queue.Enqueue(b); err != nil {
			m.logger.Error().Err(err).Str("symbol", gk.symbol).Str("rule", gk.rule).
				Msg("exit batch rejected")
			continue
		}
		queued++

		metrics.PositionExits.WithLabelValues(gk.rule).Inc()
		m.logger.Info().Str("symbol", gk.symbol).Str("rule", gk.rule).
			Int("accounts", len(quantities)).Float64("pl_pct", worst).
			Msg("position exit queued")
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:      events.EventPositionExit,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"symbol":   gk.symbol,
					"rule":     gk.rule,
					"accounts": len(quantities),
					"pl_pct":   worst,
				},
			})
		}
	}
	return queued
}

// evaluate decides which rule, if any, a position breaches. The fixed
// thresholds win over the trail so the reason names the harder limit.
// Caller holds m.mu.
func (m *ExitMonitor) evaluate(key string, plFrac, price float64) string {
	if m.cfg.StopLossPct > 0 && plFrac < -m.cfg.StopLossPct {
		return ExitStopLoss
	}
	if m.cfg.TakeProfitPct > 0 && plFrac > m.cfg.TakeProfitPct {
		return ExitTakeProfit
	}
	if m.cfg.TrailingStopPct > 0 {
		return m.trail(key, plFrac, price)
	}
	return ""
}

// trail updates the position's high-water mark and reports a trigger once
// the price falls the configured distance from it. The trail only arms
// after the position has been in profit past the activation threshold, so
// a fresh position cannot be stopped out by entry noise.
func (m *ExitMonitor) trail(key string, plFrac, price float64) string {
	mk := m.marks[key]
	if mk == nil {
		mk = &trailMark{high: price}
		m.marks[key] = mk
	}
	if price > mk.high {
		mk.high = price
	}

	if !mk.armed {
		if plFrac >= m.cfg.TrailingActivationPct {
			mk.armed = true
			m.logger.Debug().Str("position", key).Float64("high", mk.high).
				Msg("trailing stop armed")
		}
		return ""
	}

	stop := mk.high * (1 - m.cfg.TrailingStopPct)
	if price <= stop {
		return ExitTrailingStop
	}
	return ""
}

// Tracked reports how many positions currently carry trailing state.
func (m *ExitMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}
