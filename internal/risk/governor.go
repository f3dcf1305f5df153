// Package risk is the fleet's trading governor. It watches realized
// performance, error pressure and the trading breaker, and walks a
// NORMAL / DEGRADED / EMERGENCY_STOPPED state machine. An emergency stop
// flattens every account through the batch coordinator and stays latched
// until an operator resets it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/database"
	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
)

// State is the governor's trading posture.
type State string

const (
	StateNormal           State = "NORMAL"
	StateDegraded         State = "DEGRADED"
	StateEmergencyStopped State = "EMERGENCY_STOPPED"
)

// ErrTradingHalted rejects new entries while the governor has trading off.
var ErrTradingHalted = errors.New("risk: trading halted")

// Config carries the governor's limits.
type Config struct {
	MaxDailyLoss         float64 // fraction of day-start equity
	MaxConsecutiveLosses int
	MaxErrorCount        int
}

// Liquidator is the coordinator surface used to flatten the fleet.
type Liquidator interface {
	ClearQueue() int
	EnqueueAll(batches []*batch.BatchOrder) int
}

// EmergencyStore persists emergency-stop records.
type EmergencyStore interface {
	SaveEmergencyEvent(ctx context.Context, row *database.EmergencyEventRow) error
}

// Notifier delivers operator alerts. Implementations must not block.
type Notifier interface {
	Notify(title, message, severity string)
}

// Narrower reduces position sizing while the governor is DEGRADED.
type Narrower interface {
	LowerRiskAdjustment() float64
}

// DayTradeSource reports whether any account still has day trades left.
type DayTradeSource interface {
	CanTradeAny(ctx context.Context) bool
}

// Governor owns the risk state machine. All transitions happen inside
// Evaluate or ForceStop under one mutex, so the state has a single writer.
type Governor struct {
	cfg            Config
	registry       *accounts.Registry
	coordinator    Liquidator
	tradingBreaker *circuit.Breaker
	bus            *events.EventBus
	logger         zerolog.Logger

	store     EmergencyStore
	notifier  Notifier
	narrower  Narrower
	dayTrades DayTradeSource

	mu                sync.Mutex
	state             State
	tradingEnabled    bool
	tripReason        string
	tripDetails       string
	trippedAt         time.Time
	consecutiveLosses int
	errorCount        int
	dayStart          time.Time
	dayStartEquity    float64
	dailyPnLPct       float64

	onTrip  func(reason string)
	onReset func()
}

// NewGovernor builds a governor in NORMAL state with trading enabled.
func NewGovernor(cfg Config, registry *accounts.Registry, coordinator Liquidator, tradingBreaker *circuit.Breaker, bus *events.EventBus, logger zerolog.Logger) *Governor {
	if cfg.MaxDailyLoss <= 0 {
		cfg.MaxDailyLoss = 0.03
	}
	if cfg.MaxConsecutiveLosses <= 0 {
		cfg.MaxConsecutiveLosses = 5
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = 10
	}
	return &Governor{
		cfg:            cfg,
		registry:       registry,
		coordinator:    coordinator,
		tradingBreaker: tradingBreaker,
		bus:            bus,
		logger:         logger.With().Str("component", "risk").Logger(),
		state:          StateNormal,
		tradingEnabled: true,
	}
}

// SetEmergencyStore wires the persisted emergency log.
func (g *Governor) SetEmergencyStore(s EmergencyStore) { g.store = s }

// SetNotifier wires operator alerts.
func (g *Governor) SetNotifier(n Notifier) { g.notifier = n }

// SetNarrower wires the sizer so DEGRADED can shrink position sizing.
func (g *Governor) SetNarrower(n Narrower) { g.narrower = n }

// SetDayTradeSource wires the PDT guard for fleet-exhaustion detection.
func (g *Governor) SetDayTradeSource(d DayTradeSource) { g.dayTrades = d }

// OnTrip registers a callback fired when the governor emergency-stops.
func (g *Governor) OnTrip(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTrip = fn
}

// OnReset registers a callback fired on operator reset.
func (g *Governor) OnReset(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onReset = fn
}

// State returns the current posture.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// TradingEnabled reports whether new entries are allowed.
func (g *Governor) TradingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradingEnabled
}

// AllowBatch is the coordinator's admission gate. Liquidations always pass;
// buys are rejected once trading is off. Sells pass so positions can still
// be unwound by hand while halted.
func (g *Governor) AllowBatch(b *batch.BatchOrder) error {
	if b.Liquidation {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tradingEnabled && b.Action == broker.SideBuy {
		return fmt.Errorf("%w: %s", ErrTradingHalted, g.tripReason)
	}
	return nil
}

// RecordTrade feeds one realized round-trip return into the loss streak.
// The journal's round-trip callback lands here.
func (g *Governor) RecordTrade(returnPct float64) {
	if math.IsNaN(returnPct) || math.IsInf(returnPct, 0) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if returnPct < 0 {
		g.consecutiveLosses++
		g.logger.Debug().Int("consecutive_losses", g.consecutiveLosses).
			Float64("return_pct", returnPct).Msg("losing round trip recorded")
	} else {
		g.consecutiveLosses = 0
	}
}

// RecordError counts one cycle-level failure toward the emergency ceiling.
func (g *Governor) RecordError(source string, err error) {
	g.mu.Lock()
	g.errorCount++
	count := g.errorCount
	g.mu.Unlock()

	g.logger.Warn().Str("source", source).Int("error_count", count).Err(err).Msg("error recorded")
	if g.bus != nil {
		g.bus.PublishError(source, "cycle error", err)
	}
}

// RecordCycleSuccess clears the consecutive-error counter.
func (g *Governor) RecordCycleSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errorCount = 0
}

// Evaluate runs all emergency and degradation checks and returns the
// resulting state. The engine calls it once per cycle and after breaker
// transitions. EMERGENCY_STOPPED is terminal here; only ForceReset leaves it.
func (g *Governor) Evaluate(ctx context.Context) State {
	// The PDT probe hits broker order history, so it runs before the state
	// lock is taken.
	dayTradesExhausted := false
	if g.dayTrades != nil && g.State() != StateEmergencyStopped {
		dayTradesExhausted = !g.dayTrades.CanTradeAny(ctx)
	}

	g.mu.Lock()
	if g.state == StateEmergencyStopped {
		g.mu.Unlock()
		return StateEmergencyStopped
	}

	equity := g.registry.TotalEquity()
	g.rollDayLocked(equity)

	dailyLoss := 0.0
	if g.dayStartEquity > 0 && equity > 0 {
		dailyLoss = equity/g.dayStartEquity - 1
	}
	g.dailyPnLPct = dailyLoss * 100
	metrics.DailyPnL.Set(equity - g.dayStartEquity)

	trip := ""
	metric := ""
	value := 0.0
	switch {
	case dailyLoss < -g.cfg.MaxDailyLoss:
		trip = "DAILY_LOSS_LIMIT"
		metric = "daily_loss_pct"
		value = dailyLoss * 100
	case g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses:
		trip = "CONSECUTIVE_LOSSES"
		metric = "consecutive_losses"
		value = float64(g.consecutiveLosses)
	case g.tradingBreaker != nil && g.tradingBreaker.State() == circuit.StateOpen:
		trip = "CIRCUIT_BREAKER_OPEN"
		metric = "breaker_state"
		value = 1
	case g.errorCount >= g.cfg.MaxErrorCount:
		trip = "HIGH_ERROR_COUNT"
		metric = "error_count"
		value = float64(g.errorCount)
	}

	if trip != "" {
		details := fmt.Sprintf("%s=%.2f", metric, value)
		g.tripLocked(ctx, trip, details, metric, value)
		g.mu.Unlock()
		return StateEmergencyStopped
	}

	degraded, why := g.degradedLocked(dayTradesExhausted)
	prev := g.state
	if degraded {
		g.state = StateDegraded
	} else {
		g.state = StateNormal
	}
	next := g.state
	g.mu.Unlock()

	if next != prev {
		g.logger.Warn().Str("from", string(prev)).Str("to", string(next)).Str("reason", why).Msg("risk state changed")
		metrics.SetRiskState(string(next))
		if g.bus != nil {
			g.bus.PublishRiskState(string(prev), string(next), why)
		}
		if next == StateDegraded && g.narrower != nil {
			adj := g.narrower.LowerRiskAdjustment()
			g.logger.Info().Float64("risk_adjustment", adj).Msg("position sizing narrowed")
		}
	}
	return next
}

// degradedLocked evaluates the warning-level conditions. Caller holds mu.
func (g *Governor) degradedLocked(dayTradesExhausted bool) (bool, string) {
	if g.cfg.MaxErrorCount > 1 && g.errorCount >= g.cfg.MaxErrorCount/2 {
		return true, fmt.Sprintf("elevated error count: %d", g.errorCount)
	}
	if dayTradesExhausted {
		return true, "day trades exhausted on every account"
	}
	return false, ""
}

// rollDayLocked re-baselines daily PnL at the first evaluation of each
// calendar day. Caller holds mu.
func (g *Governor) rollDayLocked(equity float64) {
	now := time.Now()
	y1, m1, d1 := g.dayStart.Date()
	y2, m2, d2 := now.Date()
	if g.dayStartEquity > 0 && y1 == y2 && m1 == m2 && d1 == d2 {
		return
	}
	if equity <= 0 {
		return
	}
	g.dayStart = now
	g.dayStartEquity = equity
	g.logger.Info().Float64("day_start_equity", equity).Msg("daily baseline set")
}

// ForceStop is the operator's manual emergency stop. An empty reason is
// recorded as MANUAL_STOP.
func (g *Governor) ForceStop(ctx context.Context, reason, details string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateEmergencyStopped {
		return
	}
	if reason == "" {
		reason = "MANUAL_STOP"
	}
	g.tripLocked(ctx, reason, details, "manual", 1)
}

// tripLocked executes the emergency stop. Caller holds mu; trading is
// disabled before the queue is touched so the admission gate is already
// rejecting entries while liquidations are queued.
func (g *Governor) tripLocked(ctx context.Context, reason, details, metric string, value float64) {
	prev := g.state
	g.state = StateEmergencyStopped
	g.tradingEnabled = false
	g.tripReason = reason
	g.tripDetails = details
	g.trippedAt = time.Now()

	g.logger.Error().
		Str("reason", reason).
		Str("details", details).
		Msg("EMERGENCY STOP activated")

	dropped := 0
	queued := 0
	if g.coordinator != nil {
		dropped = g.coordinator.ClearQueue()
		queued = g.coordinator.EnqueueAll(g.liquidationBatches(reason))
	}
	g.logger.Warn().Int("dropped_batches", dropped).Int("liquidation_batches", queued).Msg("fleet liquidation queued")

	metrics.SetRiskState(string(StateEmergencyStopped))
	if g.bus != nil {
		g.bus.PublishRiskState(string(prev), string(StateEmergencyStopped), reason)
		g.bus.PublishEmergencyStop(reason, metric, value)
	}
	if g.store != nil {
		row := &database.EmergencyEventRow{
			TriggeredAt: g.trippedAt,
			Reason:      fmt.Sprintf("%s: %s", reason, details),
			Metric:      metric,
			Value:       value,
		}
		if err := g.store.SaveEmergencyEvent(ctx, row); err != nil {
			g.logger.Error().Err(err).Msg("emergency event persist failed")
		}
	}
	if g.notifier != nil {
		g.notifier.Notify("EMERGENCY STOP",
			fmt.Sprintf("Reason: %s\n%s\nAll positions being closed", reason, details), "CRITICAL")
	}
	if g.onTrip != nil {
		go g.onTrip(reason)
	}
}

// liquidationBatches builds one market sell per held symbol covering every
// account's quantity. Price limits are never used here.
func (g *Governor) liquidationBatches(reason string) []*batch.BatchOrder {
	bySymbol := make(map[string]map[string]int)
	for _, name := range g.registry.Names() {
		for _, pos := range g.registry.Positions(name) {
			qty := int(pos.Qty)
			if qty <= 0 {
				continue
			}
			if bySymbol[pos.Symbol] == nil {
				bySymbol[pos.Symbol] = make(map[string]int)
			}
			bySymbol[pos.Symbol][name] = qty
		}
	}

	out := make([]*batch.BatchOrder, 0, len(bySymbol))
	for symbol, quantities := range bySymbol {
		out = append(out, &batch.BatchOrder{
			Symbol:      symbol,
			Action:      broker.SideSell,
			Quantities:  quantities,
			Priority:    0,
			Liquidation: true,
			Reason:      "EMERGENCY_STOP: " + reason,
		})
	}
	return out
}

// ForceReset is the operator's way out of EMERGENCY_STOPPED. Counters are
// cleared and trading re-enabled; the underlying breaker is reset too so a
// stale OPEN state does not re-trip on the next evaluation.
func (g *Governor) ForceReset() {
	g.mu.Lock()
	prev := g.state
	g.state = StateNormal
	g.tradingEnabled = true
	g.tripReason = ""
	g.tripDetails = ""
	g.consecutiveLosses = 0
	g.errorCount = 0
	g.mu.Unlock()

	if g.tradingBreaker != nil {
		g.tradingBreaker.Reset()
	}

	g.logger.Warn().Str("from", string(prev)).Msg("risk governor reset by operator")
	metrics.SetRiskState(string(StateNormal))
	if g.bus != nil {
		g.bus.PublishRiskState(string(prev), string(StateNormal), "operator reset")
	}
	if g.notifier != nil {
		g.notifier.Notify("Trading resumed", "Risk governor reset, trading re-enabled", "WARNING")
	}
	if g.onReset != nil {
		go g.onReset()
	}
}

// Stats returns the governor's counters for the status surface.
func (g *Governor) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]interface{}{
		"state":              string(g.state),
		"trading_enabled":    g.tradingEnabled,
		"consecutive_losses": g.consecutiveLosses,
		"error_count":        g.errorCount,
		"daily_pnl_pct":      g.dailyPnLPct,
		"day_start_equity":   g.dayStartEquity,
		"max_daily_loss":     g.cfg.MaxDailyLoss,
		"max_consec_losses":  g.cfg.MaxConsecutiveLosses,
		"max_error_count":    g.cfg.MaxErrorCount,
		"trip_reason":        g.tripReason,
		"trip_details":       g.tripDetails,
		"tripped_at":         g.trippedAt,
	}
}
