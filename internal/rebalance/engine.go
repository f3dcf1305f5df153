// Package rebalance drifts the fleet's aggregate book back toward its
// target weights. It never trades on its own schedule alone: a rebalance
// needs both the minimum interval elapsed and at least one symbol actually
// out of band.
package rebalance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
)

// rebalancePriority sits below entry batches so signal-driven trades run
// first when both are queued.
const rebalancePriority = 2

// Config carries the rebalancer's gates and targets.
type Config struct {
	Enabled       bool
	Threshold     float64 // weight deviation that arms a rebalance
	MinInterval   time.Duration
	MinTradeValue float64            // per-account notional floor
	Targets       map[string]float64 // symbol -> target weight of equity
}

// Queuer is the coordinator surface the rebalancer submits through.
type Queuer interface {
	Enqueue(b *batch.BatchOrder) error
}

// PriceFunc returns the latest trade price for a symbol. The engine wires
// it through the data-domain circuit breaker.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// Notifier delivers operator alerts. Implementations must not block.
type Notifier interface {
	Notify(title, message, severity string)
}

// Engine checks weight drift and emits one batch per out-of-band symbol.
type Engine struct {
	cfg      Config
	registry *accounts.Registry
	queue    Queuer
	price    PriceFunc
	notifier Notifier
	bus      *events.EventBus
	logger   zerolog.Logger

	mu            sync.Mutex
	lastRebalance time.Time
}

// NewEngine builds a rebalancer. A zero lastRebalance allows an immediate
// first pass once the deviation gate arms.
func NewEngine(cfg Config, registry *accounts.Registry, queue Queuer, price PriceFunc, bus *events.EventBus, logger zerolog.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.05
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 4 * time.Hour
	}
	if cfg.MinTradeValue <= 0 {
		cfg.MinTradeValue = 100
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		price:    price,
		bus:      bus,
		logger:   logger.With().Str("component", "rebalance").Logger(),
	}
}

// SetNotifier wires operator alerts.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// LastRebalance returns when the last executed rebalance finished.
func (e *Engine) LastRebalance() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRebalance
}

// ShouldRebalance reports whether both gates are open: minimum interval
// elapsed and at least one target symbol's fleet weight out of band.
func (e *Engine) ShouldRebalance() bool {
	if !e.cfg.Enabled || len(e.cfg.Targets) == 0 {
		return false
	}

	e.mu.Lock()
	last := e.lastRebalance
	e.mu.Unlock()
	if !last.IsZero() && time.Since(last) < e.cfg.MinInterval {
		return false
	}

	equity := e.registry.TotalEquity()
	if equity <= 0 {
		return false
	}

	values := e.fleetValues()
	if len(values) == 0 {
		return false
	}

	for symbol, target := range e.cfg.Targets {
		weight := values[symbol] / equity
		deviation := weight - target
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > e.cfg.Threshold {
			e.logger.Debug().
				Str("symbol", symbol).
				Float64("weight", weight).
				Float64("target", target).
				Msg("weight out of band")
			return true
		}
	}
	return false
}

// fleetValues aggregates per-symbol market value across all accounts.
func (e *Engine) fleetValues() map[string]float64 {
	out := make(map[string]float64)
	for _, name := range e.registry.Names() {
		for _, pos := range e.registry.Positions(name) {
			out[pos.Symbol] += pos.MarketValue
		}
	}
	return out
}

// Rebalance computes per-account deltas for every target symbol and queues
// one batch per symbol in the fleet's aggregate direction. Accounts whose
// drift opposes the fleet direction sit the round out and converge on a
// later pass. Returns the number of batches queued; lastRebalance advances
// only when that number is positive.
func (e *Engine) Rebalance(ctx context.Context) (int, error) {
	symbols := make([]string, 0, len(e.cfg.Targets))
	for symbol := range e.cfg.Targets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	queued := 0
	for _, symbol := range symbols {
		target := e.cfg.Targets[symbol]
		price, err := e.price(ctx, symbol)
		if err != nil || price <= 0 {
			e.logger.Warn().Str("symbol", symbol).Err(err).Msg("no price, skipping symbol")
			continue
		}

		buys, sells, fleetDelta := e.accountDeltas(ctx, symbol, target, price)

		var action broker.Side
		var quantities map[string]int
		if fleetDelta > 0 {
			action, quantities = broker.SideBuy, buys
		} else {
			action, quantities = broker.SideSell, sells
		}
		if len(quantities) == 0 {
			continue
		}

		b := &batch.BatchOrder{
			Symbol:     symbol,
			Action:     action,
			Quantities: quantities,
			RefPrice:   price,
			Priority:   rebalancePriority,
			Reason:     fmt.Sprintf("REBALANCE_%s target %.0f%%", action, target*100),
		}
		if err := e.queue.Enqueue(b); err != nil {
			e.logger.Warn().Str("symbol", symbol).Err(err).Msg("rebalance batch rejected")
			continue
		}
		queued++
	}

	if queued == 0 {
		e.logger.Info().Msg("no rebalancing trades required")
		return 0, nil
	}

	e.mu.Lock()
	e.lastRebalance = time.Now()
	e.mu.Unlock()

	metrics.RebalanceTrades.Add(float64(queued))
	e.logger.Info().Int("batches", queued).Msg("rebalance queued")
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type: events.EventRebalance,
			Data: map[string]interface{}{"batches": queued},
		})
	}
	if e.notifier != nil {
		e.notifier.Notify("Portfolio rebalanced",
			fmt.Sprintf("Queued %d rebalancing batches", queued), "INFO")
	}
	return queued, nil
}

// accountDeltas sizes each account's drift for one symbol. Sells are capped
// at the held quantity; accounts under the notional floor are skipped.
func (e *Engine) accountDeltas(ctx context.Context, symbol string, target, price float64) (buys, sells map[string]int, fleetDelta float64) {
	buys = make(map[string]int)
	sells = make(map[string]int)

	for _, name := range e.registry.Names() {
		acct, err := e.registry.GetBalance(ctx, name)
		if err != nil || acct.Equity <= 0 {
			continue
		}

		var held float64
		var current float64
		for _, pos := range e.registry.Positions(name) {
			if pos.Symbol == symbol {
				held = pos.Qty
				current = pos.MarketValue
				break
			}
		}

		delta := acct.Equity*target - current
		fleetDelta += delta
		if delta < e.cfg.MinTradeValue && delta > -e.cfg.MinTradeValue {
			continue
		}

		shares := int(delta / price)
		switch {
		case shares > 0:
			buys[name] = shares
		case shares < 0:
			sellQty := -shares
			if float64(sellQty) > held {
				sellQty = int(held)
			}
			if sellQty > 0 {
				sells[name] = sellQty
			}
		}
	}
	return buys, sells, fleetDelta
}
