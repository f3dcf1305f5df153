// Package engine drives the trading loop. Each cycle it turns strategy
// decisions into sized fleet batches, runs them through the risk gate and
// the batch coordinator, and keeps the governor fed with the outcome. One
// goroutine owns the loop; breaker callbacks, governor trips and the
// control API only nudge it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/config"
	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/daytrade"
	"fleet-trader/internal/events"
	"fleet-trader/internal/health"
	"fleet-trader/internal/journal"
	"fleet-trader/internal/metrics"
	"fleet-trader/internal/rebalance"
	"fleet-trader/internal/risk"
	"fleet-trader/internal/sizing"
)

const (
	defaultCycleInterval = 30 * time.Second
	defaultMaxEntries    = 2
	healthCheckInterval  = time.Minute
	nudgeEvalTimeout     = 10 * time.Second
	fillWriteTimeout     = 5 * time.Second
)

// Decision is one trading intent applied fleet wide. A buy opens or adds
// to a position on every eligible account; a sell closes the position on
// every account holding it. Confidence scales the sizing fraction, Limit
// nil means market. Quantity, when positive, mirrors that base quantity
// across the fleet through the coordinator's distribution policy instead
// of the sizer (the manual-trade path).
type Decision struct {
	Symbol     string
	Side       broker.Side
	Confidence float64
	Quantity   int
	Limit      *float64
	Reason     string
}

func (d Decision) validate() error {
	if d.Symbol == "" {
		return errors.New("engine: decision missing symbol")
	}
	if d.Side != broker.SideBuy && d.Side != broker.SideSell {
		return fmt.Errorf("engine: decision side %q invalid", d.Side)
	}
	if d.Confidence < 0 {
		return fmt.Errorf("engine: decision confidence %.2f negative", d.Confidence)
	}
	if d.Quantity < 0 {
		return fmt.Errorf("engine: decision quantity %d negative", d.Quantity)
	}
	return nil
}

// DecisionSource produces the decisions for one cycle. The engine does not
// generate signals itself; strategies plug in here.
type DecisionSource interface {
	Decisions(ctx context.Context) ([]Decision, error)
}

// DecisionFunc adapts a function to a DecisionSource.
type DecisionFunc func(ctx context.Context) ([]Decision, error)

func (f DecisionFunc) Decisions(ctx context.Context) ([]Decision, error) { return f(ctx) }

// Notifier is the alert sink.
type Notifier interface {
	Notify(title, message, severity string)
}

// Deps collects the engine's collaborators. Registry, Coordinator and
// Governor are required; everything else degrades gracefully when nil.
type Deps struct {
	Registry       *accounts.Registry
	Coordinator    *batch.Coordinator
	Governor       *risk.Governor
	Sizer          *sizing.Sizer
	DayTrades      *daytrade.Governor
	Journal        *journal.Journal
	Rebalancer     *rebalance.Engine
	Monitor        *health.Monitor
	Exits          *risk.ExitMonitor
	Source         DecisionSource
	Notifier       Notifier
	Bus            *events.EventBus
	TradingBreaker *circuit.Breaker
	DataBreaker    *circuit.Breaker
}

// Engine owns the cycle loop and the wiring between components.
type Engine struct {
	cfg     config.EngineConfig
	riskCfg config.RiskConfig

	registry       *accounts.Registry
	coordinator    *batch.Coordinator
	governor       *risk.Governor
	sizer          *sizing.Sizer
	dayTrades      *daytrade.Governor
	journal        *journal.Journal
	rebalancer     *rebalance.Engine
	monitor        *health.Monitor
	exits          *risk.ExitMonitor
	source         DecisionSource
	notifier       Notifier
	bus            *events.EventBus
	tradingBreaker *circuit.Breaker
	dataBreaker    *circuit.Breaker

	perf   *sizing.Performance
	logger zerolog.Logger

	evalCh   chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	streams  []*broker.Stream

	mu        sync.Mutex
	running   bool
	started   time.Time
	cycles    int64
	lastCycle time.Time
}

// New wires the engine into its collaborators. The admission gate, the
// round-trip feedback into the governor and the breaker nudge are all
// bound here so main only constructs and connects.
func New(cfg config.EngineConfig, riskCfg config.RiskConfig, d Deps, logger zerolog.Logger) (*Engine, error) {
	if d.Registry == nil || d.Coordinator == nil || d.Governor == nil {
		return nil, errors.New("engine: registry, coordinator and governor are required")
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = defaultCycleInterval
	}
	if cfg.MaxTradesPerCycle <= 0 {
		cfg.MaxTradesPerCycle = defaultMaxEntries
	}

	e := &Engine{
		cfg:            cfg,
		riskCfg:        riskCfg,
		registry:       d.Registry,
		coordinator:    d.Coordinator,
		governor:       d.Governor,
		sizer:          d.Sizer,
		dayTrades:      d.DayTrades,
		journal:        d.Journal,
		rebalancer:     d.Rebalancer,
		monitor:        d.Monitor,
		exits:          d.Exits,
		source:         d.Source,
		notifier:       d.Notifier,
		bus:            d.Bus,
		tradingBreaker: d.TradingBreaker,
		dataBreaker:    d.DataBreaker,
		perf:           sizing.NewPerformance(),
		logger:         logger.With().Str("component", "engine").Logger(),
		evalCh:         make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}

	e.coordinator.SetAdmission(e.governor.AllowBatch)
	if e.sizer != nil {
		e.governor.SetNarrower(e.sizer)
	}
	if e.dayTrades != nil {
		e.governor.SetDayTradeSource(e.dayTrades)
	}
	if e.notifier != nil {
		e.governor.SetNotifier(e.notifier)
		e.coordinator.SetNotifier(e.notifier)
		if e.rebalancer != nil {
			e.rebalancer.SetNotifier(e.notifier)
		}
	}

	// The breaker invokes this under its own mutex, so the callback must
	// not re-enter the governor. It nudges the loop and the loop evaluates.
	if e.tradingBreaker != nil {
		e.tradingBreaker.OnStateChange(func(string, circuit.State, circuit.State) {
			e.nudge()
		})
	}
	// Trip callbacks drain the freshly queued liquidations without waiting
	// for the next tick.
	e.governor.OnTrip(func(string) { e.nudge() })

	if e.journal != nil {
		e.journal.OnRoundTrip(func(account, symbol string, returnPct float64) {
			e.governor.RecordTrade(returnPct)
		})
	}

	return e, nil
}

// SetStreams attaches the per-account trade-update streams. They start and
// stop with the engine.
func (e *Engine) SetStreams(streams []*broker.Stream) { e.streams = streams }

func (e *Engine) nudge() {
	select {
	case e.evalCh <- struct{}{}:
	default:
	}
}

// Start launches the cycle loop and the trade-update streams.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.started = time.Now()
	e.mu.Unlock()

	for _, s := range e.streams {
		s.Start()
	}

	e.wg.Add(1)
	go e.run()

	names := e.registry.Names()
	e.logger.Info().
		Int("accounts", len(names)).
		Dur("cycle_interval", e.cfg.CycleInterval).
		Int("max_trades_per_cycle", e.cfg.MaxTradesPerCycle).
		Msg("engine started")
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventEngineStarted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"accounts":       len(names),
				"cycle_interval": e.cfg.CycleInterval.String(),
			},
		})
	}
	e.notify("Fleet trader started",
		fmt.Sprintf("%d accounts, cycle every %s", len(names), e.cfg.CycleInterval), "INFO")
}

// Shutdown stops the loop, drains whatever is still queued within ctx and
// stops the streams. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	wasRunning := e.running
	e.running = false
	cycles := e.cycles
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	if !wasRunning {
		return
	}

	if n, err := e.drain(ctx); err != nil {
		e.logger.Error().Err(err).Int("executed", n).Msg("shutdown drain incomplete")
	} else if n > 0 {
		e.logger.Info().Int("executed", n).Msg("queued batches drained on shutdown")
	}

	for _, s := range e.streams {
		s.Stop()
	}

	e.logger.Info().Int64("cycles", cycles).Msg("engine stopped")
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventEngineStopped,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"cycles": cycles},
		})
	}
	e.notify("Fleet trader stopped", fmt.Sprintf("%d cycles completed", cycles), "INFO")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.runScheduledCycle()
		case <-e.evalCh:
			e.evaluateNudge()
		case <-healthTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), nudgeEvalTimeout)
			e.checkHealth(ctx)
			cancel()
		}
	}
}

func (e *Engine) runScheduledCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CycleInterval)
	defer cancel()

	var decisions []Decision
	clean := true
	if e.source != nil {
		var err error
		decisions, err = e.source.Decisions(ctx)
		if err != nil {
			// The cycle still runs: refreshes, drains and risk checks do
			// not depend on fresh signals. It just does not count as
			// clean, so the error streak keeps accumulating.
			e.logger.Error().Err(err).Msg("decision source failed")
			e.governor.RecordError("decisions", err)
			decisions = nil
			clean = false
		}
	}

	if _, err := e.cycle(ctx, decisions, clean); err != nil {
		e.logger.Error().Err(err).Msg("trading cycle failed")
	}
}

// evaluateNudge runs a governor evaluation outside whichever lock the
// nudging callback held, then drains so a trip's liquidations execute
// before the next tick.
func (e *Engine) evaluateNudge() {
	ctx, cancel := context.WithTimeout(context.Background(), nudgeEvalTimeout)
	defer cancel()

	state := e.governor.Evaluate(ctx)
	if state == risk.StateEmergencyStopped || e.coordinator.QueueSize() > 0 {
		if _, err := e.drain(ctx); err != nil {
			e.logger.Error().Err(err).Msg("drain after risk nudge failed")
		}
	}
}

// RunCycle executes one full trading cycle: refresh the account snapshots,
// evaluate risk, enqueue sized batches for the given decisions, sweep held
// positions for stop-loss and take-profit exits, drain the queue, rebalance
// when due and fold the session statistics back into the governor and the
// sizer. It returns the number of batches executed.
func (e *Engine) RunCycle(ctx context.Context, decisions []Decision) (int, error) {
	return e.cycle(ctx, decisions, true)
}

func (e *Engine) cycle(ctx context.Context, decisions []Decision, clean bool) (int, error) {
	start := time.Now()

	e.registry.RefreshAll(ctx)

	state := e.governor.Evaluate(ctx)
	if state != risk.StateEmergencyStopped {
		e.enqueueDecisions(ctx, decisions)
		// Held positions are checked after the new decisions so exit
		// sells queue behind this cycle's entries, as one drain.
		if e.exits != nil {
			e.exits.Sweep()
		}
	}

	executed, execErr := e.drain(ctx)

	if execErr == nil && state != risk.StateEmergencyStopped &&
		e.rebalancer != nil && e.rebalancer.ShouldRebalance() {
		queued, err := e.rebalancer.Rebalance(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("rebalance failed")
			e.governor.RecordError("rebalance", err)
		} else if queued > 0 {
			n, err := e.drain(ctx)
			executed += n
			execErr = err
		}
	}

	e.updatePerformance()

	// Fills from this cycle may have tripped a limit; evaluating again
	// queues liquidations now instead of one interval late.
	if e.governor.Evaluate(ctx) == risk.StateEmergencyStopped && e.coordinator.QueueSize() > 0 {
		n, err := e.drain(ctx)
		executed += n
		if execErr == nil {
			execErr = err
		}
	}

	if e.monitor != nil {
		e.checkHealth(ctx)
	}

	e.mu.Lock()
	e.cycles++
	cycle := e.cycles
	e.lastCycle = time.Now()
	e.mu.Unlock()

	if execErr != nil || !clean {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return executed, execErr
	}

	e.governor.RecordCycleSuccess()
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	evt := e.logger.Debug()
	if executed > 0 {
		evt = e.logger.Info()
	}
	evt.Int64("cycle", cycle).Int("executed", executed).
		Dur("took", time.Since(start)).Msg("cycle complete")
	return executed, nil
}

// enqueueDecisions sizes and queues the cycle's decisions. Sells always
// pass; buys go through the entry gates and share the per-cycle budget.
func (e *Engine) enqueueDecisions(ctx context.Context, decisions []Decision) {
	if len(decisions) == 0 {
		return
	}

	canEnter := e.entriesAllowed(ctx)
	entries := 0

	for _, d := range decisions {
		if err := d.validate(); err != nil {
			e.logger.Warn().Err(err).Msg("decision dropped")
			continue
		}

		isEntry := d.Side == broker.SideBuy
		if isEntry {
			if !canEnter {
				e.logger.Debug().Str("symbol", d.Symbol).Msg("entry gates closed, decision skipped")
				continue
			}
			if entries >= e.cfg.MaxTradesPerCycle {
				e.logger.Debug().Str("symbol", d.Symbol).
					Int("max", e.cfg.MaxTradesPerCycle).Msg("entry budget for this cycle spent")
				continue
			}
		}

		price, err := e.decisionPrice(ctx, d)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", d.Symbol).Msg("no usable price, decision skipped")
			continue
		}

		quantities := e.sizeFleet(ctx, d, price)
		if len(quantities) == 0 {
			e.logger.Debug().Str("symbol", d.Symbol).Str("side", string(d.Side)).
				Msg("no account sized above zero, decision skipped")
			continue
		}

		b := &batch.BatchOrder{
			Symbol:     d.Symbol,
			Action:     d.Side,
			Quantities: quantities,
			PriceLimit: d.Limit,
			RefPrice:   price,
			Priority:   1,
			Reason:     d.Reason,
		}
		if err := e.coordinator.Enqueue(b); err != nil {
			if errors.Is(err, risk.ErrTradingHalted) {
				e.logger.Info().Str("symbol", d.Symbol).Msg("entry rejected, trading halted")
			} else {
				e.logger.Error().Err(err).Str("symbol", d.Symbol).Msg("enqueue failed")
			}
			continue
		}
		if isEntry {
			entries++
		}
	}
}

// entriesAllowed applies the fleet-wide entry gates: the pattern day trade
// budget and the total exposure cap.
func (e *Engine) entriesAllowed(ctx context.Context) bool {
	if e.dayTrades != nil && !e.dayTrades.CanTradeAny(ctx) {
		e.logger.Info().Msg("day trade budget exhausted on every account, holding positions")
		return false
	}
	if e.riskCfg.MaxTotalExposure > 0 {
		if used := e.exposure(); used >= e.riskCfg.MaxTotalExposure {
			e.logger.Info().Float64("exposure", used).
				Float64("limit", e.riskCfg.MaxTotalExposure).
				Msg("exposure cap reached, entries suspended")
			return false
		}
	}
	return true
}

// exposure is invested market value over fleet equity, from the cached
// snapshots refreshed at the top of the cycle.
func (e *Engine) exposure() float64 {
	equity := e.registry.TotalEquity()
	if equity <= 0 {
		return 0
	}
	var invested float64
	for _, snap := range e.registry.ListAccounts() {
		for _, p := range snap.Positions {
			invested += math.Abs(p.MarketValue)
		}
	}
	return invested / equity
}

// decisionPrice resolves the reference price for sizing: the decision's
// limit when set, otherwise the latest trade via the data breaker.
func (e *Engine) decisionPrice(ctx context.Context, d Decision) (float64, error) {
	if d.Limit != nil && *d.Limit > 0 {
		return *d.Limit, nil
	}

	primary := e.registry.GetClient(e.registry.PrimaryName())
	if primary == nil {
		return 0, errors.New("engine: no primary account for quotes")
	}

	var price float64
	call := func(ctx context.Context) error {
		p, err := primary.Client.GetLatestPrice(ctx, d.Symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	}

	var err error
	if e.dataBreaker != nil {
		err = e.dataBreaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("engine: price for %s: %w", d.Symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("engine: price for %s: got %.4f", d.Symbol, price)
	}
	return price, nil
}

// sizeFleet computes per-account quantities for one decision. Buys are
// sized by the Kelly sizer per account and skip accounts out of day
// trades; sells close the full position wherever one is held. A fixed
// Quantity takes the mirror path instead.
func (e *Engine) sizeFleet(ctx context.Context, d Decision, price float64) map[string]int {
	if d.Quantity > 0 {
		return e.mirrorFleet(ctx, d)
	}

	quantities := make(map[string]int)

	for _, snap := range e.registry.ListAccounts() {
		if snap.Status != accounts.StatusActive {
			continue
		}

		if d.Side == broker.SideSell {
			if held := positionQty(snap, d.Symbol); held > 0 {
				quantities[snap.Name] = held
			}
			continue
		}

		if e.dayTrades != nil && !e.dayTrades.Check(ctx, snap.Name) {
			e.logger.Debug().Str("account", snap.Name).Msg("day trade limit reached, account skipped")
			continue
		}

		shares := 0
		if e.sizer != nil {
			shares = e.sizer.ComputeSize(ctx, d.Symbol, price, d.Confidence, snap.Account, snap.Name)
		}
		if shares > 0 {
			quantities[snap.Name] = shares
		}
	}
	return quantities
}

// mirrorFleet applies a fixed base quantity across the fleet through the
// coordinator's distribution policy. Sells cap at the held position; buys
// keep the same per-account day-trade check as sized entries.
func (e *Engine) mirrorFleet(ctx context.Context, d Decision) map[string]int {
	quantities := e.coordinator.Distribute(ctx, d.Quantity)

	for _, snap := range e.registry.ListAccounts() {
		qty, ok := quantities[snap.Name]
		if !ok {
			continue
		}
		if snap.Status != accounts.StatusActive {
			delete(quantities, snap.Name)
			continue
		}
		if d.Side == broker.SideSell {
			held := positionQty(snap, d.Symbol)
			switch {
			case held <= 0:
				delete(quantities, snap.Name)
			case qty > held:
				quantities[snap.Name] = held
			}
			continue
		}
		if e.dayTrades != nil && !e.dayTrades.Check(ctx, snap.Name) {
			delete(quantities, snap.Name)
		}
	}
	return quantities
}

func positionQty(snap accounts.Snapshot, symbol string) int {
	for _, p := range snap.Positions {
		if p.Symbol == symbol {
			return int(math.Abs(p.Qty))
		}
	}
	return 0
}

// drain executes queued batches until the queue is empty or ctx expires.
// Failed batches are already logged and notified by the coordinator; only
// infrastructure errors stop the drain.
func (e *Engine) drain(ctx context.Context) (int, error) {
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			metrics.QueueDepth.Set(float64(e.coordinator.QueueSize()))
			return executed, fmt.Errorf("engine: drain interrupted: %w", err)
		}

		_, err := e.coordinator.ExecuteNext(ctx)
		if errors.Is(err, batch.ErrQueueEmpty) {
			metrics.QueueDepth.Set(0)
			return executed, nil
		}
		if err != nil {
			metrics.QueueDepth.Set(float64(e.coordinator.QueueSize()))
			e.governor.RecordError("batch", err)
			return executed, fmt.Errorf("engine: execute batch: %w", err)
		}
		executed++
		metrics.QueueDepth.Set(float64(e.coordinator.QueueSize()))
	}
}

// updatePerformance folds the current fleet equity into the session curve
// and lets the sizer react to the updated Sharpe.
func (e *Engine) updatePerformance() {
	equity := e.registry.TotalEquity()
	if equity <= 0 {
		return
	}
	m := e.perf.AddPortfolioValue(equity)
	if e.sizer != nil && m.Samples > 1 {
		e.sizer.EvaluateRisk(m.Sharpe)
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	report := e.monitor.Check(ctx)
	if report.Status == health.StatusCritical && e.governor.State() != risk.StateEmergencyStopped {
		e.governor.RecordError("health", fmt.Errorf("health critical: %s", strings.Join(report.Notes, "; ")))
	}
}

func (e *Engine) notify(title, message, severity string) {
	if e.notifier != nil {
		e.notifier.Notify(title, message, severity)
	}
}

// HandleFill journals a fill arriving on a trade-updates stream. It is the
// stream handler bound when streaming is enabled; in that mode the
// coordinator's submit-time sink stays unset so each fill is written once.
func (e *Engine) HandleFill(account string, fu broker.FillUpdate) {
	metrics.OrderFills.WithLabelValues(account).Inc()
	e.registry.RecordFill(account, fu)
	if e.bus != nil {
		e.bus.PublishOrderFilled(account, fu.OrderID, fu.Symbol, string(fu.Side), fu.Qty, fu.Price)
	}
	if e.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fillWriteTimeout)
	defer cancel()
	err := e.journal.LogFill(ctx, journal.Entry{
		ExecutedAt: fu.Timestamp,
		Account:    account,
		Symbol:     fu.Symbol,
		Action:     fu.Side,
		Shares:     fu.Qty,
		Price:      fu.Price,
		Reason:     "stream",
		OrderID:    fu.OrderID,
	})
	if err != nil {
		e.logger.Error().Str("account", account).Str("order_id", fu.OrderID).
			Err(err).Msg("stream fill journal write failed")
	}
}

// Status reports the live state served by the control API.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	running := e.running
	started := e.started
	cycles := e.cycles
	last := e.lastCycle
	e.mu.Unlock()

	status := map[string]interface{}{
		"running":      running,
		"cycles":       cycles,
		"accounts":     len(e.registry.Names()),
		"total_equity": e.registry.TotalEquity(),
		"queue_depth":  e.coordinator.QueueSize(),
		"risk":         e.governor.Stats(),
		"batch":        e.coordinator.Stats(),
		"performance":  e.perf.Metrics(),
	}
	if running {
		status["uptime_sec"] = int64(time.Since(started).Seconds())
	}
	if !last.IsZero() {
		status["last_cycle"] = last.UTC().Format(time.RFC3339)
	}

	breakers := map[string]string{}
	if e.tradingBreaker != nil {
		breakers["trading"] = string(e.tradingBreaker.State())
	}
	if e.dataBreaker != nil {
		breakers["data"] = string(e.dataBreaker.State())
	}
	if len(breakers) > 0 {
		status["breakers"] = breakers
	}
	return status
}

// EmergencyStop trips the governor on the operator's behalf. The queued
// liquidations execute on the loop's next nudge, not in this call.
func (e *Engine) EmergencyStop(ctx context.Context, reason, details string) error {
	e.governor.ForceStop(ctx, reason, details)
	e.nudge()
	return nil
}

// EmergencyReset re-arms the governor after an emergency stop.
func (e *Engine) EmergencyReset(ctx context.Context) error {
	e.governor.ForceReset()
	return nil
}
