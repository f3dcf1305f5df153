// Package batch turns one trading decision into synchronized order legs
// across every account in the fleet. Legs for a batch run concurrently,
// each behind its account's configured submit stagger, and the batch is
// judged as a whole: a majority of filled legs counts as success even when
// individual accounts lag or reject.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/database"
	"fleet-trader/internal/events"
	"fleet-trader/internal/journal"
	"fleet-trader/internal/metrics"
)

const (
	// DefaultExecutionWindow bounds how long a batch waits for its legs.
	DefaultExecutionWindow = 30 * time.Second

	// majorityThreshold is the completed/total ratio a batch must reach.
	majorityThreshold = 0.5

	// avgSmoothing weights new samples in the rolling execution-time average.
	avgSmoothing = 0.2
)

// ErrQueueEmpty is returned by ExecuteNext when nothing is queued.
var ErrQueueEmpty = errors.New("batch: queue empty")

// BatchOrder is one decision fanned out to the fleet. Quantities maps
// account name to share count; legs with zero or negative quantity are
// skipped. Priority orders the queue, lower values run first; liquidation
// batches use priority 0 so they jump ahead of pending entries.
type BatchOrder struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Action          broker.Side    `json:"action"`
	Quantities      map[string]int `json:"quantities"`
	PriceLimit      *float64       `json:"price_limit,omitempty"` // nil = market order
	RefPrice        float64        `json:"ref_price,omitempty"`   // decision price, journal fallback
	ExecutionWindow time.Duration  `json:"execution_window"`
	Priority        int            `json:"priority"`
	Reason          string         `json:"reason,omitempty"`
	Liquidation     bool           `json:"liquidation,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
}

// LegResult is the outcome of one account's order in a batch.
type LegResult struct {
	Account       string        `json:"account"`
	OrderID       string        `json:"order_id,omitempty"`
	Success       bool          `json:"success"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Report summarizes one executed batch.
type Report struct {
	BatchID       string               `json:"batch_id"`
	Symbol        string               `json:"symbol"`
	Action        broker.Side          `json:"action"`
	Priority      int                  `json:"priority"`
	TotalLegs     int                  `json:"total_legs"`
	CompletedLegs int                  `json:"completed_legs"`
	Success       bool                 `json:"success"`
	SuccessRate   float64              `json:"success_rate"`
	TimingSpread  time.Duration        `json:"timing_spread"`
	Duration      time.Duration        `json:"duration"`
	Reason        string               `json:"reason,omitempty"`
	Legs          map[string]LegResult `json:"legs"`
}

// Stats is a snapshot of the coordinator's rolling aggregates.
type Stats struct {
	TotalBatches         int     `json:"total_batches"`
	SuccessfulBatches    int     `json:"successful_batches"`
	SuccessRate          float64 `json:"success_rate"`
	AverageExecutionTime float64 `json:"average_execution_time_sec"`
	MaxTimingSpread      float64 `json:"max_timing_spread_sec"`
	QueueSize            int     `json:"queue_size"`
}

// FillSink receives confirmed fills for journaling. When the trade-updates
// stream is wired, the engine journals from the stream instead and leaves
// the coordinator's sink unset so fills are not recorded twice.
type FillSink interface {
	LogFill(ctx context.Context, e journal.Entry) error
}

// ReportStore persists batch reports for the audit trail.
type ReportStore interface {
	SaveBatchReport(ctx context.Context, row *database.BatchReportRow) error
}

// Notifier delivers operator alerts. Implementations must not block.
type Notifier interface {
	Notify(title, message, severity string)
}

// AdmissionFunc vets a batch before it enters the queue. The risk governor
// installs one to reject entries while trading is halted.
type AdmissionFunc func(*BatchOrder) error

// Coordinator owns the batch queue and executes one batch at a time.
type Coordinator struct {
	registry *accounts.Registry
	breaker  *circuit.Breaker
	bus      *events.EventBus
	logger   zerolog.Logger

	window     time.Duration
	maxWorkers int

	queueMu sync.Mutex
	queue   []*BatchOrder

	// execMu serializes batch execution so legs from different batches
	// never interleave on the same accounts.
	execMu sync.Mutex

	statsMu           sync.Mutex
	totalBatches      int
	successfulBatches int
	avgExecTime       float64 // seconds, exponentially weighted
	maxSpread         float64 // seconds, high-water mark

	gateMu sync.RWMutex
	gate   AdmissionFunc

	fills    FillSink
	reports  ReportStore
	notifier Notifier

	lowBalanceMin  float64
	lowBalanceMult float64
}

// NewCoordinator builds a coordinator over the account fleet. breaker guards
// every order submission; window is the default per-batch deadline.
func NewCoordinator(registry *accounts.Registry, breaker *circuit.Breaker, window time.Duration, maxWorkers int, bus *events.EventBus, logger zerolog.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultExecutionWindow
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Coordinator{
		registry:   registry,
		breaker:    breaker,
		bus:        bus,
		logger:     logger.With().Str("component", "batch").Logger(),
		window:     window,
		maxWorkers: maxWorkers,
	}
}

// SetAdmission installs the pre-queue risk check.
func (c *Coordinator) SetAdmission(gate AdmissionFunc) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	c.gate = gate
}

// SetFillSink routes confirmed fills to the journal.
func (c *Coordinator) SetFillSink(s FillSink) { c.fills = s }

// SetReportStore persists executed-batch reports.
func (c *Coordinator) SetReportStore(r ReportStore) { c.reports = r }

// SetNotifier wires operator alerts for partial and failed batches.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

// SetDistribution configures the low-balance reduction used by Distribute.
// A zero floor disables it.
func (c *Coordinator) SetDistribution(lowBalanceMin, lowBalanceMult float64) {
	c.lowBalanceMin = lowBalanceMin
	c.lowBalanceMult = lowBalanceMult
}

// Enqueue validates a batch and inserts it in priority order. Batches with
// equal priority keep their arrival order.
func (c *Coordinator) Enqueue(b *BatchOrder) error {
	if err := c.validate(b); err != nil {
		return err
	}
	if err := c.admit(b); err != nil {
		c.logger.Warn().Str("symbol", b.Symbol).Str("action", string(b.Action)).
			Err(err).Msg("batch rejected at admission")
		return err
	}

	c.prepare(b)

	c.queueMu.Lock()
	c.insertLocked(b)
	depth := len(c.queue)
	c.queueMu.Unlock()

	c.logger.Info().
		Str("batch_id", b.ID).
		Str("symbol", b.Symbol).
		Str("action", string(b.Action)).
		Int("priority", b.Priority).
		Int("legs", len(b.Quantities)).
		Int("queue_depth", depth).
		Msg("batch queued")

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.EventBatchEnqueued,
			Data: map[string]interface{}{
				"batch_id": b.ID,
				"symbol":   b.Symbol,
				"action":   string(b.Action),
				"priority": b.Priority,
				"legs":     len(b.Quantities),
			},
		})
	}
	return nil
}

// EnqueueAll inserts a group of batches under a single queue hold so nothing
// interleaves with them. The risk governor uses this to queue liquidation
// orders atomically during an emergency stop. Invalid batches are skipped.
// Returns the number queued.
func (c *Coordinator) EnqueueAll(batches []*BatchOrder) int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	queued := 0
	for _, b := range batches {
		if err := c.validate(b); err != nil {
			c.logger.Warn().Str("symbol", b.Symbol).Err(err).Msg("skipping invalid batch in group enqueue")
			continue
		}
		c.prepare(b)
		c.insertLocked(b)
		queued++
	}
	if queued > 0 {
		c.logger.Info().Int("queued", queued).Int("queue_depth", len(c.queue)).Msg("batch group queued")
	}
	return queued
}

func (c *Coordinator) validate(b *BatchOrder) error {
	if b == nil {
		return errors.New("batch: nil order")
	}
	if b.Symbol == "" {
		return errors.New("batch: empty symbol")
	}
	if b.Action != broker.SideBuy && b.Action != broker.SideSell {
		return fmt.Errorf("batch: invalid action %q", b.Action)
	}
	executable := 0
	for _, qty := range b.Quantities {
		if qty > 0 {
			executable++
		}
	}
	if executable == 0 {
		return errors.New("batch: no legs with positive quantity")
	}
	return nil
}

func (c *Coordinator) admit(b *BatchOrder) error {
	c.gateMu.RLock()
	gate := c.gate
	c.gateMu.RUnlock()
	if gate == nil {
		return nil
	}
	return gate(b)
}

func (c *Coordinator) prepare(b *BatchOrder) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.ExecutionWindow <= 0 {
		b.ExecutionWindow = c.window
	}
	if b.EnqueuedAt.IsZero() {
		b.EnqueuedAt = time.Now()
	}
}

// insertLocked places b before the first queued batch with a larger priority
// value. Caller holds queueMu.
func (c *Coordinator) insertLocked(b *BatchOrder) {
	for i, queued := range c.queue {
		if queued.Priority > b.Priority {
			c.queue = append(c.queue, nil)
			copy(c.queue[i+1:], c.queue[i:])
			c.queue[i] = b
			return
		}
	}
	c.queue = append(c.queue, b)
}

// QueueSize returns the number of pending batches.
func (c *Coordinator) QueueSize() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// ClearQueue drops all pending batches and returns how many were dropped.
func (c *Coordinator) ClearQueue() int {
	c.queueMu.Lock()
	n := len(c.queue)
	c.queue = nil
	c.queueMu.Unlock()

	if n > 0 {
		c.logger.Warn().Int("dropped", n).Msg("batch queue cleared")
	}
	return n
}

// legTask is one resolved, executable leg.
type legTask struct {
	handle *accounts.Handle
	qty    int
}

// legOutcome pairs a leg's account with its result for the join barrier.
type legOutcome struct {
	account string
	result  LegResult
}

// ExecuteNext pops the highest-priority batch and runs all its legs
// concurrently. It returns once every leg reported or the batch's execution
// window elapsed, whichever comes first. Legs still in flight at the
// deadline are recorded as failed with their execution time pinned to the
// window; their broker calls are not cancelled, so a late fill can still
// land and is picked up by the next account refresh.
func (c *Coordinator) ExecuteNext(ctx context.Context) (*Report, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.queueMu.Unlock()
		return nil, ErrQueueEmpty
	}
	b := c.queue[0]
	c.queue = c.queue[1:]
	c.queueMu.Unlock()

	legs := c.resolveLegs(b)
	if len(legs) == 0 {
		return nil, fmt.Errorf("batch %s: no executable legs after account resolution", b.ID)
	}

	c.logger.Info().
		Str("batch_id", b.ID).
		Str("symbol", b.Symbol).
		Str("action", string(b.Action)).
		Int("legs", len(legs)).
		Dur("window", b.ExecutionWindow).
		Msg("executing batch")

	start := time.Now()
	results := make(chan legOutcome, len(legs))
	sem := make(chan struct{}, c.maxWorkers)

	for _, leg := range legs {
		leg := leg
		go func() {
			sem <- struct{}{}
			res := c.executeLeg(ctx, b, leg)
			<-sem
			results <- legOutcome{account: leg.handle.Name, result: res}
		}()
	}

	report := c.collect(b, legs, results, start)

	c.recordBatch(ctx, b, report)
	return report, nil
}

// resolveLegs maps configured quantities to account handles. Unknown names
// fall back to the primary account inside the registry; if two legs land on
// the same handle after fallback the later one is dropped so a batch never
// holds two legs for one account.
func (c *Coordinator) resolveLegs(b *BatchOrder) []legTask {
	names := make([]string, 0, len(b.Quantities))
	for name := range b.Quantities {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(names))
	legs := make([]legTask, 0, len(names))
	for _, name := range names {
		qty := b.Quantities[name]
		if qty <= 0 {
			continue
		}
		h := c.registry.GetClient(name)
		if seen[h.Name] {
			c.logger.Warn().Str("batch_id", b.ID).Str("requested", name).Str("resolved", h.Name).
				Msg("duplicate leg after account fallback, dropping")
			continue
		}
		seen[h.Name] = true
		legs = append(legs, legTask{handle: h, qty: qty})
	}
	return legs
}

// collect joins leg results against the execution window.
func (c *Coordinator) collect(b *BatchOrder, legs []legTask, results <-chan legOutcome, start time.Time) *Report {
	deadline := time.NewTimer(b.ExecutionWindow)
	defer deadline.Stop()

	legResults := make(map[string]LegResult, len(legs))
	for len(legResults) < len(legs) {
		select {
		case out := <-results:
			legResults[out.account] = out.result
		case <-deadline.C:
			// Pick up anything that finished in the same instant before
			// declaring the rest timed out.
		drain:
			for {
				select {
				case out := <-results:
					legResults[out.account] = out.result
				default:
					break drain
				}
			}
			for _, leg := range legs {
				if _, ok := legResults[leg.handle.Name]; ok {
					continue
				}
				c.logger.Warn().
					Str("batch_id", b.ID).
					Str("account", leg.handle.Name).
					Dur("window", b.ExecutionWindow).
					Msg("leg still in flight past execution window, a late fill will be reconciled on the next refresh")
				legResults[leg.handle.Name] = LegResult{
					Account:       leg.handle.Name,
					TimedOut:      true,
					Error:         "execution window elapsed",
					ExecutionTime: b.ExecutionWindow,
				}
			}
		}
	}

	completed := 0
	var minTime, maxTime time.Duration
	for _, res := range legResults {
		if !res.Success {
			continue
		}
		if completed == 0 || res.ExecutionTime < minTime {
			minTime = res.ExecutionTime
		}
		if res.ExecutionTime > maxTime {
			maxTime = res.ExecutionTime
		}
		completed++
	}

	var spread time.Duration
	if completed > 1 {
		spread = maxTime - minTime
	}

	total := len(legs)
	rate := float64(completed) / float64(total)
	return &Report{
		BatchID:       b.ID,
		Symbol:        b.Symbol,
		Action:        b.Action,
		Priority:      b.Priority,
		TotalLegs:     total,
		CompletedLegs: completed,
		Success:       rate >= majorityThreshold,
		SuccessRate:   rate,
		TimingSpread:  spread,
		Duration:      time.Since(start),
		Reason:        b.Reason,
		Legs:          legResults,
	}
}

// executeLeg submits one account's order. The account's configured stagger
// runs first and counts toward the leg's execution time.
func (c *Coordinator) executeLeg(ctx context.Context, b *BatchOrder, leg legTask) LegResult {
	start := time.Now()

	if leg.handle.Delay > 0 {
		select {
		case <-time.After(leg.handle.Delay):
		case <-ctx.Done():
			return LegResult{
				Account:       leg.handle.Name,
				Error:         ctx.Err().Error(),
				ExecutionTime: time.Since(start),
			}
		}
	}

	orderType := broker.TypeMarket
	if b.PriceLimit != nil {
		orderType = broker.TypeLimit
	}
	req := broker.OrderRequest{
		Symbol:        b.Symbol,
		Qty:           float64(leg.qty),
		Side:          b.Action,
		Type:          orderType,
		TimeInForce:   broker.TIFDay,
		LimitPrice:    b.PriceLimit,
		ClientOrderID: clientOrderID(b.ID, leg.handle.Name),
	}

	var order *broker.Order
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		o, submitErr := leg.handle.Client.SubmitOrder(ctx, req)
		if submitErr != nil {
			return submitErr
		}
		order = o
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		evt := c.logger.Error()
		if circuit.IsOpen(err) {
			evt = c.logger.Warn()
		}
		evt.Str("batch_id", b.ID).
			Str("account", leg.handle.Name).
			Str("symbol", b.Symbol).
			Int("qty", leg.qty).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("leg failed")
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type: events.EventLegFailed,
				Data: map[string]interface{}{
					"batch_id": b.ID,
					"account":  leg.handle.Name,
					"symbol":   b.Symbol,
					"error":    err.Error(),
				},
			})
		}
		return LegResult{
			Account:       leg.handle.Name,
			Error:         err.Error(),
			ExecutionTime: elapsed,
		}
	}

	metrics.OrdersSubmitted.WithLabelValues(leg.handle.Name, string(b.Action)).Inc()
	c.logger.Debug().
		Str("batch_id", b.ID).
		Str("account", leg.handle.Name).
		Str("order_id", order.ID).
		Str("status", order.Status).
		Dur("elapsed", elapsed).
		Msg("leg submitted")

	if order.IsFilled() {
		c.recordFill(ctx, b, leg, order)
	}

	return LegResult{
		Account:       leg.handle.Name,
		OrderID:       order.ID,
		Success:       true,
		ExecutionTime: elapsed,
	}
}

// recordFill journals a fill confirmed in the submit response and publishes
// it. Orders that come back working instead of filled are left to the
// trade-updates stream.
func (c *Coordinator) recordFill(ctx context.Context, b *BatchOrder, leg legTask, order *broker.Order) {
	price := order.FilledPrice()
	if price <= 0 {
		price = b.RefPrice
	}
	qty := order.FilledQty
	if qty <= 0 {
		qty = float64(leg.qty)
	}

	// With no sink the trade-updates stream owns fill accounting; counting
	// here as well would double the fill on orders filled at submit.
	if c.fills == nil {
		return
	}

	metrics.OrderFills.WithLabelValues(leg.handle.Name).Inc()
	if c.bus != nil {
		c.bus.PublishOrderFilled(leg.handle.Name, order.ID, b.Symbol, string(b.Action), qty, price)
	}
	entry := journal.Entry{
		Account: leg.handle.Name,
		Symbol:  b.Symbol,
		Action:  b.Action,
		Shares:  qty,
		Price:   price,
		Reason:  b.Reason,
		OrderID: order.ID,
	}
	if err := c.fills.LogFill(ctx, entry); err != nil {
		c.logger.Error().Str("account", leg.handle.Name).Str("order_id", order.ID).
			Err(err).Msg("journal write failed for fill")
	}
}

// recordBatch updates rolling aggregates, metrics, events, notifications and
// the persisted report for one executed batch.
func (c *Coordinator) recordBatch(ctx context.Context, b *BatchOrder, report *Report) {
	c.statsMu.Lock()
	c.totalBatches++
	if report.Success {
		c.successfulBatches++
	}
	sample := report.Duration.Seconds()
	if c.totalBatches == 1 {
		c.avgExecTime = sample
	} else {
		c.avgExecTime += avgSmoothing * (sample - c.avgExecTime)
	}
	if s := report.TimingSpread.Seconds(); s > c.maxSpread {
		c.maxSpread = s
	}
	c.statsMu.Unlock()

	result := "failed"
	switch {
	case report.Success && report.CompletedLegs == report.TotalLegs:
		result = "success"
	case report.Success:
		result = "partial"
	}
	metrics.BatchesTotal.WithLabelValues(result).Inc()
	metrics.BatchTimingSpread.Observe(report.TimingSpread.Seconds())
	metrics.BatchDuration.Observe(report.Duration.Seconds())
	for account, leg := range report.Legs {
		legResult := "ok"
		switch {
		case leg.TimedOut:
			legResult = "timeout"
		case !leg.Success:
			legResult = "failed"
		}
		metrics.BatchLegsTotal.WithLabelValues(account, legResult).Inc()
	}

	if c.bus != nil {
		c.bus.PublishBatchExecuted(b.ID, b.Symbol, string(b.Action), report.Success,
			report.CompletedLegs, report.TotalLegs, report.TimingSpread.Seconds())
	}

	switch result {
	case "success":
		c.logger.Info().
			Str("batch_id", b.ID).
			Str("symbol", b.Symbol).
			Int("completed", report.CompletedLegs).
			Int("total", report.TotalLegs).
			Dur("spread", report.TimingSpread).
			Dur("duration", report.Duration).
			Msg("batch completed")
	case "partial":
		c.logger.Warn().
			Str("batch_id", b.ID).
			Str("symbol", b.Symbol).
			Int("completed", report.CompletedLegs).
			Int("total", report.TotalLegs).
			Msg("batch completed on majority, accounts have diverged")
		c.notify("Partial batch execution",
			fmt.Sprintf("%s %s filled on %d/%d accounts, fleet positions have diverged",
				b.Action, b.Symbol, report.CompletedLegs, report.TotalLegs), "WARNING")
	default:
		c.logger.Error().
			Str("batch_id", b.ID).
			Str("symbol", b.Symbol).
			Int("completed", report.CompletedLegs).
			Int("total", report.TotalLegs).
			Msg("batch failed")
		c.notify("Batch execution failed",
			fmt.Sprintf("%s %s filled on only %d/%d accounts",
				b.Action, b.Symbol, report.CompletedLegs, report.TotalLegs), "CRITICAL")
	}

	if c.reports != nil {
		row := &database.BatchReportRow{
			BatchID:       report.BatchID,
			Symbol:        report.Symbol,
			Action:        string(report.Action),
			Priority:      report.Priority,
			TotalLegs:     report.TotalLegs,
			CompletedLegs: report.CompletedLegs,
			Success:       report.Success,
			TimingSpread:  report.TimingSpread.Seconds(),
			WindowSec:     b.ExecutionWindow.Seconds(),
			Reason:        report.Reason,
		}
		if err := c.reports.SaveBatchReport(ctx, row); err != nil {
			c.logger.Warn().Str("batch_id", b.ID).Err(err).Msg("batch report persist failed")
		}
	}
}

func (c *Coordinator) notify(title, message, severity string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(title, message, severity)
}

// Stats returns the rolling aggregates plus current queue depth.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	s := Stats{
		TotalBatches:         c.totalBatches,
		SuccessfulBatches:    c.successfulBatches,
		AverageExecutionTime: c.avgExecTime,
		MaxTimingSpread:      c.maxSpread,
	}
	c.statsMu.Unlock()

	if s.TotalBatches > 0 {
		s.SuccessRate = float64(s.SuccessfulBatches) / float64(s.TotalBatches)
	}
	s.QueueSize = c.QueueSize()
	return s
}

// Distribute builds the per-account share map for a base quantity. Each
// account's quantity scales by its configured multiplier; accounts whose
// cash sits below the configured floor scale down by the low-balance
// factor.
func (c *Coordinator) Distribute(ctx context.Context, base int) map[string]int {
	out := make(map[string]int)
	if base <= 0 {
		return out
	}
	for _, name := range c.registry.Names() {
		h, err := c.registry.Lookup(name)
		if err != nil || h.Blocked {
			continue
		}
		mult := h.QtyMultiplier
		if mult <= 0 {
			mult = 1.0
		}
		if c.lowBalanceMin > 0 && c.lowBalanceMult > 0 {
			acct, balErr := c.registry.GetBalance(ctx, name)
			if balErr == nil && acct.Cash < c.lowBalanceMin {
				mult *= c.lowBalanceMult
			}
		}
		qty := int(float64(base) * mult)
		if qty > 0 {
			out[name] = qty
		}
	}
	return out
}

// clientOrderID builds a broker-safe idempotency key for one leg.
func clientOrderID(batchID, account string) string {
	short := batchID
	if len(short) > 8 {
		short = short[:8]
	}
	id := fmt.Sprintf("fleet-%s-%s", short, account)
	if len(id) > 48 {
		id = id[:48]
	}
	return id
}
