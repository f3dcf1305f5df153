package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/config"
	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/daytrade"
	"fleet-trader/internal/journal"
	"fleet-trader/internal/rebalance"
	"fleet-trader/internal/risk"
	"fleet-trader/internal/sizing"
)

type fixtureConfig struct {
	maxDayTrades int
	riskCfg      config.RiskConfig
	engineCfg    config.EngineConfig
	rebalCfg     *rebalance.Config
	exitCfg      *risk.ExitConfig
	source       DecisionSource
}

type fixture struct {
	eng   *Engine
	reg   *accounts.Registry
	coord *batch.Coordinator
	gov   *risk.Governor
	jr    *journal.Journal
	reb   *rebalance.Engine
	alpha *broker.MockClient
	bravo *broker.MockClient
}

// newFixture builds a two-account paper fleet with Kelly sizing off, so
// quantities follow the deterministic fallback: equity * base_fraction *
// confidence / price.
func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()

	alpha := broker.NewMockClient(50000, 50000)
	bravo := broker.NewMockClient(30000, 30000)
	for _, m := range []*broker.MockClient{alpha, bravo} {
		m.SetPrice("SPY", 100)
		m.SetPrice("QQQ", 200)
		m.SetPrice("IWM", 50)
	}

	reg, err := accounts.NewRegistry([]accounts.Handle{
		{Name: "ALPHA", Client: alpha},
		{Name: "BRAVO", Client: bravo},
	}, "ALPHA", time.Minute, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.RefreshAll(context.Background())

	trading := circuit.New("trading", 5, time.Minute, nil, zerolog.Nop())
	data := circuit.New("data", 5, time.Minute, nil, zerolog.Nop())
	coord := batch.NewCoordinator(reg, trading, 2*time.Second, 8, nil, zerolog.Nop())
	gov := risk.NewGovernor(risk.Config{
		MaxDailyLoss:         0.03,
		MaxConsecutiveLosses: 5,
		MaxErrorCount:        5,
	}, reg, coord, trading, nil, zerolog.Nop())

	jr := journal.New(journal.NewMemoryStore(), 0, zerolog.Nop())
	coord.SetFillSink(jr)

	sizer := sizing.New(sizing.Config{MaxPositionSize: 0.10, BaseFraction: 0.05}, jr, zerolog.Nop())

	maxDT := fc.maxDayTrades
	if maxDT == 0 {
		maxDT = 3
	}
	dt := daytrade.New(reg, maxDT, zerolog.Nop())

	riskCfg := fc.riskCfg
	if riskCfg.MaxTotalExposure == 0 {
		riskCfg.MaxTotalExposure = 0.8
	}
	engCfg := fc.engineCfg
	if engCfg.CycleInterval == 0 {
		engCfg.CycleInterval = time.Hour
	}

	deps := Deps{
		Registry:       reg,
		Coordinator:    coord,
		Governor:       gov,
		Sizer:          sizer,
		DayTrades:      dt,
		Journal:        jr,
		Source:         fc.source,
		TradingBreaker: trading,
		DataBreaker:    data,
	}
	var reb *rebalance.Engine
	if fc.rebalCfg != nil {
		price := func(ctx context.Context, symbol string) (float64, error) {
			return alpha.GetLatestPrice(ctx, symbol)
		}
		reb = rebalance.NewEngine(*fc.rebalCfg, reg, coord, price, nil, zerolog.Nop())
		deps.Rebalancer = reb
	}
	if fc.exitCfg != nil {
		deps.Exits = risk.NewExitMonitor(*fc.exitCfg, reg, coord, nil, zerolog.Nop())
	}

	eng, err := New(engCfg, riskCfg, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{eng: eng, reg: reg, coord: coord, gov: gov, jr: jr, reb: reb, alpha: alpha, bravo: bravo}
}

func buy(symbol string) Decision {
	return Decision{Symbol: symbol, Side: broker.SideBuy, Confidence: 1.0, Reason: "test entry"}
}

func sell(symbol string) Decision {
	return Decision{Symbol: symbol, Side: broker.SideSell, Confidence: 1.0, Reason: "test exit"}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(config.EngineConfig{}, config.RiskConfig{}, Deps{}, zerolog.Nop())
	if err == nil {
		t.Fatal("New accepted empty deps")
	}
}

func TestRunCycleExecutesBuyAcrossFleet(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("SPY")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}

	// 50000 * 0.05 / 100 and 30000 * 0.05 / 100.
	if len(fx.alpha.OrderLog) != 1 || fx.alpha.OrderLog[0].Qty != 25 {
		t.Fatalf("ALPHA orders = %+v, want one buy of 25", fx.alpha.OrderLog)
	}
	if len(fx.bravo.OrderLog) != 1 || fx.bravo.OrderLog[0].Qty != 15 {
		t.Fatalf("BRAVO orders = %+v, want one buy of 15", fx.bravo.OrderLog)
	}
	if fx.alpha.OrderLog[0].Side != broker.SideBuy || fx.alpha.OrderLog[0].Symbol != "SPY" {
		t.Fatalf("ALPHA order = %+v", fx.alpha.OrderLog[0])
	}

	fills, err := fx.jr.RecentFills(ctx, "ALPHA", time.Hour)
	if err != nil {
		t.Fatalf("RecentFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("journal fills = %d, want 1", len(fills))
	}
}

func TestEntryBudgetCapsBuysPerCycle(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("SPY"), buy("QQQ"), buy("IWM")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 2 {
		t.Fatalf("executed = %d, want 2", executed)
	}
	for _, o := range fx.alpha.OrderLog {
		if o.Symbol == "IWM" {
			t.Fatalf("third entry executed past the per-cycle budget: %+v", o)
		}
	}
}

func TestSellsBypassEntryBudget(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		engineCfg: config.EngineConfig{CycleInterval: time.Hour, MaxTradesPerCycle: 1},
	})
	ctx := context.Background()
	fx.alpha.Positions = []broker.Position{
		{Symbol: "QQQ", Qty: 10, AvgEntryPrice: 200, MarketValue: 2000, Side: "long"},
	}

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("SPY"), buy("IWM"), sell("QQQ")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 2 {
		t.Fatalf("executed = %d, want buy SPY + sell QQQ = 2", executed)
	}

	var sold *broker.Order
	for i, o := range fx.alpha.OrderLog {
		if o.Symbol == "IWM" {
			t.Fatalf("IWM entry executed with budget 1: %+v", o)
		}
		if o.Side == broker.SideSell {
			sold = &fx.alpha.OrderLog[i]
		}
	}
	if sold == nil || sold.Symbol != "QQQ" || sold.Qty != 10 {
		t.Fatalf("sell order = %+v, want full QQQ position of 10", sold)
	}
	if len(fx.bravo.OrderLog) != 1 {
		t.Fatalf("BRAVO orders = %d, want only the SPY entry", len(fx.bravo.OrderLog))
	}
}

func TestFixedQuantityDecisionMirrorsFleet(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	// BRAVO sits below the cash floor, so its mirrored quantity halves.
	fx.coord.SetDistribution(40000, 0.5)

	manualBuy := Decision{Symbol: "SPY", Side: broker.SideBuy, Quantity: 10, Reason: "manual add"}
	executed, err := fx.eng.RunCycle(ctx, []Decision{manualBuy})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want 1", executed)
	}
	if len(fx.alpha.OrderLog) != 1 || fx.alpha.OrderLog[0].Qty != 10 {
		t.Fatalf("ALPHA orders = %+v, want one buy of 10", fx.alpha.OrderLog)
	}
	if len(fx.bravo.OrderLog) != 1 || fx.bravo.OrderLog[0].Qty != 5 {
		t.Fatalf("BRAVO orders = %+v, want one buy of 5", fx.bravo.OrderLog)
	}

	// A mirrored sell caps at the held position on every account.
	manualSell := Decision{Symbol: "SPY", Side: broker.SideSell, Quantity: 20, Reason: "manual trim"}
	if _, err := fx.eng.RunCycle(ctx, []Decision{manualSell}); err != nil {
		t.Fatalf("sell cycle: %v", err)
	}
	if got := fx.alpha.OrderLog[1]; got.Side != broker.SideSell || got.Qty != 10 {
		t.Fatalf("ALPHA sell = %+v, want the full 10 held", got)
	}
	if got := fx.bravo.OrderLog[1]; got.Qty != 5 {
		t.Fatalf("BRAVO sell = %+v, want the full 5 held", got)
	}
}

func TestExitSweepClosesBreachedPositions(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		exitCfg: &risk.ExitConfig{StopLossPct: 0.05, TakeProfitPct: 0.10},
	})
	ctx := context.Background()

	// ALPHA is 6% underwater on SPY; BRAVO's QQQ sits inside both bands.
	fx.alpha.Positions = []broker.Position{
		{Symbol: "SPY", Qty: 10, AvgEntryPrice: 106, MarketValue: 1000, UnrealizedPnL: -60, Side: "long"},
	}
	fx.bravo.Positions = []broker.Position{
		{Symbol: "QQQ", Qty: 5, AvgEntryPrice: 192, MarketValue: 1000, UnrealizedPnL: 40, Side: "long"},
	}

	executed, err := fx.eng.RunCycle(ctx, nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want the stop-loss batch only", executed)
	}
	if len(fx.alpha.OrderLog) != 1 || fx.alpha.OrderLog[0].Side != broker.SideSell || fx.alpha.OrderLog[0].Qty != 10 {
		t.Fatalf("ALPHA orders = %+v, want one sell of 10", fx.alpha.OrderLog)
	}
	if len(fx.bravo.OrderLog) != 0 {
		t.Fatalf("BRAVO orders = %+v, want none", fx.bravo.OrderLog)
	}

	fills, err := fx.jr.RecentFills(ctx, "ALPHA", time.Hour)
	if err != nil {
		t.Fatalf("RecentFills: %v", err)
	}
	if len(fills) != 1 || fills[0].Reason != "STOP_LOSS (-6.0%)" {
		t.Fatalf("journal fills = %+v, want one STOP_LOSS (-6.0%%) entry", fills)
	}
}

func TestEmergencyStateSkipsNewEntries(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	fx.gov.ForceStop(ctx, "", "test halt")

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("SPY")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 0 {
		t.Fatalf("executed = %d, want 0 while stopped", executed)
	}
	if len(fx.alpha.OrderLog)+len(fx.bravo.OrderLog) != 0 {
		t.Fatal("orders submitted while emergency stopped")
	}
}

func TestDailyLossTripsAndLiquidatesMidCycle(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	fx.alpha.Positions = []broker.Position{
		{Symbol: "SPY", Qty: 40, AvgEntryPrice: 100, MarketValue: 4000, Side: "long"},
	}

	// First cycle pins the daily baseline at 80000 total equity.
	if _, err := fx.eng.RunCycle(ctx, nil); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	if got := fx.gov.State(); got != risk.StateNormal {
		t.Fatalf("state after baseline = %s", got)
	}

	// 10% drawdown against a 3% limit.
	fx.alpha.Account.Equity = 42000

	executed, err := fx.eng.RunCycle(ctx, nil)
	if err != nil {
		t.Fatalf("loss cycle: %v", err)
	}
	if fx.gov.State() != risk.StateEmergencyStopped {
		t.Fatalf("state = %s, want EMERGENCY_STOPPED", fx.gov.State())
	}
	if fx.gov.TradingEnabled() {
		t.Fatal("trading still enabled after trip")
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want the one liquidation batch", executed)
	}

	last := fx.alpha.OrderLog[len(fx.alpha.OrderLog)-1]
	if last.Side != broker.SideSell || last.Symbol != "SPY" || last.Qty != 40 {
		t.Fatalf("liquidation order = %+v, want sell 40 SPY", last)
	}
	if fx.coord.QueueSize() != 0 {
		t.Fatalf("queue depth = %d after drain", fx.coord.QueueSize())
	}
}

func TestExposureCapSuspendsEntries(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		riskCfg: config.RiskConfig{MaxTotalExposure: 0.05},
	})
	ctx := context.Background()
	fx.alpha.Positions = []broker.Position{
		{Symbol: "SPY", Qty: 40, AvgEntryPrice: 100, MarketValue: 4000, Side: "long"},
	}

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("QQQ"), sell("SPY")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want only the exit", executed)
	}
	for _, o := range fx.alpha.OrderLog {
		if o.Side == broker.SideBuy {
			t.Fatalf("entry executed over the exposure cap: %+v", o)
		}
	}
	if len(fx.alpha.OrderLog) != 1 || fx.alpha.OrderLog[0].Symbol != "SPY" {
		t.Fatalf("ALPHA orders = %+v, want the SPY exit", fx.alpha.OrderLog)
	}
}

func TestDayTradeBudgetBlocksEntries(t *testing.T) {
	fx := newFixture(t, fixtureConfig{maxDayTrades: 1})
	ctx := context.Background()
	now := time.Now()

	opened, closed := now.Add(-2*time.Hour), now.Add(-time.Hour)
	for _, m := range []*broker.MockClient{fx.alpha, fx.bravo} {
		m.AddHistoricalOrder(broker.Order{
			Symbol: "TSLA", Side: broker.SideBuy, Qty: 5,
			Status: broker.OrderStatusFilled, SubmittedAt: opened, FilledAt: &opened,
		})
		m.AddHistoricalOrder(broker.Order{
			Symbol: "TSLA", Side: broker.SideSell, Qty: 5,
			Status: broker.OrderStatusFilled, SubmittedAt: closed, FilledAt: &closed,
		})
	}
	fx.alpha.Positions = []broker.Position{
		{Symbol: "IWM", Qty: 20, AvgEntryPrice: 50, MarketValue: 1000, Side: "long"},
	}

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("QQQ"), sell("IWM")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want only the exit", executed)
	}
	for _, o := range fx.alpha.OrderLog {
		if o.Side == broker.SideBuy {
			t.Fatalf("entry executed with the day trade budget spent: %+v", o)
		}
	}
}

func TestDecisionWithoutPriceIsSkipped(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	executed, err := fx.eng.RunCycle(ctx, []Decision{buy("ZZZ")})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 0 {
		t.Fatalf("executed = %d, want 0 with no quote", executed)
	}
	if len(fx.alpha.OrderLog) != 0 {
		t.Fatalf("orders = %+v, want none", fx.alpha.OrderLog)
	}
}

func TestInvalidDecisionsAreDropped(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	decisions := []Decision{
		{Symbol: "", Side: broker.SideBuy, Confidence: 1},
		{Symbol: "SPY", Side: broker.Side("hold"), Confidence: 1},
		{Symbol: "SPY", Side: broker.SideBuy, Confidence: -1},
	}
	executed, err := fx.eng.RunCycle(ctx, decisions)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 0 || len(fx.alpha.OrderLog) != 0 {
		t.Fatalf("executed = %d, orders = %+v, want nothing", executed, fx.alpha.OrderLog)
	}
}

func TestRebalanceRunsWhenDue(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		rebalCfg: &rebalance.Config{
			Enabled:       true,
			Threshold:     0.05,
			MinInterval:   time.Minute,
			MinTradeValue: 10,
			Targets:       map[string]float64{"SPY": 0.10},
		},
	})
	ctx := context.Background()
	fx.alpha.Positions = []broker.Position{
		{Symbol: "SPY", Qty: 1, AvgEntryPrice: 100, MarketValue: 100, Side: "long"},
	}

	executed, err := fx.eng.RunCycle(ctx, nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed = %d, want the rebalance batch", executed)
	}
	if fx.reb.LastRebalance().IsZero() {
		t.Fatal("rebalance timestamp not recorded")
	}
	found := false
	for _, o := range fx.alpha.OrderLog {
		if o.Symbol == "SPY" && o.Side == broker.SideBuy {
			found = true
		}
	}
	if !found {
		t.Fatalf("ALPHA orders = %+v, want a SPY rebalance buy", fx.alpha.OrderLog)
	}
}

func TestHandleFillFeedsJournalAndGovernor(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	now := time.Now()

	fx.eng.HandleFill("ALPHA", broker.FillUpdate{
		Event: "fill", OrderID: "o-1", Symbol: "SPY", Side: broker.SideBuy,
		Qty: 10, Price: 100, Timestamp: now,
	})
	fx.eng.HandleFill("ALPHA", broker.FillUpdate{
		Event: "fill", OrderID: "o-2", Symbol: "SPY", Side: broker.SideSell,
		Qty: 10, Price: 90, Timestamp: now.Add(time.Minute),
	})

	fills, err := fx.jr.RecentFills(ctx, "ALPHA", time.Hour)
	if err != nil {
		t.Fatalf("RecentFills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("journal fills = %d, want 2", len(fills))
	}

	stats := fx.gov.Stats()
	if got := stats["consecutive_losses"].(int); got != 1 {
		t.Fatalf("consecutive_losses = %d, want 1 after the losing round trip", got)
	}
}

func TestEmergencyStopAndResetAPI(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	if err := fx.eng.EmergencyStop(ctx, "DRILL", "quarterly drill"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if fx.gov.State() != risk.StateEmergencyStopped {
		t.Fatalf("state = %s, want EMERGENCY_STOPPED", fx.gov.State())
	}
	if got := fx.gov.Stats()["trip_reason"].(string); got != "DRILL" {
		t.Fatalf("trip_reason = %q, want DRILL", got)
	}

	if err := fx.eng.EmergencyReset(ctx); err != nil {
		t.Fatalf("EmergencyReset: %v", err)
	}
	if fx.gov.State() != risk.StateNormal || !fx.gov.TradingEnabled() {
		t.Fatalf("state = %s enabled = %v after reset", fx.gov.State(), fx.gov.TradingEnabled())
	}
}

func TestStatusSurface(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	if _, err := fx.eng.RunCycle(ctx, []Decision{buy("SPY")}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	st := fx.eng.Status()
	if got := st["cycles"].(int64); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}
	if st["running"].(bool) {
		t.Fatal("running = true before Start")
	}
	if got := st["accounts"].(int); got != 2 {
		t.Fatalf("accounts = %d, want 2", got)
	}
	if got := st["queue_depth"].(int); got != 0 {
		t.Fatalf("queue_depth = %d, want 0", got)
	}
	breakers := st["breakers"].(map[string]string)
	if breakers["trading"] != "CLOSED" || breakers["data"] != "CLOSED" {
		t.Fatalf("breakers = %v, want both CLOSED", breakers)
	}
	riskStats := st["risk"].(map[string]interface{})
	if riskStats["state"].(string) != "NORMAL" {
		t.Fatalf("risk state = %v", riskStats["state"])
	}
}

func TestStartShutdownLifecycle(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})

	fx.eng.Start()
	if !fx.eng.Status()["running"].(bool) {
		t.Fatal("running = false after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fx.eng.Shutdown(ctx)
	if fx.eng.Status()["running"].(bool) {
		t.Fatal("running = true after Shutdown")
	}
	fx.eng.Shutdown(ctx) // idempotent
}

func TestTripNudgeDrainsLiquidations(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	fx.alpha.Positions = []broker.Position{
		{Symbol: "SPY", Qty: 40, AvgEntryPrice: 100, MarketValue: 4000, Side: "long"},
	}
	if _, err := fx.eng.RunCycle(ctx, nil); err != nil {
		t.Fatalf("warmup cycle: %v", err)
	}

	fx.eng.Start()
	if err := fx.eng.EmergencyStop(ctx, "", "nudge drill"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fx.coord.Stats().TotalBatches >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	fx.eng.Shutdown(ctx)

	if got := fx.coord.Stats().TotalBatches; got < 1 {
		t.Fatalf("batches executed = %d, want the liquidation", got)
	}
	last := fx.alpha.OrderLog[len(fx.alpha.OrderLog)-1]
	if last.Side != broker.SideSell || last.Symbol != "SPY" || last.Qty != 40 {
		t.Fatalf("liquidation order = %+v, want sell 40 SPY", last)
	}
	if fx.coord.QueueSize() != 0 {
		t.Fatalf("queue depth = %d after drain", fx.coord.QueueSize())
	}
}

func TestScheduledCycleSurvivesSourceError(t *testing.T) {
	calls := 0
	src := DecisionFunc(func(ctx context.Context) ([]Decision, error) {
		calls++
		return nil, context.DeadlineExceeded
	})
	fx := newFixture(t, fixtureConfig{source: src})

	fx.eng.runScheduledCycle()

	if calls != 1 {
		t.Fatalf("source calls = %d, want 1", calls)
	}
	if got := fx.eng.Status()["cycles"].(int64); got != 1 {
		t.Fatalf("cycles = %d, want the cycle to run without signals", got)
	}
	if got := fx.gov.Stats()["error_count"].(int); got != 1 {
		t.Fatalf("error_count = %d, want 1", got)
	}
}
