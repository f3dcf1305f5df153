package sizing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"fleet-trader/internal/broker"
	"fleet-trader/internal/journal"
)

type fakeStats struct {
	stats journal.Stats
	err   error
}

func (f *fakeStats) TickerStats(ctx context.Context, account, symbol string) (journal.Stats, error) {
	return f.stats, f.err
}

func testAccount(cash, equity float64) broker.Account {
	return broker.Account{Cash: cash, Equity: equity}
}

func defaultConfig() Config {
	return Config{MaxPositionSize: 0.15, BaseFraction: 0.10, KellyEnabled: true}
}

func TestSizeRespectsMaxPositionAcrossConfidence(t *testing.T) {
	s := New(defaultConfig(), &fakeStats{stats: journal.Stats{
		RoundTrips: 10, WinRate: 0.7, AvgWin: 0.10, AvgLoss: 0.03,
	}}, zerolog.Nop())
	acct := testAccount(10000, 10000)

	for _, confidence := range []float64{0, 0.25, 0.5, 0.75, 1.0, 1.25, 1.5} {
		shares := s.ComputeSize(context.Background(), "TSLA", 100, confidence, acct, "A")
		if shares < 0 {
			t.Fatalf("confidence %v: negative shares %d", confidence, shares)
		}
		if value := float64(shares) * 100; value > acct.Equity*0.15+1e-9 {
			t.Errorf("confidence %v: value %v exceeds max position %v", confidence, value, acct.Equity*0.15)
		}
	}
}

func TestThinHistoryUsesDefaultEstimates(t *testing.T) {
	// Two round trips only: the computed (terrible) stats must be ignored.
	s := New(defaultConfig(), &fakeStats{stats: journal.Stats{
		RoundTrips: 2, WinRate: 0.0, AvgWin: 0, AvgLoss: 0,
	}}, zerolog.Nop())
	acct := testAccount(10000, 10000)

	// Defaults give kelly = (1.6*0.55 - 0.45) / 1.6, clamped to 0.25.
	// Cash-based value 2500 caps at max position 1500.
	shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")
	if shares != 15 {
		t.Errorf("shares = %d, want 15", shares)
	}
}

func TestStatsErrorFallsBackToDefaults(t *testing.T) {
	s := New(defaultConfig(), &fakeStats{err: errors.New("store down")}, zerolog.Nop())
	acct := testAccount(10000, 10000)

	if shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A"); shares != 15 {
		t.Errorf("shares = %d, want 15", shares)
	}
}

func TestZeroAvgLossNeverDividesByZero(t *testing.T) {
	// All ten round trips were winners, so avg loss is zero; the default
	// avg loss must be substituted.
	s := New(defaultConfig(), &fakeStats{stats: journal.Stats{
		RoundTrips: 10, WinRate: 1.0, AvgWin: 0.10, AvgLoss: 0,
	}}, zerolog.Nop())
	acct := testAccount(10000, 10000)

	shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")
	if shares <= 0 {
		t.Errorf("shares = %d, want > 0", shares)
	}
}

func TestNegativeKellyFallsBackToFractional(t *testing.T) {
	s := New(defaultConfig(), &fakeStats{stats: journal.Stats{
		RoundTrips: 10, WinRate: 0.3, AvgWin: 0.02, AvgLoss: 0.10,
	}}, zerolog.Nop())
	acct := testAccount(10000, 10000)

	// Fallback: equity * 0.10 * 1.0 = 1000 -> 10 shares.
	shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")
	if shares != 10 {
		t.Errorf("shares = %d, want 10", shares)
	}
}

func TestKellyDisabledUsesFallback(t *testing.T) {
	cfg := defaultConfig()
	cfg.KellyEnabled = false
	s := New(cfg, nil, zerolog.Nop())
	acct := testAccount(10000, 10000)

	if shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A"); shares != 10 {
		t.Errorf("shares = %d, want 10", shares)
	}
}

func TestFallbackLimitedByAvailableCash(t *testing.T) {
	cfg := defaultConfig()
	cfg.KellyEnabled = false
	s := New(cfg, nil, zerolog.Nop())

	// Equity is large but only 500 in cash; 80% buffer leaves 400.
	acct := testAccount(500, 100000)
	shares := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")
	if shares != 4 {
		t.Errorf("shares = %d, want 4", shares)
	}
}

func TestZeroAndUnaffordablePrices(t *testing.T) {
	s := New(defaultConfig(), nil, zerolog.Nop())
	acct := testAccount(10000, 10000)

	if shares := s.ComputeSize(context.Background(), "TSLA", 0, 1.0, acct, "A"); shares != 0 {
		t.Errorf("price 0: shares = %d, want 0", shares)
	}
	if shares := s.ComputeSize(context.Background(), "TSLA", -5, 1.0, acct, "A"); shares != 0 {
		t.Errorf("negative price: shares = %d, want 0", shares)
	}
	if shares := s.ComputeSize(context.Background(), "BRK.A", 1e7, 1.0, acct, "A"); shares != 0 {
		t.Errorf("unaffordable price: shares = %d, want 0", shares)
	}
}

func TestEvaluateRiskBounds(t *testing.T) {
	s := New(defaultConfig(), nil, zerolog.Nop())

	// Strong performance walks the factor up to the ceiling.
	for i := 0; i < 10; i++ {
		s.EvaluateRisk(2.0)
	}
	if got := s.RiskAdjustment(); math.Abs(got-1.2) > 1e-9 {
		t.Errorf("risk adjustment = %v, want 1.2", got)
	}

	// Poor performance walks it down to the floor.
	for i := 0; i < 30; i++ {
		s.EvaluateRisk(0.1)
	}
	if got := s.RiskAdjustment(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("risk adjustment = %v, want 0.5", got)
	}

	// Middling Sharpe leaves it unchanged.
	before := s.RiskAdjustment()
	s.EvaluateRisk(1.0)
	if got := s.RiskAdjustment(); got != before {
		t.Errorf("risk adjustment moved on neutral sharpe: %v -> %v", before, got)
	}
}

func TestLowerRiskAdjustment(t *testing.T) {
	s := New(defaultConfig(), nil, zerolog.Nop())

	if got := s.LowerRiskAdjustment(); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("after one step = %v, want 0.95", got)
	}
	for i := 0; i < 20; i++ {
		s.LowerRiskAdjustment()
	}
	if got := s.RiskAdjustment(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("floor = %v, want 0.5", got)
	}
}

func TestRiskAdjustmentScalesKellySize(t *testing.T) {
	s := New(defaultConfig(), &fakeStats{stats: journal.Stats{
		RoundTrips: 10, WinRate: 0.6, AvgWin: 0.08, AvgLoss: 0.06,
	}}, zerolog.Nop())
	acct := testAccount(100000, 1000000)

	full := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")

	for i := 0; i < 10; i++ {
		s.EvaluateRisk(0.1)
	}
	reduced := s.ComputeSize(context.Background(), "TSLA", 100, 1.0, acct, "A")

	if reduced >= full {
		t.Errorf("reduced %d should be below full %d", reduced, full)
	}
}
