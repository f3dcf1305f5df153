// Package sizing converts decisions into per-account share counts. Kelly
// sizing from journaled round trips is preferred; a fractional fallback
// covers thin history. The risk adjustment factor is the one feedback
// loop from realized performance back into sizing.
package sizing

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"fleet-trader/internal/broker"
	"fleet-trader/internal/journal"
)

// Conservative estimates used until enough round trips exist.
const (
	DefaultWinRate = 0.55
	DefaultAvgWin  = 0.08
	DefaultAvgLoss = 0.05

	// KellyCap bounds the raw Kelly fraction.
	KellyCap = 0.25

	// MinRoundTrips gates computed statistics over the defaults.
	MinRoundTrips = 4

	// cashBuffer keeps fallback sizing off the last 20% of cash.
	cashBuffer = 0.8

	riskAdjStep  = 0.05
	riskAdjFloor = 0.5
	riskAdjCeil  = 1.2
)

// StatsSource provides realized round-trip statistics per account/symbol.
type StatsSource interface {
	TickerStats(ctx context.Context, account, symbol string) (journal.Stats, error)
}

// Config is the sizing slice of the validated configuration.
type Config struct {
	MaxPositionSize float64 // fraction of equity per position
	BaseFraction    float64 // fallback sizing fraction
	KellyEnabled    bool
}

// Sizer computes per-account share counts for one decision.
type Sizer struct {
	cfg   Config
	stats StatsSource

	mu      sync.Mutex
	riskAdj float64

	logger zerolog.Logger
}

// New creates a sizer. stats may be nil, which forces default estimates.
func New(cfg Config, stats StatsSource, logger zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:     cfg,
		stats:   stats,
		riskAdj: 1.0,
		logger:  logger.With().Str("component", "position_sizer").Logger(),
	}
}

// ComputeSize returns the share count for one account. It never returns a
// negative count and returns 0 when price is not positive or the sized
// value cannot buy a single share.
func (s *Sizer) ComputeSize(ctx context.Context, symbol string, price, confidence float64, acct broker.Account, accountName string) int {
	if price <= 0 {
		return 0
	}

	if s.cfg.KellyEnabled {
		if shares := s.kellySize(ctx, symbol, price, confidence, acct, accountName); shares > 0 {
			return shares
		}
	}
	return s.fallbackSize(price, confidence, acct)
}

// kellySize sizes from realized statistics. Insufficient history falls
// back to the default estimates rather than skipping Kelly.
func (s *Sizer) kellySize(ctx context.Context, symbol string, price, confidence float64, acct broker.Account, accountName string) int {
	winRate, avgWin, avgLoss := DefaultWinRate, DefaultAvgWin, DefaultAvgLoss

	if s.stats != nil {
		stats, err := s.stats.TickerStats(ctx, accountName, symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("stats unavailable, using defaults")
		} else if stats.RoundTrips >= MinRoundTrips {
			if stats.WinRate > 0 {
				winRate = stats.WinRate
			}
			if stats.AvgWin > 0 {
				avgWin = stats.AvgWin
			}
			if stats.AvgLoss > 0 {
				avgLoss = stats.AvgLoss
			}
		}
	}

	b := 1.0
	if avgLoss != 0 {
		b = math.Abs(avgWin / avgLoss)
	}
	p := winRate
	q := 1 - p

	kelly := (b*p - q) / b
	kelly = math.Max(0, math.Min(kelly, KellyCap))

	adjusted := kelly * confidence * s.RiskAdjustment()

	shares := int(acct.Cash * adjusted / price)
	maxShares := int(acct.Equity * s.cfg.MaxPositionSize / price)
	if shares > maxShares {
		shares = maxShares
	}
	if shares < 0 {
		shares = 0
	}

	if shares > 0 {
		s.logger.Debug().
			Str("account", accountName).Str("symbol", symbol).
			Float64("win_rate", winRate).Float64("avg_win", avgWin).Float64("avg_loss", avgLoss).
			Float64("kelly_fraction", kelly).Float64("adjusted_fraction", adjusted).
			Int("shares", shares).
			Msg("kelly sizing")
	}
	return shares
}

// fallbackSize is the fractional strategy used when Kelly is disabled or
// produced nothing.
func (s *Sizer) fallbackSize(price, confidence float64, acct broker.Account) int {
	base := acct.Equity * s.cfg.BaseFraction * confidence

	maxSpend := math.Min(acct.Cash*cashBuffer, base)
	maxSpend = math.Min(maxSpend, acct.Equity*s.cfg.MaxPositionSize)

	shares := int(maxSpend / price)
	if shares < 0 {
		return 0
	}
	return shares
}

// RiskAdjustment returns the current adjustment factor.
func (s *Sizer) RiskAdjustment() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riskAdj
}

// EvaluateRisk nudges the adjustment factor from the realized Sharpe
// ratio. One step per evaluation, bounded [0.5, 1.2].
func (s *Sizer) EvaluateRisk(sharpe float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case sharpe > 1.5:
		s.riskAdj = math.Min(riskAdjCeil, s.riskAdj+riskAdjStep)
	case sharpe < 0.5:
		s.riskAdj = math.Max(riskAdjFloor, s.riskAdj-riskAdjStep)
	}
	return s.riskAdj
}

// LowerRiskAdjustment narrows sizing by one step. Used when the risk
// state degrades without halting trading.
func (s *Sizer) LowerRiskAdjustment() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.riskAdj = math.Max(riskAdjFloor, s.riskAdj-riskAdjStep)
	return s.riskAdj
}
