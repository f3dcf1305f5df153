// Package journal keeps the append-only record of every fill across the
// fleet and derives round-trip performance from it. Sizing and risk read
// their realized statistics from here, never from broker state.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/broker"
)

// Entry is one journaled fill. ReturnPct starts at 0 and is backfilled on
// both legs when the matching exit fill is journaled.
type Entry struct {
	ID         int64       `json:"id"`
	ExecutedAt time.Time   `json:"executed_at"`
	Account    string      `json:"account"`
	Symbol     string      `json:"symbol"`
	Action     broker.Side `json:"action"`
	Shares     float64     `json:"shares"`
	Price      float64     `json:"price"`
	Reason     string      `json:"reason,omitempty"`
	OrderID    string      `json:"order_id,omitempty"`
	ReturnPct  float64     `json:"return_pct"`
}

// Store persists journal entries.
type Store interface {
	InsertFill(ctx context.Context, e *Entry) error
	UpdateReturnPct(ctx context.Context, id int64, pct float64) error
	// FillsSince returns entries for one account (symbol optional, "" = all)
	// ordered by execution time ascending.
	FillsSince(ctx context.Context, account, symbol string, since time.Time) ([]Entry, error)
}

// Stats summarizes completed round trips for one account/symbol pair.
type Stats struct {
	WinRate    float64
	AvgWin     float64
	AvgLoss    float64
	RoundTrips int
}

// pairState tracks the open position for one (account, symbol) while
// pairing buys with their exits. The opening buy fixes the entry price;
// each sell against an open position realizes one round-trip return.
type pairState struct {
	openID     int64
	entryPrice float64
	position   float64
}

// apply advances the pairing state with one fill. It returns the realized
// return and the opening entry's id when the fill closes against a
// position.
func (st *pairState) apply(e Entry) (ret float64, openID int64, matched bool) {
	switch e.Action {
	case broker.SideBuy:
		if st.position == 0 {
			st.openID = e.ID
			st.entryPrice = e.Price
			st.position = e.Shares
		}
	case broker.SideSell:
		if st.position > 0 {
			if st.entryPrice > 0 && e.Price > 0 {
				ret = e.Price/st.entryPrice - 1
				openID = st.openID
				matched = true
			}
			st.position -= e.Shares
			if st.position <= 0 {
				st.position = 0
				st.entryPrice = 0
				st.openID = 0
			}
		}
	}
	return ret, openID, matched
}

// Journal pairs fills into round trips as they are logged and serves
// realized statistics from stored history.
type Journal struct {
	store    Store
	lookback time.Duration

	mu    sync.Mutex
	open  map[string]*pairState
	onRT  func(account, symbol string, returnPct float64)
	clock func() time.Time

	logger zerolog.Logger
}

// New creates a journal on top of a store. Lookback bounds how much
// history statistics and restart replay consider.
func New(store Store, lookback time.Duration, logger zerolog.Logger) *Journal {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Journal{
		store:    store,
		lookback: lookback,
		open:     make(map[string]*pairState),
		clock:    time.Now,
		logger:   logger.With().Str("component", "trade_journal").Logger(),
	}
}

// OnRoundTrip registers a callback invoked with every realized return.
// Called synchronously from LogFill.
func (j *Journal) OnRoundTrip(fn func(account, symbol string, returnPct float64)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onRT = fn
}

func pairKey(account, symbol string) string {
	return account + "|" + symbol
}

// Restore replays stored fills to rebuild open-position pairing state
// after a restart. No writes and no callbacks are produced.
func (j *Journal) Restore(ctx context.Context, accounts []string) error {
	since := j.clock().Add(-j.lookback)

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, account := range accounts {
		fills, err := j.store.FillsSince(ctx, account, "", since)
		if err != nil {
			return fmt.Errorf("journal restore %s: %w", account, err)
		}
		for _, e := range fills {
			key := pairKey(e.Account, e.Symbol)
			st, ok := j.open[key]
			if !ok {
				st = &pairState{}
				j.open[key] = st
			}
			st.apply(e)
		}
		if len(fills) > 0 {
			j.logger.Info().Str("account", account).Int("fills", len(fills)).
				Msg("journal state restored")
		}
	}
	return nil
}

// LogFill appends one fill and, when it closes against an open position,
// backfills return_pct on both legs and notifies the round-trip callback.
func (j *Journal) LogFill(ctx context.Context, e Entry) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = j.clock()
	}

	if err := j.store.InsertFill(ctx, &e); err != nil {
		return fmt.Errorf("journal: insert fill: %w", err)
	}

	j.mu.Lock()
	key := pairKey(e.Account, e.Symbol)
	st, ok := j.open[key]
	if !ok {
		st = &pairState{}
		j.open[key] = st
	}
	ret, openID, matched := st.apply(e)
	cb := j.onRT
	j.mu.Unlock()

	j.logger.Info().
		Str("account", e.Account).Str("symbol", e.Symbol).
		Str("action", string(e.Action)).
		Float64("shares", e.Shares).Float64("price", e.Price).
		Str("reason", e.Reason).
		Msg("fill journaled")

	if !matched {
		return nil
	}

	if err := j.store.UpdateReturnPct(ctx, e.ID, ret); err != nil {
		j.logger.Error().Err(err).Int64("id", e.ID).Msg("return_pct update failed")
	}
	if err := j.store.UpdateReturnPct(ctx, openID, ret); err != nil {
		j.logger.Error().Err(err).Int64("id", openID).Msg("return_pct update failed")
	}

	j.logger.Info().
		Str("account", e.Account).Str("symbol", e.Symbol).
		Float64("return_pct", ret*100).
		Msg("round trip completed")

	if cb != nil {
		cb(e.Account, e.Symbol, ret)
	}
	return nil
}

// TickerStats computes realized round-trip statistics for one
// account/symbol pair over the lookback window.
func (j *Journal) TickerStats(ctx context.Context, account, symbol string) (Stats, error) {
	since := j.clock().Add(-j.lookback)
	fills, err := j.store.FillsSince(ctx, account, symbol, since)
	if err != nil {
		return Stats{}, fmt.Errorf("journal: ticker stats: %w", err)
	}

	var st pairState
	var returns []float64
	for _, e := range fills {
		if ret, _, matched := st.apply(e); matched {
			returns = append(returns, ret)
		}
	}

	stats := Stats{RoundTrips: len(returns)}
	if len(returns) == 0 {
		return stats, nil
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, r := range returns {
		if r > 0 {
			wins++
			winSum += r
		} else if r < 0 {
			losses++
			lossSum += -r
		}
	}

	stats.WinRate = float64(wins) / float64(len(returns))
	if wins > 0 {
		stats.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	return stats, nil
}

// RecentFills returns this account's fills from the trailing window,
// newest last.
func (j *Journal) RecentFills(ctx context.Context, account string, window time.Duration) ([]Entry, error) {
	since := j.clock().Add(-window)
	return j.store.FillsSince(ctx, account, "", since)
}
