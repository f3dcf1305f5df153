package rebalance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/accounts"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
)

type fakeQueuer struct {
	mu    sync.Mutex
	batches []*batch.BatchOrder
	err     error
}

func (f *fakeQueuer) Enqueue(b *batch.BatchOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

func fixedPrice(price float64) PriceFunc {
	return func(ctx context.Context, symbol string) (float64, error) {
		return price, nil
	}
}

func newFleet(t *testing.T, clients map[string]*broker.MockClient, primary string) *accounts.Registry {
	t.Helper()
	handles := make([]accounts.Handle, 0, len(clients))
	for name, m := range clients {
		handles = append(handles, accounts.Handle{Name: name, Client: m})
	}
	reg, err := accounts.NewRegistry(handles, primary, time.Minute, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.RefreshAll(context.Background())
	return reg
}

func TestShouldRebalanceGates(t *testing.T) {
	mock := broker.NewMockClient(50000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 500, MarketValue: 50000, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	targets := map[string]float64{"SPY": 0.4}

	t.Run("disabled", func(t *testing.T) {
		e := NewEngine(Config{Enabled: false, Targets: targets}, reg, &fakeQueuer{}, fixedPrice(100), nil, zerolog.Nop())
		if e.ShouldRebalance() {
			t.Fatal("disabled engine armed")
		}
	})

	t.Run("no targets", func(t *testing.T) {
		e := NewEngine(Config{Enabled: true}, reg, &fakeQueuer{}, fixedPrice(100), nil, zerolog.Nop())
		if e.ShouldRebalance() {
			t.Fatal("engine armed without targets")
		}
	})

	t.Run("inside min interval", func(t *testing.T) {
		e := NewEngine(Config{Enabled: true, Targets: targets, MinInterval: time.Hour}, reg, &fakeQueuer{}, fixedPrice(100), nil, zerolog.Nop())
		e.mu.Lock()
		e.lastRebalance = time.Now().Add(-time.Minute)
		e.mu.Unlock()
		if e.ShouldRebalance() {
			t.Fatal("engine armed inside the minimum interval")
		}
	})

	t.Run("deviation out of band", func(t *testing.T) {
		// SPY weight is 0.5 against a 0.4 target.
		e := NewEngine(Config{Enabled: true, Targets: targets, Threshold: 0.05}, reg, &fakeQueuer{}, fixedPrice(100), nil, zerolog.Nop())
		if !e.ShouldRebalance() {
			t.Fatal("engine not armed at 10% deviation")
		}
	})

	t.Run("deviation in band", func(t *testing.T) {
		e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.48}, Threshold: 0.05}, reg, &fakeQueuer{}, fixedPrice(100), nil, zerolog.Nop())
		if e.ShouldRebalance() {
			t.Fatal("engine armed at 2% deviation")
		}
	})
}

func TestRebalanceSellsExcessWeight(t *testing.T) {
	mock := broker.NewMockClient(50000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 500, MarketValue: 50000, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	q := &fakeQueuer{}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	queued, err := e.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1", queued)
	}

	b := q.batches[0]
	if b.Action != broker.SideSell {
		t.Fatalf("action = %s, want sell", b.Action)
	}
	// target 40000 vs current 50000 at price 100.
	if b.Quantities["ALPHA"] != 100 {
		t.Fatalf("sell qty = %d, want 100", b.Quantities["ALPHA"])
	}
	if b.RefPrice != 100 {
		t.Fatalf("ref price = %.2f, want 100", b.RefPrice)
	}
	if e.LastRebalance().IsZero() {
		t.Fatal("lastRebalance not advanced after an executed rebalance")
	}
}

func TestRebalanceBuysShortfall(t *testing.T) {
	mock := broker.NewMockClient(80000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 200, MarketValue: 20000, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	q := &fakeQueuer{}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	queued, err := e.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1", queued)
	}
	b := q.batches[0]
	if b.Action != broker.SideBuy {
		t.Fatalf("action = %s, want buy", b.Action)
	}
	if b.Quantities["ALPHA"] != 200 {
		t.Fatalf("buy qty = %d, want 200", b.Quantities["ALPHA"])
	}
}

func TestRebalanceRespectsNotionalFloor(t *testing.T) {
	mock := broker.NewMockClient(60000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 399, MarketValue: 39950, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	q := &fakeQueuer{}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}, MinTradeValue: 100}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	queued, err := e.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if queued != 0 {
		t.Fatalf("queued = %d, want 0 for a $50 drift", queued)
	}
	if !e.LastRebalance().IsZero() {
		t.Fatal("lastRebalance advanced without an executed trade")
	}
}

func TestRebalanceSellCappedAtHeldQuantity(t *testing.T) {
	// Stale market value makes the delta ask for more shares than held.
	mock := broker.NewMockClient(50000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 50, MarketValue: 50000, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	q := &fakeQueuer{}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	if _, err := e.Rebalance(context.Background()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(q.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(q.batches))
	}
	if got := q.batches[0].Quantities["ALPHA"]; got != 50 {
		t.Fatalf("sell qty = %d, want held quantity 50", got)
	}
}

func TestRebalanceFollowsFleetDirection(t *testing.T) {
	over := broker.NewMockClient(50000, 100000)
	over.Positions = []broker.Position{{Symbol: "SPY", Qty: 500, MarketValue: 50000, Side: "long"}}
	under := broker.NewMockClient(65000, 100000)
	under.Positions = []broker.Position{{Symbol: "SPY", Qty: 350, MarketValue: 35000, Side: "long"}}

	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": over, "BRAVO": under}, "ALPHA")

	q := &fakeQueuer{}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	if _, err := e.Rebalance(context.Background()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(q.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(q.batches))
	}

	// ALPHA is 10000 over, BRAVO 5000 under: the fleet is net short of
	// target by -5000, so this round sells ALPHA down and leaves BRAVO.
	b := q.batches[0]
	if b.Action != broker.SideSell {
		t.Fatalf("action = %s, want sell", b.Action)
	}
	if b.Quantities["ALPHA"] != 100 {
		t.Fatalf("ALPHA qty = %d, want 100", b.Quantities["ALPHA"])
	}
	if _, ok := b.Quantities["BRAVO"]; ok {
		t.Fatal("BRAVO included against the fleet direction")
	}
}

func TestRebalanceQueueRejectionDoesNotAdvanceClock(t *testing.T) {
	mock := broker.NewMockClient(50000, 100000)
	mock.Positions = []broker.Position{{Symbol: "SPY", Qty: 500, MarketValue: 50000, Side: "long"}}
	reg := newFleet(t, map[string]*broker.MockClient{"ALPHA": mock}, "ALPHA")

	q := &fakeQueuer{err: errors.New("trading halted")}
	e := NewEngine(Config{Enabled: true, Targets: map[string]float64{"SPY": 0.4}}, reg, q, fixedPrice(100), nil, zerolog.Nop())

	queued, err := e.Rebalance(context.Background())
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if queued != 0 {
		t.Fatalf("queued = %d, want 0", queued)
	}
	if !e.LastRebalance().IsZero() {
		t.Fatal("lastRebalance advanced after rejected batches")
	}
}
