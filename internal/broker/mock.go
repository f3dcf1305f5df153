package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient is an in-memory broker used by tests and paper wiring. Every
// method can be overridden per test through its hook; unset hooks fall back
// to simple stateful behavior (orders fill instantly at the mock price).
type MockClient struct {
	mu sync.Mutex

	Account    Account
	Positions  []Position
	OrderLog   []Order
	Prices     map[string]float64
	HistOrders []Order

	// SubmitDelay stalls SubmitOrder before responding, for timeout tests.
	SubmitDelay time.Duration

	GetAccountFunc     func(ctx context.Context) (*Account, error)
	ListPositionsFunc  func(ctx context.Context) ([]Position, error)
	SubmitOrderFunc    func(ctx context.Context, req OrderRequest) (*Order, error)
	ListOrdersFunc     func(ctx context.Context, status string, after, until time.Time, limit int) ([]Order, error)
	GetLatestPriceFunc func(ctx context.Context, symbol string) (float64, error)
}

// NewMockClient seeds a paper account with the given cash and equity.
func NewMockClient(cash, equity float64) *MockClient {
	return &MockClient{
		Account: Account{
			ID:          uuid.New().String(),
			Status:      "ACTIVE",
			Currency:    "USD",
			Cash:        cash,
			Equity:      equity,
			BuyingPower: cash,
		},
		Prices: make(map[string]float64),
	}
}

func (m *MockClient) GetAccount(ctx context.Context) (*Account, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.Account
	return &acct, nil
}

func (m *MockClient) ListPositions(ctx context.Context) ([]Position, error) {
	if m.ListPositionsFunc != nil {
		return m.ListPositionsFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(ctx, req)
	}

	if m.SubmitDelay > 0 {
		select {
		case <-time.After(m.SubmitDelay):
		case <-ctx.Done():
			return nil, &TransientError{Op: "submit order", Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	price := m.Prices[req.Symbol]
	if price <= 0 {
		price = 100
	}
	cost := price * req.Qty
	if req.Side == SideBuy && cost > m.Account.Cash {
		return nil, fmt.Errorf("submit order: %w: need %.2f, have %.2f", ErrInsufficientFunds, cost, m.Account.Cash)
	}

	now := time.Now()
	order := Order{
		ID:             uuid.New().String(),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: fmt.Sprintf("%.2f", price),
		Status:         OrderStatusFilled,
		SubmittedAt:    now,
		FilledAt:       &now,
	}

	if req.Side == SideBuy {
		m.Account.Cash -= cost
		m.applyFill(req.Symbol, req.Qty, price)
	} else {
		m.Account.Cash += cost
		m.applyFill(req.Symbol, -req.Qty, price)
	}
	m.OrderLog = append(m.OrderLog, order)
	return &order, nil
}

func (m *MockClient) ListOrders(ctx context.Context, status string, after, until time.Time, limit int) ([]Order, error) {
	if m.ListOrdersFunc != nil {
		return m.ListOrdersFunc(ctx, status, after, until, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Order
	for _, o := range m.HistOrders {
		if !after.IsZero() && o.SubmittedAt.Before(after) {
			continue
		}
		if !until.IsZero() && o.SubmittedAt.After(until) {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if m.GetLatestPriceFunc != nil {
		return m.GetLatestPriceFunc(ctx, symbol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, &TransientError{Op: "latest trade", Err: fmt.Errorf("no price for %s", symbol)}
	}
	return price, nil
}

// SetPrice updates the mock market price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[symbol] = price
}

// AddHistoricalOrder seeds order history for day-trade and Kelly tests.
func (m *MockClient) AddHistoricalOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistOrders = append(m.HistOrders, o)
}

// applyFill mutates the position book; caller holds the lock.
func (m *MockClient) applyFill(symbol string, qty, price float64) {
	for i := range m.Positions {
		if m.Positions[i].Symbol != symbol {
			continue
		}
		newQty := m.Positions[i].Qty + qty
		if newQty == 0 {
			m.Positions = append(m.Positions[:i], m.Positions[i+1:]...)
			return
		}
		m.Positions[i].Qty = newQty
		m.Positions[i].MarketValue = newQty * price
		return
	}
	if qty != 0 {
		m.Positions = append(m.Positions, Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgEntryPrice: price,
			MarketValue:   qty * price,
			Side:          "long",
		})
	}
}
