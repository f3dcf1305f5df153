package broker

import (
	"strconv"
	"time"
)

// Side is the order direction accepted by the broker API.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the broker order type.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// Broker-side order status values.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusRejected        = "rejected"
)

// Account is the broker's account snapshot. Numeric fields arrive as JSON
// strings on the wire.
type Account struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	Currency         string  `json:"currency"`
	Cash             float64 `json:"cash,string"`
	Equity           float64 `json:"equity,string"`
	BuyingPower      float64 `json:"buying_power,string"`
	DayTradeCount    int     `json:"daytrade_count"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	TradingBlocked   bool    `json:"trading_blocked"`
}

// Position is one open position as reported by the broker.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	MarketValue   float64 `json:"market_value,string"`
	UnrealizedPnL float64 `json:"unrealized_pl,string"`
	Side          string  `json:"side"`
}

// Order is the broker's view of an order. Nullable numeric fields
// (limit_price, filled_avg_price) stay strings and are parsed on demand
// because the API sends null until they are populated.
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Type           OrderType  `json:"type"`
	Qty            float64    `json:"qty,string"`
	FilledQty      float64    `json:"filled_qty,string"`
	LimitPrice     string     `json:"limit_price"`
	FilledAvgPrice string     `json:"filled_avg_price"`
	Status         string     `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
}

// FilledPrice returns the average fill price, zero when unfilled.
func (o *Order) FilledPrice() float64 {
	return parseFloat(o.FilledAvgPrice)
}

// Limit returns the limit price, zero for market orders.
func (o *Order) Limit() float64 {
	return parseFloat(o.LimitPrice)
}

// IsFilled reports whether the broker considers the order complete.
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// OrderRequest is the payload for submitting a new order.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Qty           float64     `json:"qty"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	LimitPrice    *float64    `json:"limit_price,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// FillUpdate is one event from the trade-updates stream, already flattened
// for consumers.
type FillUpdate struct {
	Event     string
	OrderID   string
	Symbol    string
	Side      Side
	Qty       float64
	Price     float64
	Timestamp time.Time
}

// latestTradeResponse is the data-API envelope for the most recent trade.
type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		Price     float64   `json:"p"`
		Size      float64   `json:"s"`
		Timestamp time.Time `json:"t"`
	} `json:"trade"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
