// Package broker is the REST and streaming client layer for the brokerage
// API. Each trading account owns one authenticated Client; market data is
// served from a separate host so a broken feed never shares a failure
// domain with order submission.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Client is the per-account broker API surface the rest of the engine
// depends on.
type Client interface {
	GetAccount(ctx context.Context) (*Account, error)
	ListPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	ListOrders(ctx context.Context, status string, after, until time.Time, limit int) ([]Order, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

var _ Client = (*RESTClient)(nil)
var _ Client = (*MockClient)(nil)

// Credentials authenticate one account against the broker.
type Credentials struct {
	APIKey    string
	APISecret string
}

// RESTClient talks to the broker's trading and data hosts for one account.
type RESTClient struct {
	creds      Credentials
	tradingURL string
	dataURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
}

// NewRESTClient builds a client. reqPerSec paces all calls for this account;
// the broker enforces 200 requests/min per key, so the default config stays
// well under that.
func NewRESTClient(creds Credentials, tradingURL, dataURL string, reqPerSec float64, retry RetryPolicy) *RESTClient {
	if reqPerSec <= 0 {
		reqPerSec = 3
	}
	return &RESTClient{
		creds:      creds,
		tradingURL: tradingURL,
		dataURL:    dataURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(reqPerSec), int(reqPerSec)+1),
		retry:      retry,
	}
}

// GetAccount fetches the live account snapshot.
func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	err := c.getJSON(ctx, c.tradingURL+"/v2/account", &acct)
	if err != nil {
		return nil, classifyError("get account", err)
	}
	return &acct, nil
}

// ListPositions fetches all open positions for the account.
func (c *RESTClient) ListPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := c.getJSON(ctx, c.tradingURL+"/v2/positions", &positions)
	if err != nil {
		return nil, classifyError("list positions", err)
	}
	return positions, nil
}

// SubmitOrder places a new order. Transient failures are retried under the
// client's policy; rejection classes (insufficient funds, invalid order)
// surface immediately.
func (c *RESTClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding order: %w", err)
	}

	var order Order
	err = c.retry.Do(ctx, func() error {
		inner := c.doRequest(ctx, http.MethodPost, c.tradingURL+"/v2/orders", payload, &order)
		return classifyError("submit order", inner)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders queries order history. status is the broker-side filter
// ("closed", "open", "all"); zero times are omitted.
func (c *RESTClient) ListOrders(ctx context.Context, status string, after, until time.Time, limit int) ([]Order, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if !after.IsZero() {
		params.Set("after", after.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		params.Set("until", until.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	params.Set("direction", "asc")

	var orders []Order
	err := c.getJSON(ctx, c.tradingURL+"/v2/orders?"+params.Encode(), &orders)
	if err != nil {
		return nil, classifyError("list orders", err)
	}
	return orders, nil
}

// GetLatestPrice returns the most recent trade price for symbol from the
// data host.
func (c *RESTClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var resp latestTradeResponse
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", c.dataURL, url.PathEscape(symbol))
	err := c.getJSON(ctx, endpoint, &resp)
	if err != nil {
		return 0, classifyError("latest trade", err)
	}
	if resp.Trade.Price <= 0 {
		return 0, fmt.Errorf("latest trade for %s: %w: non-positive price", symbol, ErrInvalidOrder)
	}
	return resp.Trade.Price, nil
}

// getJSON is a GET with retries; reads share the same retry policy as
// order submission.
func (c *RESTClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	return c.retry.Do(ctx, func() error {
		inner := c.doRequest(ctx, http.MethodGet, endpoint, nil, out)
		return classifyError("GET "+endpoint, inner)
	})
}

func (c *RESTClient) doRequest(ctx context.Context, method, endpoint string, payload []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.creds.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.creds.APISecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			// Error body shape is {"code": N, "message": "..."}; fall back
			// to the raw body when it isn't.
			if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
				apiErr.Message = string(data)
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// UnauthenticatedClient stands in for accounts registered without
// credentials. Every call fails with ErrNoCredentials, so a blocked
// account can never reach the broker.
type UnauthenticatedClient struct {
	account string
}

var _ Client = (*UnauthenticatedClient)(nil)

// NewUnauthenticatedClient builds the stand-in for one account.
func NewUnauthenticatedClient(account string) *UnauthenticatedClient {
	return &UnauthenticatedClient{account: account}
}

func (u *UnauthenticatedClient) err(op string) error {
	return fmt.Errorf("%s for %s: %w", op, u.account, ErrNoCredentials)
}

func (u *UnauthenticatedClient) GetAccount(ctx context.Context) (*Account, error) {
	return nil, u.err("get account")
}

func (u *UnauthenticatedClient) ListPositions(ctx context.Context) ([]Position, error) {
	return nil, u.err("list positions")
}

func (u *UnauthenticatedClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return nil, u.err("submit order")
}

func (u *UnauthenticatedClient) ListOrders(ctx context.Context, status string, after, until time.Time, limit int) ([]Order, error) {
	return nil, u.err("list orders")
}

func (u *UnauthenticatedClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, u.err("latest trade")
}
