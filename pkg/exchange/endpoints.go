package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// OrderRequest is the payload of the order-create endpoint.
type OrderRequest struct {
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "buy" or "sell"
	Type          string  `json:"type"` // "market" or "limit"
	Size          float64 `json:"size,string"`
	Price         float64 `json:"price,string,omitempty"`
	ReduceOnly    bool    `json:"reduceOnly"`
}

// GetBalance reads the USDT account balance.
func (c *RESTClient) GetBalance(ctx context.Context) (*Balance, error) {
	result, err := c.Call(ctx, http.MethodGet, "/v1/account/balance", nil,
		CallOptions{Authenticated: true, Idempotent: true})
	if err != nil {
		return nil, err
	}

	var balance Balance
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, &ProtocolError{Message: "malformed balance payload: " + err.Error()}
	}
	return &balance, nil
}

// GetPositions reads the authoritative open position list.
func (c *RESTClient) GetPositions(ctx context.Context) ([]PositionState, error) {
	result, err := c.Call(ctx, http.MethodGet, "/v1/positions", nil,
		CallOptions{Authenticated: true, Idempotent: true})
	if err != nil {
		return nil, err
	}

	var positions []PositionState
	if err := json.Unmarshal(result, &positions); err != nil {
		return nil, &ProtocolError{Message: "malformed positions payload: " + err.Error()}
	}
	return positions, nil
}

// GetTicker reads the current best prices for one symbol.
func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{}
	query.Set("symbol", symbol)

	result, err := c.Call(ctx, http.MethodGet, "/v1/ticker", query,
		CallOptions{Authenticated: false, Idempotent: true})
	if err != nil {
		return nil, err
	}

	var ticker Ticker
	if err := json.Unmarshal(result, &ticker); err != nil {
		return nil, &ProtocolError{Message: "malformed ticker payload: " + err.Error()}
	}
	return &ticker, nil
}

// CreateOrder places an order. Not idempotent: a NetworkError from this
// call means the order may or may not exist at the exchange, and the
// caller must reconcile via GetPositions before acting again.
func (c *RESTClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	result, err := c.Call(ctx, http.MethodPost, "/v1/orders", req,
		CallOptions{Authenticated: true, Idempotent: false})
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(result, &order); err != nil {
		return nil, &ProtocolError{Message: "malformed order payload: " + err.Error()}
	}
	return &order, nil
}

// CancelOrder cancels an order by id. Cancels are idempotent at the
// exchange, so network failures are retried.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	params := map[string]string{"orderId": orderID}
	_, err := c.Call(ctx, http.MethodPost, "/v1/orders/cancel", params,
		CallOptions{Authenticated: true, Idempotent: true})
	return err
}
