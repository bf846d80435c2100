package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
)

// BridgeGateway talks to a broker sidecar that fronts the terminal API:
//
//	POST /orders          {account_id, instrument_code, side, price_type, limit_price, quantity, tag}
//	GET  /positions       ?account_id=...
//	GET  /funds           ?account_id=...
//	GET  /quote/{code}
type BridgeGateway struct {
	base string
	hc   *http.Client
}

func NewBridgeGateway(base string) *BridgeGateway {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	return &BridgeGateway{
		base: base,
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *BridgeGateway) Name() string { return "bridge" }

type bridgeOrderResponse struct {
	OrderID  string `json:"order_id"`
	Accepted *bool  `json:"accepted"`
	Reason   string `json:"reason"`
}

// Submit posts the order. A 4xx answer or accepted=false is a rejection; a
// 2xx answer without an order id is an empty acknowledgment.
func (b *BridgeGateway) Submit(ctx context.Context, req SubmitRequest) (*OrderHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}

	switch {
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("bridge orders %d: %s", res.StatusCode, string(raw))
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("%w: bridge %d: %s", ErrRejected, res.StatusCode, string(raw))
	}

	var out bridgeOrderResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode order response: %w", err)
		}
	}
	if out.Accepted != nil && !*out.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.Reason)
	}

	return Acknowledge(&OrderHandle{ID: out.OrderID, SubmittedAt: time.Now()}, nil)
}

// Positions fetches the current holdings of an account
func (b *BridgeGateway) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	var out struct {
		Positions []types.Position `json:"positions"`
	}
	if err := b.getJSON(ctx, "/positions?account_id="+url.QueryEscape(accountID), &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// AvailableCash implements Funds
func (b *BridgeGateway) AvailableCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var out struct {
		Available decimal.Decimal `json:"available"`
	}
	if err := b.getJSON(ctx, "/funds?account_id="+url.QueryEscape(accountID), &out); err != nil {
		return decimal.Zero, err
	}
	return out.Available, nil
}

// LastPrice implements Funds
func (b *BridgeGateway) LastPrice(ctx context.Context, instrumentCode string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := b.getJSON(ctx, "/quote/"+url.PathEscape(instrumentCode), &out); err != nil {
		return decimal.Zero, err
	}
	return out.Price, nil
}

func (b *BridgeGateway) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return fmt.Errorf("new request %s: %w", path, err)
	}

	res, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bridge %s %d: %s", path, res.StatusCode, string(raw))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
