// Package gateway defines the boundary to the brokerage gateway and ships
// the implementations the executor can run against.
//
//   - PaperGateway: in-memory fills with simulated latency and rejects
//   - BridgeGateway: JSON over HTTP to a broker sidecar
//   - Throttled: token-bucket wrapper around either
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is returned when the gateway refuses an order.
	ErrRejected = errors.New("order rejected by gateway")
	// ErrEmptyAck is returned when the gateway answers without an order
	// handle. It counts as a failed submission.
	ErrEmptyAck = errors.New("gateway returned an empty acknowledgment")
)

// PriceType selects how the gateway prices the order.
type PriceType string

const (
	PriceMarket PriceType = "MARKET"
	PriceLimit  PriceType = "LIMIT"
)

// SubmitRequest carries one order to the gateway. InstrumentCode is always
// in normalized form.
type SubmitRequest struct {
	AccountID      string          `json:"account_id"`
	InstrumentCode string          `json:"instrument_code"`
	Side           types.Side      `json:"side"`
	PriceType      PriceType       `json:"price_type"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Quantity       int64           `json:"quantity"`
	Tag            string          `json:"tag"` // order record id, for reconciliation
}

// OrderHandle is the gateway's acknowledgment. Fill status is not tracked.
type OrderHandle struct {
	ID          string    `json:"order_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Gateway is the minimal surface the executor needs.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*OrderHandle, error)
	Positions(ctx context.Context, accountID string) ([]types.Position, error)
}

// Funds is implemented by gateways that can size unsized buys.
type Funds interface {
	AvailableCash(ctx context.Context, accountID string) (decimal.Decimal, error)
	LastPrice(ctx context.Context, instrumentCode string) (decimal.Decimal, error)
}

// Acknowledge folds a nil or empty handle into ErrEmptyAck so callers have
// a single failure path.
func Acknowledge(handle *OrderHandle, err error) (*OrderHandle, error) {
	if err != nil {
		return nil, err
	}
	if handle == nil || handle.ID == "" {
		return nil, ErrEmptyAck
	}
	return handle, nil
}

// Validate rejects requests the gateway could never accept.
func (r SubmitRequest) Validate() error {
	if r.InstrumentCode == "" {
		return fmt.Errorf("%w: missing instrument code", ErrRejected)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: non-positive quantity %d", ErrRejected, r.Quantity)
	}
	if r.Side != types.SideBuy && r.Side != types.SideSell {
		return fmt.Errorf("%w: unknown side", ErrRejected)
	}
	if r.PriceType == PriceLimit && !r.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit order without price", ErrRejected)
	}
	return nil
}
