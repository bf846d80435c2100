// Package policy decides, for each pending order, how much to submit and
// in which order. It performs no I/O.
package policy

import (
	"errors"
	"fmt"

	"github.com/ksred/ordersync/internal/codes"
	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
)

// ErrCircuitOpen aborts a whole cycle when the pending batch looks anomalous.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Reason explains why an order is not executable this cycle.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBelowMinLot Reason = "below_min_lot"
	ReasonNoPosition  Reason = "no_position"
	ReasonUnsized     Reason = "unsized_buy"
	ReasonUnknownSide Reason = "unknown_side"
)

// Config holds the execution-time policy knobs.
type Config struct {
	Ratio      decimal.Decimal // fraction of requested quantity, (0, 1]
	LotSize    int64
	MinLots    int64
	MaxPending int // pending count at which the breaker trips
}

// DefaultConfig executes full size in lots of 100 and trips at 10 orders.
func DefaultConfig() Config {
	return Config{
		Ratio:      decimal.NewFromInt(1),
		LotSize:    100,
		MinLots:    1,
		MaxPending: 10,
	}
}

// Snapshot is the advisory market state a decision is made against.
type Snapshot struct {
	Positions map[string]int64           // held quantity by normalized code
	Prices    map[string]decimal.Decimal // latest price by normalized code
	BuyBudget decimal.Decimal            // cash available to each unsized buy
}

// Decision is the outcome for one order.
type Decision struct {
	Quantity  int64
	Requested int64
	Reason    Reason
}

// Executable reports whether the order should be submitted.
func (d Decision) Executable() bool {
	return d.Reason == ReasonNone && d.Quantity > 0
}

// Engine applies Config to orders.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.LotSize < 1 {
		cfg.LotSize = 1
	}
	if cfg.MinLots < 1 {
		cfg.MinLots = 1
	}
	if !cfg.Ratio.IsPositive() {
		cfg.Ratio = decimal.NewFromInt(1)
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// CheckBatch trips the breaker when pending meets or exceeds MaxPending.
func (e *Engine) CheckBatch(pending int) error {
	if e.cfg.MaxPending > 0 && pending >= e.cfg.MaxPending {
		return fmt.Errorf("%w: %d pending orders, threshold %d", ErrCircuitOpen, pending, e.cfg.MaxPending)
	}
	return nil
}

// MinQuantity is the smallest executable quantity.
func (e *Engine) MinQuantity() int64 {
	return e.cfg.LotSize * e.cfg.MinLots
}

// Scale applies the execution ratio and rounds down to a whole lot.
func (e *Engine) Scale(requested int64) int64 {
	if requested <= 0 {
		return 0
	}
	scaled := decimal.NewFromInt(requested).Mul(e.cfg.Ratio).Floor().IntPart()
	return scaled / e.cfg.LotSize * e.cfg.LotSize
}

// Decide computes the quantity to submit for order.
func (e *Engine) Decide(order types.OrderRecord, snap Snapshot) Decision {
	code := codes.Normalize(order.InstrumentCode)

	requested := order.Quantity
	switch order.Side {
	case types.SideBuy:
		if requested == 0 {
			sized, ok := sizeFromBudget(snap, code, order.ReferencePrice)
			if !ok {
				return Decision{Reason: ReasonUnsized}
			}
			requested = sized
		}
	case types.SideSell:
	default:
		return Decision{Requested: requested, Reason: ReasonUnknownSide}
	}

	quantity := e.Scale(requested)
	if quantity < e.MinQuantity() {
		return Decision{Quantity: quantity, Requested: requested, Reason: ReasonBelowMinLot}
	}

	if order.Side == types.SideSell {
		held := snap.Positions[code]
		if held <= 0 {
			return Decision{Requested: requested, Reason: ReasonNoPosition}
		}
		if quantity > held {
			quantity = held
		}
	}

	return Decision{Quantity: quantity, Requested: requested}
}

// sizeFromBudget converts the per-order cash budget into a share count at
// the latest price, falling back to the order's reference price.
func sizeFromBudget(snap Snapshot, code string, reference decimal.Decimal) (int64, bool) {
	if !snap.BuyBudget.IsPositive() {
		return 0, false
	}
	price, ok := snap.Prices[code]
	if !ok || !price.IsPositive() {
		price = reference
	}
	if !price.IsPositive() {
		return 0, false
	}
	return snap.BuyBudget.Div(price).Floor().IntPart(), true
}

// Phases splits a batch into sells and buys, preserving batch order within
// each phase. Orders with an unknown side go last so that they are still
// reported.
func Phases(orders []types.OrderRecord) (sells, buys, unknown []types.OrderRecord) {
	for _, o := range orders {
		switch o.Side {
		case types.SideSell:
			sells = append(sells, o)
		case types.SideBuy:
			buys = append(buys, o)
		default:
			unknown = append(unknown, o)
		}
	}
	return sells, buys, unknown
}

// CountUnsizedBuys counts the buys that need sizing from cash.
func CountUnsizedBuys(orders []types.OrderRecord) int {
	n := 0
	for _, o := range orders {
		if o.Side == types.SideBuy && o.Quantity == 0 {
			n++
		}
	}
	return n
}

// PositionMap keys a holdings snapshot by normalized code. Duplicate lines
// for the same instrument are summed and non-positive lines dropped.
func PositionMap(positions []types.Position) map[string]int64 {
	m := make(map[string]int64, len(positions))
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		m[codes.Normalize(p.InstrumentCode)] += p.Quantity
	}
	return m
}
