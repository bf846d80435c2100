package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/ordersync/internal/codes"
	"github.com/ksred/ordersync/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperConfig describes the simulated venue
type PaperConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability a valid order is acknowledged
	Cash        decimal.Decimal
	Holdings    map[string]int64
	Prices      map[string]decimal.Decimal
	Seed        int64
}

// DefaultPaperConfig mirrors a healthy primary venue
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  30 * time.Millisecond,
		SuccessRate: 0.95,
		Cash:        decimal.NewFromInt(1_000_000),
		Seed:        time.Now().UnixNano(),
	}
}

// PaperGateway fills every acknowledged order immediately at the last known
// price and keeps holdings and cash in memory.
type PaperGateway struct {
	mu       sync.Mutex
	cfg      PaperConfig
	rnd      *rand.Rand
	cash     decimal.Decimal
	holdings map[string]int64
	prices   map[string]decimal.Decimal
	fills    []PaperFill
}

// PaperFill records one simulated execution
type PaperFill struct {
	OrderID        string
	Tag            string
	InstrumentCode string
	Side           types.Side
	Quantity       int64
	Price          decimal.Decimal
	FilledAt       time.Time
}

func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	g := &PaperGateway{
		cfg:      cfg,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		cash:     cfg.Cash,
		holdings: make(map[string]int64),
		prices:   make(map[string]decimal.Decimal),
	}
	for code, qty := range cfg.Holdings {
		g.holdings[codes.Normalize(code)] = qty
	}
	for code, px := range cfg.Prices {
		g.prices[codes.Normalize(code)] = px
	}
	return g
}

func (g *PaperGateway) Name() string { return "paper" }

// SetPrice updates the simulated last price of an instrument
func (g *PaperGateway) SetPrice(code string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[codes.Normalize(code)] = price
}

// Fills returns a copy of every simulated execution so far
func (g *PaperGateway) Fills() []PaperFill {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PaperFill, len(g.fills))
	copy(out, g.fills)
	return out
}

// Submit simulates order execution with random latency and rejects
func (g *PaperGateway) Submit(ctx context.Context, req SubmitRequest) (*OrderHandle, error) {
	logger := log.With().
		Str("gateway", g.Name()).
		Str("code", req.InstrumentCode).
		Str("side", req.Side.String()).
		Int64("quantity", req.Quantity).
		Logger()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	latency := g.latency()
	logger.Debug().Dur("latency", latency).Msg("simulated gateway latency")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rnd.Float64() > g.cfg.SuccessRate {
		logger.Warn().Float64("success_rate", g.cfg.SuccessRate).Msg("order rejected by success rate threshold")
		return nil, fmt.Errorf("%w: venue unavailable", ErrRejected)
	}

	price := g.prices[req.InstrumentCode]
	if req.PriceType == PriceLimit {
		price = req.LimitPrice
	}
	notional := price.Mul(decimal.NewFromInt(req.Quantity))

	switch req.Side {
	case types.SideSell:
		if held := g.holdings[req.InstrumentCode]; held < req.Quantity {
			return nil, fmt.Errorf("%w: sell %d exceeds holding %d", ErrRejected, req.Quantity, held)
		}
		g.holdings[req.InstrumentCode] -= req.Quantity
		g.cash = g.cash.Add(notional)
	case types.SideBuy:
		if notional.GreaterThan(g.cash) {
			return nil, fmt.Errorf("%w: insufficient cash for %s", ErrRejected, notional)
		}
		g.holdings[req.InstrumentCode] += req.Quantity
		g.cash = g.cash.Sub(notional)
	}

	handle := &OrderHandle{ID: "PAPER-" + uuid.New().String(), SubmittedAt: time.Now()}
	g.fills = append(g.fills, PaperFill{
		OrderID:        handle.ID,
		Tag:            req.Tag,
		InstrumentCode: req.InstrumentCode,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          price,
		FilledAt:       handle.SubmittedAt,
	})

	logger.Info().
		Str("order_id", handle.ID).
		Str("price", price.String()).
		Msg("order filled on paper gateway")

	return handle, nil
}

// Positions returns the non-zero simulated holdings
func (g *PaperGateway) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make([]types.Position, 0, len(g.holdings))
	for code, qty := range g.holdings {
		if qty > 0 {
			positions = append(positions, types.Position{InstrumentCode: code, Quantity: qty})
		}
	}
	return positions, nil
}

// AvailableCash implements Funds
func (g *PaperGateway) AvailableCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cash, nil
}

// LastPrice implements Funds
func (g *PaperGateway) LastPrice(ctx context.Context, instrumentCode string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[codes.Normalize(instrumentCode)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", instrumentCode)
	}
	return price, nil
}

func (g *PaperGateway) latency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxLatency <= g.cfg.MinLatency {
		return g.cfg.MinLatency
	}
	spread := int64(g.cfg.MaxLatency - g.cfg.MinLatency)
	return g.cfg.MinLatency + time.Duration(g.rnd.Int63n(spread+1))
}
