package gateway

import (
	"context"
	"fmt"

	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Throttled limits the submission rate of the wrapped gateway. Reads are
// not throttled.
type Throttled struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewThrottled allows rps submissions per second with a burst of one.
// A non-positive rps disables throttling.
func NewThrottled(next Gateway, rps float64) *Throttled {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttled) Name() string { return t.next.Name() }

func (t *Throttled) Submit(ctx context.Context, req SubmitRequest) (*OrderHandle, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("submission throttle: %w", err)
	}
	return t.next.Submit(ctx, req)
}

func (t *Throttled) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	return t.next.Positions(ctx, accountID)
}

// AvailableCash forwards to the wrapped gateway when it implements Funds.
func (t *Throttled) AvailableCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	f, ok := t.next.(Funds)
	if !ok {
		return decimal.Zero, fmt.Errorf("gateway %s does not report funds", t.next.Name())
	}
	return f.AvailableCash(ctx, accountID)
}

// LastPrice forwards to the wrapped gateway when it implements Funds.
func (t *Throttled) LastPrice(ctx context.Context, instrumentCode string) (decimal.Decimal, error) {
	f, ok := t.next.(Funds)
	if !ok {
		return decimal.Zero, fmt.Errorf("gateway %s does not report prices", t.next.Name())
	}
	return f.LastPrice(ctx, instrumentCode)
}
