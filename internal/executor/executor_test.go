package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/ordersync/internal/database"
	"github.com/ksred/ordersync/internal/gateway"
	"github.com/ksred/ordersync/internal/policy"
	"github.com/ksred/ordersync/internal/queue"
	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cycleTime = time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu          sync.Mutex
	positions   []types.Position
	positionErr error
	submitErrs  []error          // consumed one per Submit call
	failCodes   map[string]error // consumed on the first submit of a code
	emptyAck    bool
	submitted   []gateway.SubmitRequest
	events      []string
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Submit(ctx context.Context, req gateway.SubmitRequest) (*gateway.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, "submit:"+req.Side.String()+":"+req.InstrumentCode)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if err, ok := f.failCodes[req.InstrumentCode]; ok {
		delete(f.failCodes, req.InstrumentCode)
		return nil, err
	}
	if f.emptyAck {
		return &gateway.OrderHandle{}, nil
	}
	f.submitted = append(f.submitted, req)
	return &gateway.OrderHandle{ID: "GW-" + req.Tag, SubmittedAt: time.Now()}, nil
}

func (f *fakeGateway) Positions(ctx context.Context, accountID string) ([]types.Position, error) {
	return f.positions, f.positionErr
}

type fundedGateway struct {
	*fakeGateway
	cash   decimal.Decimal
	prices map[string]decimal.Decimal
}

func (f *fundedGateway) AvailableCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return f.cash, nil
}

func (f *fundedGateway) LastPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	price, ok := f.prices[code]
	if !ok {
		return decimal.Zero, errors.New("no quote")
	}
	return price, nil
}

func newTestQueue(t *testing.T) *queue.Database {
	t.Helper()

	db, err := database.NewDatabase(database.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "executor.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	return queue.NewDatabase(db, time.UTC)
}

func newTestService(q Queue, gw gateway.Gateway, cfg policy.Config) *Service {
	s := NewService(q, gw, policy.New(cfg), Config{
		AccountID:  "ACC-1",
		ClaimantID: "executor-test",
		PhasePause: time.Second,
	})
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func publish(t *testing.T, q *queue.Database, drafts ...types.OrderDraft) []string {
	t.Helper()
	ids, err := q.Publish(context.Background(), drafts, cycleTime.Add(-time.Hour))
	require.NoError(t, err)
	return ids
}

func status(t *testing.T, q *queue.Database, id string) types.Status {
	t.Helper()
	order, err := q.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order.Status
}

func draft(code string, side types.Side, qty int64) types.OrderDraft {
	return types.OrderDraft{InstrumentCode: code, Side: side, Quantity: qty, ReferencePrice: decimal.NewFromInt(10)}
}

func TestSellCappedAtHeldPosition(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{positions: []types.Position{{InstrumentCode: "600519", Quantity: 300}}}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600519.XSHG", types.SideSell, 500))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Submitted)

	require.Len(t, gw.submitted, 1)
	req := gw.submitted[0]
	assert.Equal(t, int64(300), req.Quantity)
	assert.Equal(t, "600519", req.InstrumentCode)
	assert.Equal(t, types.SideSell, req.Side)
	assert.Equal(t, gateway.PriceMarket, req.PriceType)
	assert.Equal(t, id, req.Tag)
	assert.Equal(t, types.StatusExecuted, status(t, q, id))
}

func TestBelowMinimumLotIsReverted(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	cfg := policy.DefaultConfig()
	cfg.Ratio = decimal.RequireFromString("0.1")
	svc := newTestService(q, gw, cfg)

	id := publish(t, q, draft("000001.XSHE", types.SideBuy, 250))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Reverted)
	assert.Empty(t, report.Submitted)
	assert.Empty(t, gw.submitted)
	assert.Equal(t, types.StatusReverted, status(t, q, id))
}

func TestCircuitBreakerClaimsNothing(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())

	drafts := make([]types.OrderDraft, 12)
	for i := range drafts {
		drafts[i] = draft("600000.XSHG", types.SideBuy, 100)
	}
	ids := publish(t, q, drafts...)

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.ErrorIs(t, err, policy.ErrCircuitOpen)
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 12, report.Pending)
	assert.Empty(t, gw.submitted)

	for _, id := range ids {
		assert.Equal(t, types.StatusPending, status(t, q, id))
	}
}

func TestGatewayFailureRevertsAndRetries(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{submitErrs: []error{errors.New("connection reset by peer")}}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600519.XSHG", types.SideBuy, 100))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, []string{id}, report.Reverted)
	assert.Equal(t, types.StatusReverted, status(t, q, id))

	report, err = svc.RunCycle(context.Background(), cycleTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Submitted)
	assert.Equal(t, types.StatusExecuted, status(t, q, id))
}

func TestGatewayRejectionContinuesCycle(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{failCodes: map[string]error{"600000": gateway.ErrRejected}}
	svc := newTestService(q, gw, policy.DefaultConfig())

	ids := publish(t, q,
		draft("600000.XSHG", types.SideBuy, 100),
		draft("600001.XSHG", types.SideBuy, 100),
	)

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, report.Reverted)
	assert.Equal(t, []string{ids[1]}, report.Submitted)
}

func TestEmptyAcknowledgmentIsAFailure(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{emptyAck: true}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600000.XSHG", types.SideBuy, 100))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Reverted)
	assert.Equal(t, types.StatusReverted, status(t, q, id))
}

func TestSellsRunBeforeBuys(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{positions: []types.Position{
		{InstrumentCode: "000001.XSHE", Quantity: 1000},
		{InstrumentCode: "000002.XSHE", Quantity: 1000},
	}}
	svc := newTestService(q, gw, policy.DefaultConfig())

	var paused bool
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		gw.events = append(gw.events, "pause")
		paused = true
		return nil
	}

	publish(t, q,
		draft("600000.XSHG", types.SideBuy, 100),
		draft("000001.XSHE", types.SideSell, 100),
		draft("600001.XSHG", types.SideBuy, 200),
		draft("000002.XSHE", types.SideSell, 100),
	)

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Len(t, report.Submitted, 4)
	assert.True(t, paused)
	require.Len(t, gw.events, 5)
	assert.ElementsMatch(t, []string{"submit:SELL:000001", "submit:SELL:000002"}, gw.events[:2])
	assert.Equal(t, "pause", gw.events[2])
	assert.ElementsMatch(t, []string{"submit:BUY:600000", "submit:BUY:600001"}, gw.events[3:])
}

func TestSellWithoutPositionIsReverted(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600519.XSHG", types.SideSell, 100))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Reverted)
	assert.Empty(t, gw.submitted)
}

func TestPositionFailureIsTransient(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{positionErr: errors.New("terminal offline")}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600519.XSHG", types.SideBuy, 100))[0]

	_, err := svc.RunCycle(context.Background(), cycleTime)
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, types.StatusPending, status(t, q, id))
}

func TestUnsizedBuySizedFromCash(t *testing.T) {
	q := newTestQueue(t)
	gw := &fundedGateway{
		fakeGateway: &fakeGateway{},
		cash:        decimal.NewFromInt(100_000),
		prices:      map[string]decimal.Decimal{"600000": decimal.NewFromInt(12)},
	}
	svc := newTestService(q, gw, policy.DefaultConfig())

	publish(t, q,
		draft("600000.XSHG", types.SideBuy, 0),
		draft("600001.XSHG", types.SideBuy, 0),
	)

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	require.Len(t, report.Submitted, 2)

	// 50,000 each: 4166 shares at the quote, 5000 at the reference price
	quantities := map[string]int64{}
	for _, req := range gw.submitted {
		quantities[req.InstrumentCode] = req.Quantity
	}
	assert.Equal(t, map[string]int64{"600000": 4100, "600001": 5000}, quantities)
}

func TestUnsizedBuyWithoutFundsIsReverted(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600000.XSHG", types.SideBuy, 0))[0]

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Reverted)
}

func TestLostClaimIsSkipped(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())

	id := publish(t, q, draft("600000.XSHG", types.SideBuy, 100))[0]

	racer := &racingQueue{Database: q, stealID: id}
	svc.queue = racer

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Lost)
	assert.Empty(t, gw.submitted)
	assert.Equal(t, types.StatusClaimed, status(t, q, id))
}

// racingQueue lets another claimant win just before the executor claims.
type racingQueue struct {
	*queue.Database
	stealID string
}

func (r *racingQueue) TryClaim(ctx context.Context, id, claimant string) (bool, error) {
	if id == r.stealID {
		if _, err := r.Database.TryClaim(ctx, id, "other-executor"); err != nil {
			return false, err
		}
	}
	return r.Database.TryClaim(ctx, id, claimant)
}

func TestOnlyTodaysOrdersAreExecuted(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())

	_, err := q.Publish(context.Background(), []types.OrderDraft{draft("600000.XSHG", types.SideBuy, 100)}, cycleTime.AddDate(0, 0, -1))
	require.NoError(t, err)

	report, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	assert.Zero(t, report.Pending)
	assert.Empty(t, gw.submitted)
}

func TestStaleClaimsSweptWhenEnabled(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())
	svc.cfg.ClaimTimeout = time.Minute

	id := publish(t, q, draft("600000.XSHG", types.SideBuy, 100))[0]
	ok, err := q.TryClaim(context.Background(), id, "crashed-executor")
	require.NoError(t, err)
	require.True(t, ok)

	// the claim was stamped with the wall clock; sweep as of an hour later
	report, err := svc.RunCycle(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Swept)
}

func TestCancelledDuringPhasePause(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{positions: []types.Position{{InstrumentCode: "000001", Quantity: 100}}}
	svc := newTestService(q, gw, policy.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	svc.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	ids := publish(t, q,
		draft("000001.XSHE", types.SideSell, 100),
		draft("600000.XSHG", types.SideBuy, 100),
	)

	report, err := svc.RunCycle(ctx, cycleTime)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{ids[0]}, report.Submitted)
	assert.Equal(t, types.StatusPending, status(t, q, ids[1]))
}

func TestLimitOrdersCarryReferencePrice(t *testing.T) {
	q := newTestQueue(t)
	gw := &fakeGateway{}
	svc := newTestService(q, gw, policy.DefaultConfig())
	svc.cfg.PriceType = gateway.PriceLimit

	publish(t, q, draft("600000.XSHG", types.SideBuy, 100))

	_, err := svc.RunCycle(context.Background(), cycleTime)
	require.NoError(t, err)
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, gateway.PriceLimit, gw.submitted[0].PriceType)
	assert.True(t, gw.submitted[0].LimitPrice.Equal(decimal.NewFromInt(10)))
}

func TestSellsOfSameInstrumentShareHolding(t *testing.T) {
	t.Run("second sell finds nothing left", func(t *testing.T) {
		q := newTestQueue(t)
		gw := &fakeGateway{positions: []types.Position{{InstrumentCode: "600519", Quantity: 300}}}
		svc := newTestService(q, gw, policy.DefaultConfig())

		ids := publish(t, q,
			draft("600519.XSHG", types.SideSell, 300),
			draft("600519.XSHE", types.SideSell, 300),
		)

		report, err := svc.RunCycle(context.Background(), cycleTime)
		require.NoError(t, err)
		require.Len(t, report.Submitted, 1)
		require.Len(t, report.Reverted, 1)
		assert.ElementsMatch(t, ids, append(report.Submitted, report.Reverted...))

		require.Len(t, gw.submitted, 1)
		assert.Equal(t, int64(300), gw.submitted[0].Quantity)
		assert.Equal(t, types.StatusExecuted, status(t, q, report.Submitted[0]))
		assert.Equal(t, types.StatusReverted, status(t, q, report.Reverted[0]))
	})

	t.Run("second sell capped at remainder", func(t *testing.T) {
		q := newTestQueue(t)
		gw := &fakeGateway{positions: []types.Position{{InstrumentCode: "000001", Quantity: 500}}}
		svc := newTestService(q, gw, policy.DefaultConfig())

		publish(t, q,
			draft("000001.XSHE", types.SideSell, 300),
			draft("000001.SZ", types.SideSell, 300),
		)

		report, err := svc.RunCycle(context.Background(), cycleTime)
		require.NoError(t, err)
		assert.Len(t, report.Submitted, 2)

		var sold []int64
		var total int64
		for _, req := range gw.submitted {
			sold = append(sold, req.Quantity)
			total += req.Quantity
		}
		assert.ElementsMatch(t, []int64{300, 200}, sold)
		assert.Equal(t, int64(500), total)
	})
}
