package queue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/ordersync/internal/database"
	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, 10, 19, 1, 15, 0, 0, time.UTC)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	db, err := database.NewDatabase(database.Options{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	d := NewDatabase(db, time.UTC)
	d.now = func() time.Time { return testDay }
	return d
}

func publish(t *testing.T, d *Database, createdAt time.Time, drafts ...types.OrderDraft) []string {
	t.Helper()
	ids, err := d.Publish(context.Background(), drafts, createdAt)
	require.NoError(t, err)
	require.Len(t, ids, len(drafts))
	return ids
}

func buy(code string, qty int64) types.OrderDraft {
	return types.OrderDraft{InstrumentCode: code, Quantity: qty, Side: types.SideBuy, ReferencePrice: decimal.RequireFromString("10.5")}
}

func sell(code string, qty int64) types.OrderDraft {
	return types.OrderDraft{InstrumentCode: code, Quantity: qty, Side: types.SideSell}
}

func TestPublishAndFetchPending(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)

	ids := publish(t, d, testDay, buy("600519.XSHG", 200), sell("000001.XSHE", 300))
	publish(t, d, testDay.AddDate(0, 0, -1), buy("300750.XSHE", 100))

	pending, err := d.FetchPending(ctx, testDay)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byID := map[string]types.OrderRecord{}
	for _, o := range pending {
		byID[o.ID] = o
	}

	first := byID[ids[0]]
	assert.Equal(t, "600519.XSHG", first.InstrumentCode)
	assert.Equal(t, types.SideBuy, first.Side)
	assert.Equal(t, types.StatusPending, first.Status)
	assert.Equal(t, int64(200), first.Quantity)
	assert.True(t, first.ReferencePrice.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, types.SideSell, byID[ids[1]].Side)
}

func TestPublishRejectsInvalidDrafts(t *testing.T) {
	d := newTestDatabase(t)

	_, err := d.Publish(context.Background(), []types.OrderDraft{{InstrumentCode: "600519.XSHG", Quantity: 100}}, testDay)
	assert.ErrorIs(t, err, types.ErrInvalidDraft)

	_, err = d.Publish(context.Background(), []types.OrderDraft{{Quantity: 100, Side: types.SideBuy}}, testDay)
	assert.ErrorIs(t, err, types.ErrInvalidDraft)

	_, err = d.Publish(context.Background(), []types.OrderDraft{buy("600000.XSHG", 100), {InstrumentCode: "600519.XSHG", Quantity: -1, Side: types.SideBuy}}, testDay)
	assert.ErrorIs(t, err, types.ErrInvalidDraft)

	pending, err := d.FetchPending(context.Background(), testDay)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTryClaimConcurrentClaimants(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	id := publish(t, d, testDay, buy("600519.XSHG", 100))[0]

	const claimants = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := d.TryClaim(ctx, id, "executor")
			assert.NoError(t, err)
			if ok {
				success.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())

	order, err := d.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClaimed, order.Status)
	require.NotNil(t, order.ClaimedAt)
	assert.Equal(t, "executor", order.ClaimedBy)
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	id := publish(t, d, testDay, sell("000001.XSHE", 500))[0]

	t.Run("confirm requires a claim", func(t *testing.T) {
		assert.ErrorIs(t, d.ConfirmExecuted(ctx, id), ErrNotClaimed)
		assert.ErrorIs(t, d.Revert(ctx, id), ErrNotClaimed)
	})

	t.Run("reverted order is claimable again", func(t *testing.T) {
		ok, err := d.TryClaim(ctx, id, "executor")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, d.Revert(ctx, id))

		order, err := d.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReverted, order.Status)
		assert.Nil(t, order.ClaimedAt)

		pending, err := d.FetchPending(ctx, testDay)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, id, pending[0].ID)

		ok, err = d.TryClaim(ctx, id, "executor")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("executed is terminal", func(t *testing.T) {
		require.NoError(t, d.ConfirmExecuted(ctx, id))

		ok, err := d.TryClaim(ctx, id, "executor")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, d.Revert(ctx, id), ErrNotClaimed)
		assert.ErrorIs(t, d.ConfirmExecuted(ctx, id), ErrNotClaimed)

		order, err := d.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusExecuted, order.Status)

		pending, err := d.FetchPending(ctx, testDay)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestMissingID(t *testing.T) {
	d := newTestDatabase(t)

	ok, err := d.TryClaim(context.Background(), "", "executor")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMissingID)
	assert.ErrorIs(t, d.Revert(context.Background(), ""), ErrMissingID)
}

func TestUnknownSideLabel(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)

	require.NoError(t, d.db.Create(&types.OrderRecord{
		ID:             "legacy-1",
		InstrumentCode: "600519.XSHG",
		CreatedAt:      testDay,
		Quantity:       100,
		SideLabel:      "HOLD",
		Status:         types.StatusPending,
		InsertedAt:     testDay,
	}).Error)

	pending, err := d.FetchPending(ctx, testDay)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.SideUnknown, pending[0].Side)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)

	publish(t, d, testDay.AddDate(0, 0, -45), buy("600000.XSHG", 100), buy("600001.XSHG", 100))
	publish(t, d, testDay.AddDate(0, 0, -10), buy("600002.XSHG", 100))
	todayIDs := publish(t, d, testDay, buy("600003.XSHG", 100), sell("600004.XSHG", 100))

	ok, err := d.TryClaim(ctx, todayIDs[1], "executor")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.ConfirmExecuted(ctx, todayIDs[1]))

	unclaimable, err := d.CountUnclaimableOnDate(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unclaimable)

	purged, err := d.PurgeOlderThan(ctx, testDay.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	purged, err = d.PurgeOnDate(ctx, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	remaining, err := d.ListOrders(ctx, testDay.AddDate(0, 0, -10))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	today, err := d.ListOrders(ctx, testDay)
	require.NoError(t, err)
	assert.Empty(t, today)
}

func TestSweepStaleClaims(t *testing.T) {
	ctx := context.Background()
	d := newTestDatabase(t)
	ids := publish(t, d, testDay, buy("600519.XSHG", 100), buy("600000.XSHG", 100))

	d.now = func() time.Time { return testDay.Add(time.Minute) }
	ok, err := d.TryClaim(ctx, ids[0], "executor")
	require.NoError(t, err)
	require.True(t, ok)

	d.now = func() time.Time { return testDay.Add(20 * time.Minute) }
	ok, err = d.TryClaim(ctx, ids[1], "executor")
	require.NoError(t, err)
	require.True(t, ok)

	swept, err := d.SweepStaleClaims(ctx, testDay.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	stale, err := d.GetOrder(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusReverted, stale.Status)

	fresh, err := d.GetOrder(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, types.StatusClaimed, fresh.Status)
}

func TestDayBounds(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	// 2026-10-19 23:30 UTC is already 2026-10-20 in Shanghai
	start, end := DayBounds(time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC), shanghai)
	assert.Equal(t, time.Date(2026, 10, 19, 16, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 10, 20, 16, 0, 0, 0, time.UTC), end)
}
