package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/ordersync/internal/types"
	"gorm.io/gorm"
)

var (
	// ErrNotClaimed is returned when a confirm or revert finds the order
	// in a state other than CLAIMED.
	ErrNotClaimed = errors.New("order is not claimed")
	// ErrMissingID marks a record without a primary key. Such records are
	// never claimed.
	ErrMissingID = errors.New("order has no id")
)

var claimableStatuses = []string{string(types.StatusPending), string(types.StatusReverted)}

// Database is the order record store. Every state change is a single-row
// conditional update keyed by id; only retention touches many rows.
type Database struct {
	db  *gorm.DB
	loc *time.Location
	now func() time.Time
}

func NewDatabase(db *gorm.DB, loc *time.Location) *Database {
	if loc == nil {
		loc = time.Local
	}
	return &Database{db: db, loc: loc, now: time.Now}
}

// Location is the timezone trading days are computed in
func (d *Database) Location() *time.Location {
	return d.loc
}

// DayBounds returns the UTC half-open interval [start, end) of the trading
// day containing t.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// Publish inserts a batch of drafts created at createdAt in one transaction
// and returns the assigned ids in batch order.
func (d *Database) Publish(ctx context.Context, drafts []types.OrderDraft, createdAt time.Time) ([]string, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	insertedAt := d.now().UTC()
	records := make([]types.OrderRecord, 0, len(drafts))
	ids := make([]string, 0, len(drafts))
	for i, draft := range drafts {
		if err := draft.Validate(); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}

		id := uuid.New().String()
		records = append(records, types.OrderRecord{
			ID:             id,
			InstrumentCode: draft.InstrumentCode,
			CreatedAt:      createdAt.UTC(),
			Quantity:       draft.Quantity,
			ReferencePrice: draft.ReferencePrice,
			SideLabel:      draft.Side.String(),
			Status:         types.StatusPending,
			InsertedAt:     insertedAt,
			UpdatedAt:      insertedAt,
			Side:           draft.Side,
		})
		ids = append(ids, id)
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&records, 100).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}

	return ids, nil
}

// FetchPending returns the claimable orders created on the trading day of
// asOf, oldest first.
func (d *Database) FetchPending(ctx context.Context, asOf time.Time) ([]types.OrderRecord, error) {
	start, end := DayBounds(asOf, d.loc)

	var records []types.OrderRecord
	err := d.db.WithContext(ctx).
		Where("status IN ? AND created_at >= ? AND created_at < ?", claimableStatuses, start, end).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending orders: %w", err)
	}

	for i := range records {
		decodeSide(&records[i])
	}
	return records, nil
}

// TryClaim moves an order from PENDING or REVERTED to CLAIMED. The affected
// row count is the only success signal: false means another claimant, or a
// completed execution, owns the order.
func (d *Database) TryClaim(ctx context.Context, id, claimant string) (bool, error) {
	if id == "" {
		return false, ErrMissingID
	}

	now := d.now().UTC()
	result := d.db.WithContext(ctx).Model(&types.OrderRecord{}).
		Where("id = ? AND status IN ?", id, claimableStatuses).
		Updates(map[string]interface{}{
			"status":     string(types.StatusClaimed),
			"claimed_at": now,
			"claimed_by": claimant,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim order %s: %w", id, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ConfirmExecuted marks a claimed order as executed. EXECUTED is terminal.
func (d *Database) ConfirmExecuted(ctx context.Context, id string) error {
	return d.transition(ctx, id, types.StatusExecuted, map[string]interface{}{})
}

// Revert returns a claimed order to an eligible state so the next cycle
// may claim it again.
func (d *Database) Revert(ctx context.Context, id string) error {
	return d.transition(ctx, id, types.StatusReverted, map[string]interface{}{
		"claimed_at": nil,
		"claimed_by": "",
	})
}

func (d *Database) transition(ctx context.Context, id string, to types.Status, fields map[string]interface{}) error {
	if id == "" {
		return ErrMissingID
	}

	fields["status"] = string(to)
	fields["updated_at"] = d.now().UTC()

	result := d.db.WithContext(ctx).Model(&types.OrderRecord{}).
		Where("id = ? AND status = ?", id, string(types.StatusClaimed)).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to mark order %s %s: %w", id, to, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("mark order %s %s: %w", id, to, ErrNotClaimed)
	}

	return nil
}

// PurgeOlderThan deletes every order created before cutoff, whatever its
// status.
func (d *Database) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := d.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&types.OrderRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge orders before %s: %w", cutoff.Format(time.DateOnly), result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeOnDate deletes every order created on the trading day of date.
func (d *Database) PurgeOnDate(ctx context.Context, date time.Time) (int64, error) {
	start, end := DayBounds(date, d.loc)
	result := d.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start, end).
		Delete(&types.OrderRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge orders on %s: %w", date.In(d.loc).Format(time.DateOnly), result.Error)
	}
	return result.RowsAffected, nil
}

// CountUnclaimableOnDate counts the orders of a trading day that are
// already claimed or executed.
func (d *Database) CountUnclaimableOnDate(ctx context.Context, date time.Time) (int64, error) {
	start, end := DayBounds(date, d.loc)
	var count int64
	err := d.db.WithContext(ctx).Model(&types.OrderRecord{}).
		Where("status NOT IN ? AND created_at >= ? AND created_at < ?", claimableStatuses, start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

// SweepStaleClaims reverts CLAIMED orders whose claim is older than
// olderThan.
func (d *Database) SweepStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&types.OrderRecord{}).
		Where("status = ? AND claimed_at < ?", string(types.StatusClaimed), olderThan.UTC()).
		Updates(map[string]interface{}{
			"status":     string(types.StatusReverted),
			"claimed_at": nil,
			"claimed_by": "",
			"updated_at": d.now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale claims: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetOrder retrieves an order by id
func (d *Database) GetOrder(ctx context.Context, id string) (*types.OrderRecord, error) {
	var record types.OrderRecord
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	decodeSide(&record)
	return &record, nil
}

// ListOrders returns every order of the trading day containing day
func (d *Database) ListOrders(ctx context.Context, day time.Time) ([]types.OrderRecord, error) {
	start, end := DayBounds(day, d.loc)

	var records []types.OrderRecord
	err := d.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	for i := range records {
		decodeSide(&records[i])
	}
	return records, nil
}

// decodeSide resolves the stored label once; unknown labels stay
// SideUnknown and are skipped by the executor.
func decodeSide(record *types.OrderRecord) {
	side, err := types.ParseSide(record.SideLabel)
	if err != nil {
		record.Side = types.SideUnknown
		return
	}
	record.Side = side
}
