package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidDraft marks a draft the store refuses to publish.
var ErrInvalidDraft = errors.New("invalid order draft")

// Side is the direction of an order. It is decided once when a record is
// read from the store and never compared as a raw string afterwards.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts the canonical labels as well as the producer's
// single-character labels.
func ParseSide(label string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "BUY", "B", "买":
		return SideBuy, nil
	case "SELL", "S", "卖":
		return SideSell, nil
	}
	return SideUnknown, fmt.Errorf("unknown side %q", label)
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is the lifecycle state of an order record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusClaimed  Status = "CLAIMED"
	StatusExecuted Status = "EXECUTED"
	StatusReverted Status = "REVERTED"
)

// Claimable reports whether an order in this status may be claimed.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusReverted
}

// OrderRecord is one row of the shared order table.
type OrderRecord struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	InstrumentCode string          `gorm:"size:20;not null" json:"instrument_code"`
	CreatedAt      time.Time       `gorm:"autoCreateTime:false;not null" json:"created_at"`
	Quantity       int64           `json:"quantity"`
	ReferencePrice decimal.Decimal `gorm:"type:decimal(18,4)" json:"reference_price"`
	SideLabel      string          `gorm:"column:side;size:8;not null" json:"-"`
	Status         Status          `gorm:"size:16;not null;default:PENDING" json:"status"`
	InsertedAt     time.Time       `json:"inserted_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy      string          `gorm:"size:64" json:"claimed_by,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Side Side `gorm:"-" json:"side"`
}

// TableName pins the table name shared with the producer.
func (OrderRecord) TableName() string {
	return "order_records"
}

// OrderDraft is what the producer hands to the publisher; ids and
// timestamps are assigned on publish.
type OrderDraft struct {
	InstrumentCode string          `json:"instrument_code" binding:"required"`
	Quantity       int64           `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Side           Side            `json:"side"`
}

// Validate rejects drafts the store would refuse.
func (d OrderDraft) Validate() error {
	switch {
	case d.InstrumentCode == "":
		return fmt.Errorf("%w: instrument code is required", ErrInvalidDraft)
	case d.Side != SideBuy && d.Side != SideSell:
		return fmt.Errorf("%w: %s: side is required", ErrInvalidDraft, d.InstrumentCode)
	case d.Quantity < 0:
		return fmt.Errorf("%w: %s: negative quantity", ErrInvalidDraft, d.InstrumentCode)
	}
	return nil
}

// Position is one line of a holdings snapshot.
type Position struct {
	InstrumentCode string `json:"instrument_code"`
	Quantity       int64  `json:"quantity"`
}
