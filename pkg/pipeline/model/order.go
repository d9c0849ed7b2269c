package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicateIdempotencyKey is returned by order stores when a second order
// arrives for a key already held. At most one live order exists per key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

type OrderState string

const (
	OrderStateCreated         OrderState = "Created"
	OrderStateSubmitted       OrderState = "Submitted"
	OrderStateAcknowledged    OrderState = "Acknowledged"
	OrderStatePartiallyFilled OrderState = "PartiallyFilled"
	OrderStateFilled          OrderState = "Filled"
	OrderStateCancelled       OrderState = "Cancelled"
	OrderStateRejected        OrderState = "Rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Order identity fields are immutable after creation; only State and
// VenueOrderRef are updated, and only by the router and the reconciler.
type Order struct {
	ID int64 `gorm:"primaryKey"`

	OrderID        string `gorm:"uniqueIndex"`
	SignalID       string `gorm:"index"`
	AccountID      string `gorm:"index"`
	Symbol         string
	Side           SignalSide
	Quantity       decimal.Decimal
	IdempotencyKey string `gorm:"uniqueIndex"`
	Venue          string

	State         OrderState
	VenueOrderRef string
	FilledQty     decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) LeavesQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill is immutable. Multiple fills may belong to one order; their
// quantities never sum past the order quantity.
type Fill struct {
	ID int64 `gorm:"primaryKey"`

	OrderID      string `gorm:"index"`
	FillQty      decimal.Decimal
	FillPrice    decimal.Decimal
	FillTime     time.Time
	VenueFillRef string `gorm:"uniqueIndex"`
}

func (Fill) TableName() string {
	return "fills"
}
