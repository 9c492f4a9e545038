package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidState, s)
}

type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Order is one leg of a potential trade. Buy orders target an item type,
// sell orders offer a concrete item; sells also carry the item's resolved
// type id so both legs share a book.
type Order struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Side           Side
	ItemTypeID     uuid.UUID
	ItemID         uuid.UUID // uuid.Nil for buy orders
	Price          decimal.Decimal
	Quantity       int64 // immutable after creation
	Remaining      int64
	Status         Status
	MatchedOrderID uuid.UUID // counter-order of the most recent fill, uuid.Nil before
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Matchable reports whether the order can still rest on the book or fill.
func (o *Order) Matchable() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

func (o *Order) clone() *Order {
	c := *o
	return &c
}

// fill consumes qty of the remaining quantity and derives the new status.
// Remaining never increases; callers size qty beforehand.
func (o *Order) fill(qty int64, counterID uuid.UUID, at time.Time) {
	o.Remaining -= qty
	o.MatchedOrderID = counterID
	o.UpdatedAt = at
	if o.Remaining == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

func (o *Order) cancel(at time.Time) {
	o.Status = StatusCancelled
	o.UpdatedAt = at
}

// OrderCreate is a submission request. ID may be client-supplied so a caller
// can resubmit after a failed commit without duplicating; a zero ID gets a
// fresh uuid.
type OrderCreate struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Side       Side
	ItemTypeID uuid.UUID // required for BUY
	ItemID     uuid.UUID // required for SELL
	Price      decimal.Decimal
	Quantity   int64
}

func (c OrderCreate) validate() error {
	if c.Side != SideBuy && c.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidState, c.Side)
	}
	if c.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner id is required", ErrInvalidState)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidState, c.Quantity)
	}
	if c.Price.IsNegative() {
		return fmt.Errorf("%w: price must be non-negative, got %s", ErrInvalidState, c.Price)
	}
	if c.Side == SideBuy && c.ItemTypeID == uuid.Nil {
		return fmt.Errorf("%w: buy orders require an item type id", ErrInvalidState)
	}
	if c.Side == SideSell && c.ItemID == uuid.Nil {
		return fmt.Errorf("%w: sell orders require an item id", ErrInvalidState)
	}
	return nil
}
