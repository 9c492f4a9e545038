package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is one execution between a buy and a sell order. Trades are created
// by settlement only and never mutated; they are the append-only ledger the
// trades table mirrors.
type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	Price       decimal.Decimal // the resting order's price
	Quantity    int64
	ExecutedAt  time.Time
}
