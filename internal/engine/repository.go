package engine

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the engine's persistence contract. The database is the
// durable source of truth; the book is warmed from it and every settlement
// goes back through it inside one transaction.
type Repository interface {
	// LoadOpenBuyOrders returns OPEN/PARTIALLY_FILLED buy orders for an item type.
	LoadOpenBuyOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*Order, error)
	// LoadOpenSellOrders returns OPEN/PARTIALLY_FILLED sell orders across all
	// items belonging to an item type.
	LoadOpenSellOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*Order, error)

	// ResolveItemType maps an item id to its item type id, ErrNotFound if unknown.
	ResolveItemType(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error)
	// ItemTypeExists reports whether the item type id is known.
	ItemTypeExists(ctx context.Context, itemTypeID uuid.UUID) (bool, error)

	// GetOrder returns an order by id, ErrNotFound if unknown.
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// TradesByOrder lists the trades referencing an order, oldest first.
	TradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*Trade, error)

	// WithinTx runs fn in one transactional scope. Either every write made
	// through tx is committed or none is.
	WithinTx(ctx context.Context, fn func(tx TxRepository) error) error
}

// TxRepository is the write surface available inside a transaction.
type TxRepository interface {
	SaveOrder(ctx context.Context, o *Order) error
	SaveTrade(ctx context.Context, t *Trade) error
}
