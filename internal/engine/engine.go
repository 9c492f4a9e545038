package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceSink receives the last executed price for an item type after a
// settlement that produced trades.
type PriceSink interface {
	Record(itemTypeID uuid.UUID, price decimal.Decimal)
}

// shard is the per-item-type critical section: its lock serializes every
// submit/cancel/snapshot touching that book key, so price-time priority and
// remaining-quantity bookkeeping cannot interleave. Different item types
// proceed in parallel.
type shard struct {
	mu     sync.Mutex
	book   *OrderBook
	warmed bool
}

// Engine owns the in-memory books and coordinates matching and settlement.
// Books are process-local cache: each shard is warmed lazily from the
// repository on first touch and rebuilt the same way after a restart.
type Engine struct {
	repo       Repository
	settlement *Settlement
	prices     PriceSink
	log        *logrus.Logger

	mu     sync.Mutex
	shards map[uuid.UUID]*shard
	keys   map[uuid.UUID]uuid.UUID // resting order id -> item type id
}

// New builds an engine over repo. prices may be nil.
func New(repo Repository, prices PriceSink, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		repo:       repo,
		settlement: NewSettlement(repo),
		prices:     prices,
		log:        log,
		shards:     make(map[uuid.UUID]*shard),
		keys:       make(map[uuid.UUID]uuid.UUID),
	}
}

func (e *Engine) shardFor(itemTypeID uuid.UUID) *shard {
	e.mu.Lock()
	defer e.mu.Unlock()
	sh, ok := e.shards[itemTypeID]
	if !ok {
		sh = &shard{book: NewOrderBook()}
		e.shards[itemTypeID] = sh
	}
	return sh
}

// warmLocked loads the open orders for one item type into its book.
// Caller holds the shard lock.
func (e *Engine) warmLocked(ctx context.Context, sh *shard, itemTypeID uuid.UUID) error {
	if sh.warmed {
		return nil
	}
	buys, err := e.repo.LoadOpenBuyOrders(ctx, itemTypeID)
	if err != nil {
		return err
	}
	sells, err := e.repo.LoadOpenSellOrders(ctx, itemTypeID)
	if err != nil {
		return err
	}
	for _, o := range append(buys, sells...) {
		if err := sh.book.Insert(o); err != nil {
			return err
		}
		e.trackOrder(o.ID, itemTypeID)
	}
	sh.warmed = true
	e.log.WithFields(logrus.Fields{
		"item_type": itemTypeID,
		"bids":      len(buys),
		"asks":      len(sells),
	}).Info("order book warmed")
	return nil
}

func (e *Engine) trackOrder(orderID, itemTypeID uuid.UUID) {
	e.mu.Lock()
	e.keys[orderID] = itemTypeID
	e.mu.Unlock()
}

func (e *Engine) untrackOrder(orderID uuid.UUID) {
	e.mu.Lock()
	delete(e.keys, orderID)
	e.mu.Unlock()
}

func (e *Engine) lookupShardKey(orderID uuid.UUID) (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.keys[orderID]
	return key, ok
}

// SubmitOrder matches a new order against its item type's book and settles
// the result. The submission is synchronous: it holds the book key's lock
// for one match-and-settle attempt and either returns the final state or an
// error with nothing applied.
func (e *Engine) SubmitOrder(ctx context.Context, create OrderCreate) (*SettlementResult, error) {
	if err := create.validate(); err != nil {
		return nil, err
	}

	itemTypeID := create.ItemTypeID
	if create.Side == SideSell {
		resolved, err := e.repo.ResolveItemType(ctx, create.ItemID)
		if err != nil {
			return nil, err
		}
		itemTypeID = resolved
	} else {
		ok, err := e.repo.ItemTypeExists(ctx, create.ItemTypeID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: item type %s", ErrNotFound, create.ItemTypeID)
		}
	}

	sh := e.shardFor(itemTypeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := e.warmLocked(ctx, sh, itemTypeID); err != nil {
		return nil, err
	}

	id := create.ID
	if id == uuid.Nil {
		id = uuid.New()
	} else if sh.book.Order(id) != nil {
		return nil, fmt.Errorf("%w: order %s already resting", ErrConflict, id)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:         id,
		OwnerID:    create.OwnerID,
		Side:       create.Side,
		ItemTypeID: itemTypeID,
		ItemID:     create.ItemID,
		Price:      create.Price,
		Quantity:   create.Quantity,
		Remaining:  create.Quantity,
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	plan := NewMatcher(sh.book).Plan(o)
	res, err := e.settlement.Apply(ctx, sh.book, plan)
	if err != nil {
		return nil, err
	}

	if res.Order.Remaining > 0 {
		e.trackOrder(res.Order.ID, itemTypeID)
	}
	for _, c := range res.Updated {
		if c.Remaining == 0 {
			e.untrackOrder(c.ID)
		}
	}
	if n := len(res.Trades); n > 0 && e.prices != nil {
		e.prices.Record(itemTypeID, res.Trades[n-1].Price)
	}

	e.log.WithFields(logrus.Fields{
		"order":     res.Order.ID,
		"side":      res.Order.Side,
		"item_type": itemTypeID,
		"status":    res.Order.Status,
		"trades":    len(res.Trades),
	}).Debug("order settled")
	return res, nil
}

// CancelOrder transitions an order to CANCELLED. Fails with ErrNotFound for
// unknown ids and ErrInvalidState once the order is FILLED or CANCELLED.
func (e *Engine) CancelOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	itemTypeID, ok := e.lookupShardKey(orderID)
	if !ok {
		// Not resting in any warmed book; the repository decides between
		// unknown, terminal, and open-but-not-yet-warmed.
		o, err := e.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !o.Matchable() {
			return nil, fmt.Errorf("%w: order %s is %s, cannot cancel", ErrInvalidState, orderID, o.Status)
		}
		itemTypeID = o.ItemTypeID
	}

	sh := e.shardFor(itemTypeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := e.warmLocked(ctx, sh, itemTypeID); err != nil {
		return nil, err
	}

	resting := sh.book.Order(orderID)
	if resting == nil {
		// It settled or cancelled before we took the lock.
		o, err := e.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s is %s, cannot cancel", ErrInvalidState, orderID, o.Status)
	}

	cancelled, err := e.settlement.Cancel(ctx, sh.book, resting)
	if err != nil {
		return nil, err
	}
	e.untrackOrder(orderID)

	e.log.WithField("order", orderID).Debug("order cancelled")
	return cancelled, nil
}

// BookEntry is one row of a read-only book snapshot.
type BookEntry struct {
	OrderID   uuid.UUID
	Price     decimal.Decimal
	Remaining int64
	CreatedAt time.Time
}

// BookSnapshot lists a book side in ranked order. The buy side is keyed by
// item type id, the sell side by item id.
func (e *Engine) BookSnapshot(ctx context.Context, side Side, key uuid.UUID) ([]BookEntry, error) {
	itemTypeID := key
	if side == SideSell {
		resolved, err := e.repo.ResolveItemType(ctx, key)
		if err != nil {
			return nil, err
		}
		itemTypeID = resolved
	} else {
		ok, err := e.repo.ItemTypeExists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: item type %s", ErrNotFound, key)
		}
	}

	sh := e.shardFor(itemTypeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := e.warmLocked(ctx, sh, itemTypeID); err != nil {
		return nil, err
	}

	orders := sh.book.Snapshot(side, key)
	entries := make([]BookEntry, 0, len(orders))
	for _, o := range orders {
		entries = append(entries, BookEntry{
			OrderID:   o.ID,
			Price:     o.Price,
			Remaining: o.Remaining,
			CreatedAt: o.CreatedAt,
		})
	}
	return entries, nil
}
