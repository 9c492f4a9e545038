package engine

import (
	"bytes"
	"container/list"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// priceLevel holds orders at one price, oldest first.
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *Order, ranked by (CreatedAt, ID)
}

// sideQueue is every live order for one book key on one side, with price
// levels kept sorted best-first (bids descending, asks ascending).
type sideQueue struct {
	side   Side
	levels []*priceLevel
}

func newSideQueue(side Side) *sideQueue {
	return &sideQueue{side: side}
}

// betterPrice reports whether a outranks b on this queue's side.
func (q *sideQueue) betterPrice(a, b decimal.Decimal) bool {
	if q.side == SideBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// levelIndex locates the level for price, or the position where one would be
// inserted to keep the slice sorted best-first.
func (q *sideQueue) levelIndex(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(q.levels), func(i int) bool {
		return !q.betterPrice(q.levels[i].price, price)
	})
	if i < len(q.levels) && q.levels[i].price.Equal(price) {
		return i, true
	}
	return i, false
}

// arrivesBefore is the time-then-id tie-break within a price level. The id
// comparison keeps ordering total under identical timestamps, which warm
// loads from the repository can produce.
func arrivesBefore(a, b *Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func (q *sideQueue) insert(o *Order) (*priceLevel, *list.Element) {
	i, ok := q.levelIndex(o.Price)
	var lvl *priceLevel
	if ok {
		lvl = q.levels[i]
	} else {
		lvl = &priceLevel{price: o.Price, orders: list.New()}
		q.levels = append(q.levels, nil)
		copy(q.levels[i+1:], q.levels[i:])
		q.levels[i] = lvl
	}
	// orders usually arrive in time order, so walk from the back
	for e := lvl.orders.Back(); e != nil; e = e.Prev() {
		if arrivesBefore(e.Value.(*Order), o) {
			return lvl, lvl.orders.InsertAfter(o, e)
		}
	}
	return lvl, lvl.orders.PushFront(o)
}

func (q *sideQueue) removeLevelIfEmpty(lvl *priceLevel) {
	if lvl.orders.Len() > 0 {
		return
	}
	if i, ok := q.levelIndex(lvl.price); ok {
		q.levels = append(q.levels[:i], q.levels[i+1:]...)
	}
}

func (q *sideQueue) empty() bool { return len(q.levels) == 0 }

// orderRef locates a resting order inside the book for O(1) removal.
type orderRef struct {
	order *Order
	queue *sideQueue
	level *priceLevel
	elem  *list.Element
}

// OrderBook indexes still-matchable orders. Bids are grouped by item type id,
// asks by item id; the items map joins an item type to the items currently
// quoting asks, so a buy can sweep every ask of its type.
type OrderBook struct {
	bids  map[uuid.UUID]*sideQueue
	asks  map[uuid.UUID]*sideQueue
	items map[uuid.UUID]map[uuid.UUID]struct{}
	refs  map[uuid.UUID]*orderRef
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:  make(map[uuid.UUID]*sideQueue),
		asks:  make(map[uuid.UUID]*sideQueue),
		items: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		refs:  make(map[uuid.UUID]*orderRef),
	}
}

// Insert adds an order under its book key. Only OPEN or PARTIALLY_FILLED
// orders may rest on the book.
func (b *OrderBook) Insert(o *Order) error {
	if !o.Matchable() {
		return fmt.Errorf("%w: order %s has status %s, cannot rest on book", ErrInvalidState, o.ID, o.Status)
	}
	if _, dup := b.refs[o.ID]; dup {
		return fmt.Errorf("%w: order %s already on book", ErrInvalidState, o.ID)
	}

	var q *sideQueue
	if o.Side == SideBuy {
		q = b.bids[o.ItemTypeID]
		if q == nil {
			q = newSideQueue(SideBuy)
			b.bids[o.ItemTypeID] = q
		}
	} else {
		q = b.asks[o.ItemID]
		if q == nil {
			q = newSideQueue(SideSell)
			b.asks[o.ItemID] = q
		}
		set := b.items[o.ItemTypeID]
		if set == nil {
			set = make(map[uuid.UUID]struct{})
			b.items[o.ItemTypeID] = set
		}
		set[o.ItemID] = struct{}{}
	}

	lvl, elem := q.insert(o)
	b.refs[o.ID] = &orderRef{order: o, queue: q, level: lvl, elem: elem}
	return nil
}

// Remove drops an order from the book, pruning empty levels and queues.
func (b *OrderBook) Remove(id uuid.UUID) bool {
	ref, ok := b.refs[id]
	if !ok {
		return false
	}
	ref.level.orders.Remove(ref.elem)
	ref.queue.removeLevelIfEmpty(ref.level)
	delete(b.refs, id)

	o := ref.order
	if ref.queue.empty() {
		if o.Side == SideBuy {
			delete(b.bids, o.ItemTypeID)
		} else {
			delete(b.asks, o.ItemID)
			if set := b.items[o.ItemTypeID]; set != nil {
				delete(set, o.ItemID)
				if len(set) == 0 {
					delete(b.items, o.ItemTypeID)
				}
			}
		}
	}
	return true
}

// Order returns the resting order with the given id, or nil.
func (b *OrderBook) Order(id uuid.UUID) *Order {
	if ref, ok := b.refs[id]; ok {
		return ref.order
	}
	return nil
}

// BestBid returns the top-ranked buy order for an item type, or nil.
func (b *OrderBook) BestBid(itemTypeID uuid.UUID) *Order {
	return b.iterate(SideBuy, itemTypeID).Next()
}

// BestAsk returns the top-ranked sell order across all items of a type, or nil.
func (b *OrderBook) BestAsk(itemTypeID uuid.UUID) *Order {
	return b.iterate(SideSell, itemTypeID).Next()
}

// Snapshot lists resting orders in ranked order. The buy side is keyed by
// item type id, the sell side by item id.
func (b *OrderBook) Snapshot(side Side, key uuid.UUID) []*Order {
	var q *sideQueue
	if side == SideBuy {
		q = b.bids[key]
	} else {
		q = b.asks[key]
	}
	if q == nil {
		return nil
	}
	var out []*Order
	for _, lvl := range q.levels {
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Order))
		}
	}
	return out
}

// queueCursor walks one sideQueue in ranked order without mutating it.
type queueCursor struct {
	q     *sideQueue
	level int
	elem  *list.Element
}

func newQueueCursor(q *sideQueue) *queueCursor {
	c := &queueCursor{q: q}
	if len(q.levels) > 0 {
		c.elem = q.levels[0].orders.Front()
	}
	return c
}

func (c *queueCursor) current() *Order {
	if c.elem == nil {
		return nil
	}
	return c.elem.Value.(*Order)
}

func (c *queueCursor) advance() {
	if c.elem == nil {
		return
	}
	c.elem = c.elem.Next()
	for c.elem == nil {
		c.level++
		if c.level >= len(c.q.levels) {
			return
		}
		c.elem = c.q.levels[c.level].orders.Front()
	}
}

// bookIter yields matchable orders for one side of an item type's book in
// strict price-time-id order. The sell side merges the per-item ask queues.
// Restartable: each iterate call starts from the top; Next never mutates
// the book.
type bookIter struct {
	side    Side
	cursors []*queueCursor
}

// iterate returns a ranked iterator over one side of an item type's book.
func (b *OrderBook) iterate(side Side, itemTypeID uuid.UUID) *bookIter {
	it := &bookIter{side: side}
	if side == SideBuy {
		if q := b.bids[itemTypeID]; q != nil {
			it.cursors = append(it.cursors, newQueueCursor(q))
		}
		return it
	}
	for itemID := range b.items[itemTypeID] {
		if q := b.asks[itemID]; q != nil {
			it.cursors = append(it.cursors, newQueueCursor(q))
		}
	}
	return it
}

func (it *bookIter) Next() *Order {
	var best *queueCursor
	for _, c := range it.cursors {
		o := c.current()
		if o == nil {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		top := best.current()
		if ranksBefore(it.side, o, top) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	o := best.current()
	best.advance()
	return o
}

// ranksBefore is the full book ordering: price, then arrival, then id.
func ranksBefore(side Side, a, b *Order) bool {
	if !a.Price.Equal(b.Price) {
		if side == SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	return arrivesBefore(a, b)
}
