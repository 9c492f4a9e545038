package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hermeslabs/exchange-core/internal/accounts"
	"github.com/hermeslabs/exchange-core/internal/engine"
)

// Memory is a map-backed implementation of the engine repository and user
// store, used by tests and the demo binary. Transactional writes are staged
// and only become visible when the scope returns without error.
type Memory struct {
	mu        sync.RWMutex
	itemTypes map[uuid.UUID]*ItemType
	items     map[uuid.UUID]*Item
	orders    map[uuid.UUID]*engine.Order
	trades    []*engine.Trade
	users     map[uuid.UUID]*accounts.User
	emails    map[string]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		itemTypes: make(map[uuid.UUID]*ItemType),
		items:     make(map[uuid.UUID]*Item),
		orders:    make(map[uuid.UUID]*engine.Order),
		users:     make(map[uuid.UUID]*accounts.User),
		emails:    make(map[string]uuid.UUID),
	}
}

func copyOrder(o *engine.Order) *engine.Order {
	c := *o
	return &c
}

func (m *Memory) CreateItemType(ctx context.Context, it *ItemType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.itemTypes[it.ID]; ok {
		return fmt.Errorf("%w: item type %s exists", engine.ErrConflict, it.ID)
	}
	cp := *it
	m.itemTypes[it.ID] = &cp
	return nil
}

func (m *Memory) CreateItem(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.itemTypes[item.ItemTypeID]; !ok {
		return fmt.Errorf("%w: item type %s", engine.ErrNotFound, item.ItemTypeID)
	}
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("%w: item %s exists", engine.ErrConflict, item.ID)
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *Memory) LoadOpenBuyOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*engine.Order, error) {
	return m.loadOpen(engine.SideBuy, itemTypeID), nil
}

func (m *Memory) LoadOpenSellOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*engine.Order, error) {
	return m.loadOpen(engine.SideSell, itemTypeID), nil
}

func (m *Memory) loadOpen(side engine.Side, itemTypeID uuid.UUID) []*engine.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*engine.Order
	for _, o := range m.orders {
		if o.Side == side && o.ItemTypeID == itemTypeID && o.Matchable() {
			out = append(out, copyOrder(o))
		}
	}
	return out
}

func (m *Memory) ResolveItemType(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: item %s", engine.ErrNotFound, itemID)
	}
	return item.ItemTypeID, nil
}

func (m *Memory) ItemTypeExists(ctx context.Context, itemTypeID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.itemTypes[itemTypeID]
	return ok, nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*engine.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	return copyOrder(o), nil
}

func (m *Memory) TradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*engine.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*engine.Trade
	for _, t := range m.trades {
		if t.BuyOrderID == orderID || t.SellOrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

type memTx struct {
	orders []*engine.Order
	trades []*engine.Trade
}

func (t *memTx) SaveOrder(ctx context.Context, o *engine.Order) error {
	t.orders = append(t.orders, copyOrder(o))
	return nil
}

func (t *memTx) SaveTrade(ctx context.Context, tr *engine.Trade) error {
	cp := *tr
	t.trades = append(t.trades, &cp)
	return nil
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx engine.TxRepository) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range tx.orders {
		m.orders[o.ID] = o
	}
	m.trades = append(m.trades, tx.trades...)
	return nil
}

// DeleteOrder is the terminal admin operation: only FILLED or CANCELLED
// orders with no trades referencing them may go.
func (m *Memory) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	if o.Matchable() {
		return fmt.Errorf("%w: order %s is %s, cannot delete", engine.ErrInvalidState, id, o.Status)
	}
	for _, t := range m.trades {
		if t.BuyOrderID == id || t.SellOrderID == id {
			return fmt.Errorf("%w: order %s is referenced by trade %s", engine.ErrConflict, id, t.ID)
		}
	}
	delete(m.orders, id)
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u *accounts.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[u.Email]; ok {
		return accounts.ErrEmailTaken
	}
	cp := *u
	m.users[u.ID] = &cp
	m.emails[u.Email] = u.ID
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (*accounts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*accounts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}
