// Package pricefeed keeps the last traded price per item type in memory.
// The engine records a price after every settlement that produced trades;
// the API reads it back for display.
package pricefeed

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Cache struct {
	mu     sync.RWMutex
	prices map[uuid.UUID]decimal.Decimal
}

func NewCache() *Cache {
	return &Cache{prices: make(map[uuid.UUID]decimal.Decimal)}
}

// Record satisfies the engine's price sink.
func (c *Cache) Record(itemTypeID uuid.UUID, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[itemTypeID] = price
}

func (c *Cache) Get(itemTypeID uuid.UUID) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[itemTypeID]
	return p, ok
}
