package repository

import (
	"time"

	"github.com/google/uuid"
)

// ItemType groups matchable items; buy orders target a type.
type ItemType struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Item is a concrete sellable instance of an item type.
type Item struct {
	ID         uuid.UUID
	ItemTypeID uuid.UUID
	OwnerID    uuid.UUID
	Name       string
	CreatedAt  time.Time
}
