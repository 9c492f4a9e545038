package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SettlementResult is the final state returned to the caller after a plan is
// applied: the submitted order, the trades it produced, and every touched
// counter-order.
type SettlementResult struct {
	Order   *Order
	Trades  []*Trade
	Updated []*Order
}

// Settlement applies match plans and cancellations atomically: every order
// mutation and trade of one plan goes through a single repository
// transaction, and the in-memory book changes only after commit. A failed
// commit leaves book, orders, and trades exactly as they were.
type Settlement struct {
	repo  Repository
	now   func() time.Time
	newID func() uuid.UUID
}

func NewSettlement(repo Repository) *Settlement {
	return &Settlement{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
}

// Apply settles a match plan. The taker must not be on the book yet; it is
// inserted afterwards if anything remains of it.
func (s *Settlement) Apply(ctx context.Context, book *OrderBook, plan *MatchPlan) (*SettlementResult, error) {
	now := s.now()
	taker := plan.Taker

	// Stage final states on clones so a failed commit leaves nothing behind.
	final := taker.clone()
	trades := make([]*Trade, 0, len(plan.Fills))
	updated := make([]*Order, 0, len(plan.Fills))
	for _, f := range plan.Fills {
		t := &Trade{
			ID:         s.newID(),
			Price:      f.Price,
			Quantity:   f.Quantity,
			ExecutedAt: now,
		}
		if taker.Side == SideBuy {
			t.BuyOrderID = taker.ID
			t.SellOrderID = f.Counter.ID
		} else {
			t.BuyOrderID = f.Counter.ID
			t.SellOrderID = taker.ID
		}
		trades = append(trades, t)

		c := f.Counter.clone()
		c.fill(f.Quantity, taker.ID, now)
		updated = append(updated, c)
		final.fill(f.Quantity, f.Counter.ID, now)
	}

	err := s.repo.WithinTx(ctx, func(tx TxRepository) error {
		if err := tx.SaveOrder(ctx, final); err != nil {
			return err
		}
		for i := range trades {
			if err := tx.SaveOrder(ctx, updated[i]); err != nil {
				return err
			}
			if err := tx.SaveTrade(ctx, trades[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: settling order %s: %v", ErrPersistenceFailure, taker.ID, err)
	}

	// Committed; now reconcile the book.
	live := make([]*Order, 0, len(plan.Fills))
	for i, f := range plan.Fills {
		*f.Counter = *updated[i]
		if f.Counter.Remaining == 0 {
			book.Remove(f.Counter.ID)
		}
		live = append(live, f.Counter)
	}
	*taker = *final
	if taker.Remaining > 0 {
		if err := book.Insert(taker); err != nil {
			return nil, err
		}
	}

	return &SettlementResult{Order: taker, Trades: trades, Updated: live}, nil
}

// Cancel transitions an OPEN or PARTIALLY_FILLED order to CANCELLED and
// removes it from the book. FILLED and CANCELLED are terminal.
func (s *Settlement) Cancel(ctx context.Context, book *OrderBook, o *Order) (*Order, error) {
	if !o.Matchable() {
		return nil, fmt.Errorf("%w: order %s is %s, cannot cancel", ErrInvalidState, o.ID, o.Status)
	}

	cancelled := o.clone()
	cancelled.cancel(s.now())

	err := s.repo.WithinTx(ctx, func(tx TxRepository) error {
		return tx.SaveOrder(ctx, cancelled)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: cancelling order %s: %v", ErrPersistenceFailure, o.ID, err)
	}

	*o = *cancelled
	book.Remove(o.ID)
	return o, nil
}
