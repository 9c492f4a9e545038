package engine

import "github.com/shopspring/decimal"

// Fill is one planned execution against a resting counter-order, priced at
// the counter-order's limit.
type Fill struct {
	Counter  *Order
	Price    decimal.Decimal
	Quantity int64
}

// MatchPlan is the matcher's output: the ordered fills an incoming order
// would produce, and what would remain of it afterwards. Nothing is mutated
// until settlement applies the plan.
type MatchPlan struct {
	Taker     *Order
	Fills     []Fill
	Remaining int64
}

type Matcher struct {
	book *OrderBook
}

func NewMatcher(book *OrderBook) *Matcher {
	return &Matcher{book: book}
}

// Plan sweeps the opposite side of the taker's item-type book in price-time
// priority and sizes each fill at min(taker remaining, counter remaining).
// Deterministic for a fixed book and taker: the book iterator's ordering is
// total, so identical input yields an identical fill sequence.
func (m *Matcher) Plan(o *Order) *MatchPlan {
	plan := &MatchPlan{Taker: o, Remaining: o.Remaining}

	opposite := SideSell
	if o.Side == SideSell {
		opposite = SideBuy
	}
	it := m.book.iterate(opposite, o.ItemTypeID)

	for plan.Remaining > 0 {
		c := it.Next()
		if c == nil {
			break
		}
		if !marketable(o, c) {
			// iterator is price-ordered, nothing further can cross
			break
		}
		qty := min(plan.Remaining, c.Remaining)
		plan.Fills = append(plan.Fills, Fill{Counter: c, Price: c.Price, Quantity: qty})
		plan.Remaining -= qty
	}
	return plan
}

// marketable reports whether the taker's limit crosses the resting order's.
func marketable(taker, resting *Order) bool {
	if taker.Side == SideBuy {
		return taker.Price.GreaterThanOrEqual(resting.Price)
	}
	return taker.Price.LessThanOrEqual(resting.Price)
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
