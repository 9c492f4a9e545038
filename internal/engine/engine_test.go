package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// fakeRepo is a staged-write repository for exercising the engine,
// including injected commit failures.
type fakeRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	trades []*Trade
	items  map[uuid.UUID]uuid.UUID
	types  map[uuid.UUID]struct{}
	failTx error
}

func newFakeRepo() *fakeRepo {
	r := &fakeRepo{
		orders: make(map[uuid.UUID]*Order),
		items:  make(map[uuid.UUID]uuid.UUID),
		types:  make(map[uuid.UUID]struct{}),
	}
	r.types[testTypeID] = struct{}{}
	r.items[testItemID] = testTypeID
	r.items[testItem2] = testTypeID
	return r
}

func (r *fakeRepo) loadOpen(side Side, itemTypeID uuid.UUID) []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if o.Side == side && o.ItemTypeID == itemTypeID && o.Matchable() {
			c := *o
			out = append(out, &c)
		}
	}
	return out
}

func (r *fakeRepo) LoadOpenBuyOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*Order, error) {
	return r.loadOpen(SideBuy, itemTypeID), nil
}

func (r *fakeRepo) LoadOpenSellOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*Order, error) {
	return r.loadOpen(SideSell, itemTypeID), nil
}

func (r *fakeRepo) ResolveItemType(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	typeID, ok := r.items[itemID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	return typeID, nil
}

func (r *fakeRepo) ItemTypeExists(ctx context.Context, itemTypeID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.types[itemTypeID]
	return ok, nil
}

func (r *fakeRepo) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	c := *o
	return &c, nil
}

func (r *fakeRepo) TradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Trade
	for _, t := range r.trades {
		if t.BuyOrderID == orderID || t.SellOrderID == orderID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

type fakeTx struct {
	orders []*Order
	trades []*Trade
}

func (t *fakeTx) SaveOrder(ctx context.Context, o *Order) error {
	c := *o
	t.orders = append(t.orders, &c)
	return nil
}

func (t *fakeTx) SaveTrade(ctx context.Context, tr *Trade) error {
	c := *tr
	t.trades = append(t.trades, &c)
	return nil
}

func (r *fakeRepo) WithinTx(ctx context.Context, fn func(tx TxRepository) error) error {
	tx := &fakeTx{}
	if err := fn(tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTx != nil {
		return r.failTx
	}
	for _, o := range tx.orders {
		r.orders[o.ID] = o
	}
	r.trades = append(r.trades, tx.trades...)
	return nil
}

func (r *fakeRepo) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func newTestEngine(repo Repository) *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(repo, nil, log)
}

func buyCreate(price string, qty int64) OrderCreate {
	return OrderCreate{
		OwnerID:    testOwner,
		Side:       SideBuy,
		ItemTypeID: testTypeID,
		Price:      decimal.RequireFromString(price),
		Quantity:   qty,
	}
}

func sellCreate(item uuid.UUID, price string, qty int64) OrderCreate {
	return OrderCreate{
		OwnerID:  testOwner,
		Side:     SideSell,
		ItemID:   item,
		Price:    decimal.RequireFromString(price),
		Quantity: qty,
	}
}

func TestSubmitRestsOnEmptyBook(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	res, err := eng.SubmitOrder(ctx, buyCreate("5.00", 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Order.Status != StatusOpen || res.Order.Remaining != 10 {
		t.Fatalf("expected OPEN remaining=10, got %s remaining=%d", res.Order.Status, res.Order.Remaining)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}

	stored, err := repo.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.Status != StatusOpen || stored.Remaining != 10 {
		t.Fatalf("persisted state wrong: %s remaining=%d", stored.Status, stored.Remaining)
	}
}

func TestSubmitPartialFillsRestingSell(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	sellRes, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "5.00", 10))
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}

	buyRes, err := eng.SubmitOrder(ctx, buyCreate("5.00", 4))
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}

	if len(buyRes.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(buyRes.Trades))
	}
	tr := buyRes.Trades[0]
	if tr.Quantity != 4 || !tr.Price.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected trade: qty=%d price=%s", tr.Quantity, tr.Price)
	}
	if tr.BuyOrderID != buyRes.Order.ID || tr.SellOrderID != sellRes.Order.ID {
		t.Fatalf("trade references wrong legs")
	}

	if buyRes.Order.Status != StatusFilled || buyRes.Order.Remaining != 0 {
		t.Fatalf("expected buy FILLED, got %s remaining=%d", buyRes.Order.Status, buyRes.Order.Remaining)
	}

	sell, err := repo.GetOrder(ctx, sellRes.Order.ID)
	if err != nil {
		t.Fatalf("get sell: %v", err)
	}
	if sell.Status != StatusPartiallyFilled || sell.Remaining != 6 {
		t.Fatalf("expected sell PARTIALLY_FILLED remaining=6, got %s remaining=%d", sell.Status, sell.Remaining)
	}
	if sell.MatchedOrderID != buyRes.Order.ID {
		t.Fatalf("expected matched_order_id to record the buy leg")
	}

	// the filled buy must not rest
	bids, err := eng.BookSnapshot(ctx, SideBuy, testTypeID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(bids) != 0 {
		t.Fatalf("expected empty bid book, got %d entries", len(bids))
	}
}

func TestSubmitSweepsMultiplePriceLevels(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	cheap, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "4.50", 5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	dear, err := eng.SubmitOrder(ctx, sellCreate(testItem2, "4.80", 5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := eng.SubmitOrder(ctx, buyCreate("5.00", 8))
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].Quantity != 5 || !res.Trades[0].Price.Equal(decimal.RequireFromString("4.50")) {
		t.Fatalf("first trade should fully consume the 4.50 ask: %+v", res.Trades[0])
	}
	if res.Trades[1].Quantity != 3 || !res.Trades[1].Price.Equal(decimal.RequireFromString("4.80")) {
		t.Fatalf("second trade should take 3 at 4.80: %+v", res.Trades[1])
	}
	if res.Order.Status != StatusFilled {
		t.Fatalf("expected buy FILLED, got %s", res.Order.Status)
	}

	first, _ := repo.GetOrder(ctx, cheap.Order.ID)
	if first.Status != StatusFilled || first.Remaining != 0 {
		t.Fatalf("expected 4.50 ask FILLED, got %s remaining=%d", first.Status, first.Remaining)
	}
	second, _ := repo.GetOrder(ctx, dear.Order.ID)
	if second.Status != StatusPartiallyFilled || second.Remaining != 2 {
		t.Fatalf("expected 4.80 ask PARTIALLY_FILLED remaining=2, got %s remaining=%d", second.Status, second.Remaining)
	}

	// conservation on the taker: remaining + executed == quantity
	var executed int64
	for _, tr := range res.Trades {
		executed += tr.Quantity
	}
	if res.Order.Remaining+executed != res.Order.Quantity {
		t.Fatalf("conservation violated: remaining=%d executed=%d quantity=%d",
			res.Order.Remaining, executed, res.Order.Quantity)
	}
}

func TestSubmitNotMarketableRests(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	if _, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "4.00", 5)); err != nil {
		t.Fatalf("submit sell: %v", err)
	}

	res, err := eng.SubmitOrder(ctx, buyCreate("3.00", 5))
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != StatusOpen || res.Order.Remaining != 5 {
		t.Fatalf("expected OPEN remaining=5, got %s remaining=%d", res.Order.Status, res.Order.Remaining)
	}

	bids, err := eng.BookSnapshot(ctx, SideBuy, testTypeID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(bids) != 1 || bids[0].OrderID != res.Order.ID {
		t.Fatalf("expected the buy resting on the book")
	}
}

func TestSelfTradePermitted(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeRepo())

	// same owner on both sides
	if _, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "5.00", 1)); err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	res, err := eng.SubmitOrder(ctx, buyCreate("5.00", 1))
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected self-trade to execute, got %d trades", len(res.Trades))
	}
}

func TestCancelLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	res, err := eng.SubmitOrder(ctx, buyCreate("5.00", 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := eng.CancelOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	stored, _ := repo.GetOrder(ctx, res.Order.ID)
	if stored.Status != StatusCancelled {
		t.Fatalf("cancel not persisted: %s", stored.Status)
	}

	// cancelling again is an InvalidState failure with no state change
	if _, err := eng.CancelOrder(ctx, res.Order.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := eng.CancelOrder(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestCancelFilledOrderFails(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeRepo())

	sellRes, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "5.00", 1))
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	if _, err := eng.SubmitOrder(ctx, buyCreate("5.00", 1)); err != nil {
		t.Fatalf("submit buy: %v", err)
	}

	if _, err := eng.CancelOrder(ctx, sellRes.Order.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a filled order, got %v", err)
	}
}

func TestPersistenceFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	eng := newTestEngine(repo)

	if _, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "5.00", 10)); err != nil {
		t.Fatalf("submit sell: %v", err)
	}

	repo.mu.Lock()
	repo.failTx = errors.New("commit refused")
	repo.mu.Unlock()

	id := uuid.New()
	create := buyCreate("5.00", 4)
	create.ID = id
	if _, err := eng.SubmitOrder(ctx, create); !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}

	// nothing from the failed plan may be visible
	if repo.tradeCount() != 0 {
		t.Fatalf("trade persisted despite failed commit")
	}
	if _, err := repo.GetOrder(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("buy order persisted despite failed commit")
	}
	asks, err := eng.BookSnapshot(ctx, SideSell, testItemID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(asks) != 1 || asks[0].Remaining != 10 {
		t.Fatalf("resting sell was mutated by a failed settlement: %+v", asks)
	}

	// caller resubmits the same order id once the fault clears
	repo.mu.Lock()
	repo.failTx = nil
	repo.mu.Unlock()

	res, err := eng.SubmitOrder(ctx, create)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Order.ID != id || len(res.Trades) != 1 || res.Trades[0].Quantity != 4 {
		t.Fatalf("resubmission did not settle cleanly: %+v", res)
	}
}

func TestWarmFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()

	// two resting sells persisted by an earlier process, same price,
	// inserted out of arrival order
	older := newTestSell(testItemID, "5.00", 3, testEpoch)
	newer := newTestSell(testItem2, "5.00", 3, testEpoch.Add(time.Minute))
	repo.orders[newer.ID] = newer
	repo.orders[older.ID] = older

	eng := newTestEngine(repo)
	res, err := eng.SubmitOrder(ctx, buyCreate("5.00", 3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].SellOrderID != older.ID {
		t.Fatalf("expected the earlier resting order to fill first")
	}
}

func TestUnknownBookKeys(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeRepo())

	unknownType := buyCreate("5.00", 1)
	unknownType.ItemTypeID = uuid.New()
	if _, err := eng.SubmitOrder(ctx, unknownType); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown item type, got %v", err)
	}

	if _, err := eng.SubmitOrder(ctx, sellCreate(uuid.New(), "5.00", 1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(newFakeRepo())

	bad := buyCreate("5.00", 0)
	if _, err := eng.SubmitOrder(ctx, bad); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for zero quantity, got %v", err)
	}

	neg := buyCreate("5.00", 1)
	neg.Price = decimal.RequireFromString("-1")
	if _, err := eng.SubmitOrder(ctx, neg); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for negative price, got %v", err)
	}
}

func TestParallelSubmissionsAcrossBookKeys(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()

	otherType := uuid.New()
	otherItem := uuid.New()
	repo.types[otherType] = struct{}{}
	repo.items[otherItem] = otherType

	eng := newTestEngine(repo)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := eng.SubmitOrder(ctx, sellCreate(testItemID, "5.00", 1)); err != nil {
				errs <- err
			}
			if _, err := eng.SubmitOrder(ctx, buyCreate("5.00", 1)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			sc := sellCreate(otherItem, "7.00", 1)
			if _, err := eng.SubmitOrder(ctx, sc); err != nil {
				errs <- err
			}
			bc := buyCreate("7.00", 1)
			bc.ItemTypeID = otherType
			if _, err := eng.SubmitOrder(ctx, bc); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent submission failed: %v", err)
	}

	// every order either filled or rests with a consistent status
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, o := range repo.orders {
		switch {
		case o.Remaining == o.Quantity && o.Status != StatusOpen:
			t.Fatalf("order %s: remaining==quantity but status %s", o.ID, o.Status)
		case o.Remaining == 0 && o.Status != StatusFilled:
			t.Fatalf("order %s: remaining==0 but status %s", o.ID, o.Status)
		case o.Remaining < 0 || o.Remaining > o.Quantity:
			t.Fatalf("order %s: remaining %d out of range", o.ID, o.Remaining)
		}
	}
}
