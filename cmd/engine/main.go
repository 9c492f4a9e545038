// Demo: run the matching core against the in-memory repository.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hermeslabs/exchange-core/internal/engine"
	"github.com/hermeslabs/exchange-core/internal/repository"
)

func main() {
	ctx := context.Background()
	log := logrus.New()

	repo := repository.NewMemory()

	swordType := uuid.New()
	sword := uuid.New()
	seller := uuid.New()
	buyer := uuid.New()

	must(repo.CreateItemType(ctx, &repository.ItemType{ID: swordType, Name: "sword", CreatedAt: time.Now().UTC()}))
	must(repo.CreateItem(ctx, &repository.Item{ID: sword, ItemTypeID: swordType, OwnerID: seller, Name: "iron sword", CreatedAt: time.Now().UTC()}))

	eng := engine.New(repo, nil, log)

	// maker: sell 10 @ 5.00, rests on the book
	sellRes, err := eng.SubmitOrder(ctx, engine.OrderCreate{
		OwnerID:  seller,
		Side:     engine.SideSell,
		ItemID:   sword,
		Price:    decimal.RequireFromString("5.00"),
		Quantity: 10,
	})
	must(err)
	fmt.Printf("sell resting: status=%s remaining=%d\n", sellRes.Order.Status, sellRes.Order.Remaining)

	// taker: buy 4 @ 5.00, crosses immediately
	buyRes, err := eng.SubmitOrder(ctx, engine.OrderCreate{
		OwnerID:    buyer,
		Side:       engine.SideBuy,
		ItemTypeID: swordType,
		Price:      decimal.RequireFromString("5.00"),
		Quantity:   4,
	})
	must(err)

	fmt.Printf("buy settled: status=%s remaining=%d\n", buyRes.Order.Status, buyRes.Order.Remaining)
	for _, t := range buyRes.Trades {
		fmt.Printf("trade: qty=%d price=%s buy=%s sell=%s\n", t.Quantity, t.Price, t.BuyOrderID, t.SellOrderID)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
