package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hermeslabs/exchange-core/internal/accounts"
	"github.com/hermeslabs/exchange-core/internal/engine"
)

// Postgres implements the engine repository and user store over pgx.
// Prices travel as text so numeric columns round-trip exactly into
// shopspring decimals.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

func fromPgUUID(u pgtype.UUID) uuid.UUID {
	if !u.Valid {
		return uuid.Nil
	}
	return u.Bytes
}

const orderColumns = `id, owner_id, side, item_type_id, item_id, price::text, quantity, remaining, status, matched_order_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*engine.Order, error) {
	var (
		id, owner, itemType, item, matched pgtype.UUID
		side, status, price                string
		o                                  engine.Order
	)
	err := row.Scan(&id, &owner, &side, &itemType, &item, &price,
		&o.Quantity, &o.Remaining, &status, &matched, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ID = fromPgUUID(id)
	o.OwnerID = fromPgUUID(owner)
	o.Side = engine.Side(side)
	o.ItemTypeID = fromPgUUID(itemType)
	o.ItemID = fromPgUUID(item)
	o.Status = engine.Status(status)
	o.MatchedOrderID = fromPgUUID(matched)
	o.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad price %q: %w", o.ID, price, err)
	}
	return &o, nil
}

func (p *Postgres) loadOpen(ctx context.Context, side engine.Side, itemTypeID uuid.UUID) ([]*engine.Order, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE side = $1 AND item_type_id = $2 AND status IN ('OPEN', 'PARTIALLY_FILLED')`,
		string(side), pgUUID(itemTypeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadOpenBuyOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*engine.Order, error) {
	return p.loadOpen(ctx, engine.SideBuy, itemTypeID)
}

func (p *Postgres) LoadOpenSellOrders(ctx context.Context, itemTypeID uuid.UUID) ([]*engine.Order, error) {
	return p.loadOpen(ctx, engine.SideSell, itemTypeID)
}

func (p *Postgres) ResolveItemType(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	var typeID pgtype.UUID
	err := p.pool.QueryRow(ctx,
		`SELECT item_type_id FROM items WHERE id = $1`, pgUUID(itemID)).Scan(&typeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: item %s", engine.ErrNotFound, itemID)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return fromPgUUID(typeID), nil
}

func (p *Postgres) ItemTypeExists(ctx context.Context, itemTypeID uuid.UUID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM item_types WHERE id = $1)`, pgUUID(itemTypeID)).Scan(&exists)
	return exists, err
}

func (p *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*engine.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, pgUUID(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	return o, err
}

func (p *Postgres) TradesByOrder(ctx context.Context, orderID uuid.UUID) ([]*engine.Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, price::text, quantity, executed_at
		FROM trades
		WHERE buy_order_id = $1 OR sell_order_id = $1
		ORDER BY executed_at, id`, pgUUID(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Trade
	for rows.Next() {
		var (
			id, buy, sell pgtype.UUID
			price         string
			t             engine.Trade
		)
		if err := rows.Scan(&id, &buy, &sell, &price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.ID = fromPgUUID(id)
		t.BuyOrderID = fromPgUUID(buy)
		t.SellOrderID = fromPgUUID(sell)
		t.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("trade %s: bad price %q: %w", t.ID, price, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveOrder(ctx context.Context, o *engine.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, owner_id, side, item_type_id, item_id, price, quantity,
		                    remaining, status, matched_order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			remaining        = EXCLUDED.remaining,
			status           = EXCLUDED.status,
			matched_order_id = EXCLUDED.matched_order_id,
			updated_at       = EXCLUDED.updated_at`,
		pgUUID(o.ID), pgUUID(o.OwnerID), string(o.Side), pgUUID(o.ItemTypeID), pgUUID(o.ItemID),
		o.Price.String(), o.Quantity, o.Remaining, string(o.Status), pgUUID(o.MatchedOrderID),
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *pgTx) SaveTrade(ctx context.Context, tr *engine.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, price, quantity, executed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		pgUUID(tr.ID), pgUUID(tr.BuyOrderID), pgUUID(tr.SellOrderID),
		tr.Price.String(), tr.Quantity, tr.ExecutedAt)
	return err
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx engine.TxRepository) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteOrder is the terminal admin operation: only FILLED or CANCELLED
// orders no trade references may go.
func (p *Postgres) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, pgUUID(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if s := engine.Status(status); s != engine.StatusFilled && s != engine.StatusCancelled {
		return fmt.Errorf("%w: order %s is %s, cannot delete", engine.ErrInvalidState, id, s)
	}

	var referenced bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trades WHERE buy_order_id = $1 OR sell_order_id = $1)`,
		pgUUID(id)).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("%w: order %s is referenced by trades", engine.ErrConflict, id)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, pgUUID(id)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CreateItemType(ctx context.Context, it *ItemType) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO item_types (id, name, created_at) VALUES ($1, $2, $3)`,
		pgUUID(it.ID), it.Name, it.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: item type %q exists", engine.ErrConflict, it.Name)
	}
	return err
}

func (p *Postgres) CreateItem(ctx context.Context, item *Item) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO items (id, item_type_id, owner_id, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		pgUUID(item.ID), pgUUID(item.ItemTypeID), pgUUID(item.OwnerID), item.Name, item.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: item type %s", engine.ErrNotFound, item.ItemTypeID)
	}
	return err
}

func (p *Postgres) CreateUser(ctx context.Context, u *accounts.User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, email, hashed_password, created_at) VALUES ($1, $2, $3, $4)`,
		pgUUID(u.ID), u.Email, u.HashedPassword, u.CreatedAt)
	if isUniqueViolation(err) {
		return accounts.ErrEmailTaken
	}
	return err
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*accounts.User, error) {
	return p.getUser(ctx, `SELECT id, email, hashed_password, created_at FROM users WHERE id = $1`, pgUUID(id))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*accounts.User, error) {
	return p.getUser(ctx, `SELECT id, email, hashed_password, created_at FROM users WHERE email = $1`, email)
}

func (p *Postgres) getUser(ctx context.Context, sql string, arg any) (*accounts.User, error) {
	var (
		id pgtype.UUID
		u  accounts.User
	)
	err := p.pool.QueryRow(ctx, sql, arg).Scan(&id, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ID = fromPgUUID(id)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
