package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	exdb "github.com/hermeslabs/exchange-core/db"
	"github.com/hermeslabs/exchange-core/env"
	"github.com/hermeslabs/exchange-core/internal/accounts"
	"github.com/hermeslabs/exchange-core/internal/engine"
	"github.com/hermeslabs/exchange-core/internal/repository"
	"github.com/hermeslabs/exchange-core/metrics"
	"github.com/hermeslabs/exchange-core/pricefeed"
)

type server struct {
	log      *logrus.Logger
	engine   *engine.Engine
	repo     *repository.Postgres
	accounts *accounts.Service
	prices   *pricefeed.Cache
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := env.Load(log)
	ctx := context.Background()

	pool, err := exdb.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database pool")
	}
	defer pool.Close()

	repo := repository.NewPostgres(pool)
	prices := pricefeed.NewCache()

	s := &server{
		log:      log,
		engine:   engine.New(repo, prices, log),
		repo:     repo,
		accounts: accounts.NewService(repo),
		prices:   prices,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Post("/users", s.createUser)
	r.Post("/login", s.login)
	r.Get("/users/{id}", s.getUser)

	r.Post("/item-types", s.createItemType)
	r.Post("/items", s.createItem)

	r.Post("/orders", s.submitOrder)
	r.Delete("/orders/{id}", s.cancelOrder)
	r.Get("/orders/{id}/trades", s.listTrades)
	r.Delete("/admin/orders/{id}", s.deleteOrder)

	r.Get("/book/{bookKey}", s.bookSnapshot)
	r.Get("/price/{itemTypeID}", s.lastPrice)

	r.Handle("/metrics", metrics.Handler())

	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.WithError(err).Fatal("server")
	}
}

// writeProblem renders application/problem+json with the request id attached.
func writeProblem(w http.ResponseWriter, r *http.Request, code int, title, detail string) {
	reqID := middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":      title,
		"status":     code,
		"detail":     detail,
		"instance":   r.URL.Path,
		"request_id": reqID,
	})
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrInvalidState):
		writeProblem(w, r, http.StatusUnprocessableEntity, "invalid_state", err.Error())
	case errors.Is(err, engine.ErrConflict):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	u, err := s.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrEmailTaken) {
			writeProblem(w, r, http.StatusConflict, "email_taken", err.Error())
			return
		}
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, userResponse{ID: u.ID, Email: u.Email})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	u, err := s.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			writeProblem(w, r, http.StatusUnauthorized, "invalid_credentials", "email or password is wrong")
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, userResponse{ID: u.ID, Email: u.Email})
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid user id")
		return
	}
	u, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, userResponse{ID: u.ID, Email: u.Email})
}

type createItemTypeRequest struct {
	Name string `json:"name"`
}

func (s *server) createItemType(w http.ResponseWriter, r *http.Request) {
	var req createItemTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	it := &repository.ItemType{ID: uuid.New(), Name: req.Name, CreatedAt: time.Now().UTC()}
	if err := s.repo.CreateItemType(r.Context(), it); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, it)
}

type createItemRequest struct {
	ItemTypeID uuid.UUID `json:"item_type_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Name       string    `json:"name"`
}

func (s *server) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" || req.ItemTypeID == uuid.Nil || req.OwnerID == uuid.Nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "name, item_type_id and owner_id are required")
		return
	}
	item := &repository.Item{
		ID:         uuid.New(),
		ItemTypeID: req.ItemTypeID,
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateItem(r.Context(), item); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, item)
}

type submitOrderRequest struct {
	ID         uuid.UUID `json:"id"` // optional, client-supplied for idempotent resubmission
	OwnerID    uuid.UUID `json:"owner_id"`
	Side       string    `json:"side"`
	ItemTypeID uuid.UUID `json:"item_type_id"` // BUY
	ItemID     uuid.UUID `json:"item_id"`      // SELL
	Price      string    `json:"price"`
	Quantity   int64     `json:"quantity"`
}

type tradeResponse struct {
	TradeID        uuid.UUID `json:"trade_id"`
	CounterOrderID uuid.UUID `json:"counter_order_id"`
	ExecutedPrice  string    `json:"executed_price"`
	ExecutedQty    int64     `json:"executed_quantity"`
	ExecutedAt     time.Time `json:"executed_at"`
}

type submitOrderResponse struct {
	OrderID   uuid.UUID       `json:"order_id"`
	Status    string          `json:"status"`
	Remaining int64           `json:"remaining_quantity"`
	Trades    []tradeResponse `json:"trades"`
	RequestID string          `json:"request_id"`
}

func (s *server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	side, err := engine.ParseSide(req.Side)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "price must be a decimal string")
		return
	}

	res, err := s.engine.SubmitOrder(r.Context(), engine.OrderCreate{
		ID:         req.ID,
		OwnerID:    req.OwnerID,
		Side:       side,
		ItemTypeID: req.ItemTypeID,
		ItemID:     req.ItemID,
		Price:      price,
		Quantity:   req.Quantity,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()
	trades := make([]tradeResponse, 0, len(res.Trades))
	for _, t := range res.Trades {
		metrics.TradesExecuted.Inc()
		metrics.QuantityExecuted.Add(float64(t.Quantity))
		counter := t.SellOrderID
		if side == engine.SideSell {
			counter = t.BuyOrderID
		}
		trades = append(trades, tradeResponse{
			TradeID:        t.ID,
			CounterOrderID: counter,
			ExecutedPrice:  t.Price.String(),
			ExecutedQty:    t.Quantity,
			ExecutedAt:     t.ExecutedAt,
		})
	}

	w.Header().Set("Location", "/orders/"+res.Order.ID.String())
	writeJSON(w, r, http.StatusCreated, submitOrderResponse{
		OrderID:   res.Order.ID,
		Status:    string(res.Order.Status),
		Remaining: res.Order.Remaining,
		Trades:    trades,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid order id")
		return
	}
	o, err := s.engine.CancelOrder(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	metrics.OrdersCancelled.Inc()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"order_id": o.ID,
		"status":   o.Status,
	})
}

func (s *server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid order id")
		return
	}
	if err := s.repo.DeleteOrder(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listTrades(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid order id")
		return
	}
	trades, err := s.repo.TradesByOrder(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"trade_id":          t.ID,
			"buy_order_id":      t.BuyOrderID,
			"sell_order_id":     t.SellOrderID,
			"executed_price":    t.Price.String(),
			"executed_quantity": t.Quantity,
			"executed_at":       t.ExecutedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

type bookEntryResponse struct {
	OrderID   uuid.UUID `json:"order_id"`
	Price     string    `json:"price"`
	Remaining int64     `json:"remaining_quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *server) bookSnapshot(w http.ResponseWriter, r *http.Request) {
	// the buy book is keyed by item type id, the sell book by item id
	key, err := parseUUIDParam(r, "bookKey")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid book key")
		return
	}
	side, err := engine.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "side must be BUY or SELL")
		return
	}
	entries, err := s.engine.BookSnapshot(r.Context(), side, key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]bookEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, bookEntryResponse{
			OrderID:   e.OrderID,
			Price:     e.Price.String(),
			Remaining: e.Remaining,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) lastPrice(w http.ResponseWriter, r *http.Request) {
	key, err := parseUUIDParam(r, "itemTypeID")
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid item type id")
		return
	}
	price, ok := s.prices.Get(key)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "not_found", "no trades yet for this item type")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"item_type_id": key,
		"last_price":   price.String(),
	})
}
