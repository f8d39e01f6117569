// Package api serves the read-only market-data surface: REST snapshots of
// the book, orders and accounts, plus a WebSocket trade feed. All mutation
// goes through the XML wire protocol; nothing here writes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exstack/exchange/pkg/exchange"
)

type Server struct {
	db     exchange.Store
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(db exchange.Store, log *zap.SugaredLogger) *Server {
	s := &Server{
		db:     db,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// Feed exposes the hub as the exchange's trade publisher.
func (s *Server) Feed() exchange.TradePublisher {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/book/{symbol}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	orders, err := s.db.OpenOrders(r.Context(), symbol)
	if err != nil {
		s.log.Errorw("api_book", "symbol", symbol, "err", err)
		respondError(w, http.StatusInternalServerError, "database error", "")
		return
	}

	snap := BookSnapshot{
		Symbol:    symbol,
		Bids:      []BookLevel{},
		Asks:      []BookLevel{},
		Timestamp: time.Now().UnixMilli(),
	}

	// Aggregate open orders into per-price levels. Buys descend from the
	// best bid, sells ascend from the best ask.
	for _, o := range orders {
		level := BookLevel{Price: o.Limit.String(), Shares: o.Remaining.String()}
		if o.IsBuy() {
			snap.Bids = mergeLevel(snap.Bids, level)
		} else {
			snap.Asks = mergeLevel(snap.Asks, level)
		}
	}
	reverseLevels(snap.Bids)

	respondJSON(w, snap)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", "")
		return
	}

	ord, err := s.db.GetOrder(r.Context(), id)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	if err != nil {
		s.log.Errorw("api_order", "order", id, "err", err)
		respondError(w, http.StatusInternalServerError, "database error", "")
		return
	}

	fills, err := s.db.Fills(r.Context(), id)
	if err != nil {
		s.log.Errorw("api_order_fills", "order", id, "err", err)
		respondError(w, http.StatusInternalServerError, "database error", "")
		return
	}

	info := OrderInfo{
		ID:        ord.ID,
		Symbol:    ord.Symbol,
		Amount:    ord.Amount.String(),
		Limit:     ord.Limit.String(),
		Remaining: ord.Remaining.String(),
		Status:    ord.Status,
		Fills:     make([]FillInfo, 0, len(fills)),
	}
	for _, f := range fills {
		info.Fills = append(info.Fills, FillInfo{
			Shares: f.Shares.String(),
			Price:  f.Price.String(),
			Time:   f.Time.Unix(),
		})
	}

	respondJSON(w, info)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	balance, positions, err := s.db.GetAccount(r.Context(), id)
	if errors.Is(err, exchange.ErrAccountNotFound) {
		respondError(w, http.StatusNotFound, "account not found", "")
		return
	}
	if err != nil {
		s.log.Errorw("api_account", "account", id, "err", err)
		respondError(w, http.StatusInternalServerError, "database error", "")
		return
	}

	info := AccountInfo{
		ID:        id,
		Balance:   balance.String(),
		Positions: make([]PositionInfo, 0, len(positions)),
	}
	for _, p := range positions {
		info.Positions = append(info.Positions, PositionInfo{Symbol: p.Symbol, Amount: p.Amount.String()})
	}

	respondJSON(w, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// mergeLevel folds an order into the level list, which arrives sorted by
// price; adjacent equal prices collapse into one level.
func mergeLevel(levels []BookLevel, l BookLevel) []BookLevel {
	if n := len(levels); n > 0 && levels[n-1].Price == l.Price {
		a, _ := decimal.NewFromString(levels[n-1].Shares)
		b, _ := decimal.NewFromString(l.Shares)
		levels[n-1].Shares = a.Add(b).String()
		return levels
	}
	return append(levels, l)
}

func reverseLevels(levels []BookLevel) {
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Details: details})
}
