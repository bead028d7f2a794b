// Package api provides the HTTP handlers for accounts, trades, prices,
// rankings and sessions.
//
// The caller's account id arrives in the X-Account-ID header, set by the
// authentication layer in front of this service. All monetary values use
// shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
	"github.com/atmx/portfolio-engine/internal/session"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

const (
	accountHeader = "X-Account-ID"
	sessionHeader = "X-Session-ID"
)

// Deps are the collaborators a Service serves.
type Deps struct {
	Accounts *account.Registry
	Engine   *ledger.Engine
	Prices   *pricefeed.Holder
	Board    *ranking.Board
	Sessions *session.Manager
	Hub      *Hub // optional

	InitialCash decimal.Decimal
	// Location is applied to naive ?at= timestamps.
	Location *time.Location
	// Now is the valuation clock; defaults to time.Now.
	Now func() time.Time
}

// Service handles portfolio API requests.
type Service struct {
	Deps
}

// NewService creates a new API service.
func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Service{Deps: deps}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"` // "BUY" or "SELL"
	Quantity decimal.Decimal `json:"quantity"`
}

// ValuationResponse is the JSON body of GET /accounts/me/valuation.
type ValuationResponse struct {
	model.ValuationSnapshot
	Rank *model.RankingEntry `json:"rank,omitempty"`
}

// RankingsResponse is the JSON body of GET /rankings.
type RankingsResponse struct {
	Entries    []model.RankingEntry `json:"entries"`
	Total      int                  `json:"total"`
	ComputedAt time.Time            `json:"computed_at"`
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
// Registers the caller with the configured starting cash.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		req.Username = id
	}

	now := s.Now().UTC()
	acct := &model.Account{
		ID:         id,
		Username:   req.Username,
		Email:      req.Email,
		Cash:       s.InitialCash,
		Positions:  []model.Position{},
		TotalValue: s.InitialCash,
		UpdatedAt:  now,
	}
	if err := s.Accounts.Create(r.Context(), acct); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("account created", "account", id, "cash", acct.Cash.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/me
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	acct, err := s.Accounts.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetValuation handles GET /api/v1/accounts/me/valuation
// Returns the caller's holdings valued at ?at= (default now) and, when
// ranked, the caller's place on the board.
func (s *Service) GetValuation(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	asOf, ok := s.asOf(w, r)
	if !ok {
		return
	}

	acct, err := s.Accounts.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := ValuationResponse{ValuationSnapshot: valuation.Snapshot(acct, s.Prices, asOf)}
	if e, ok := s.Board.Current().RankOf(id); ok {
		resp.Rank = &e
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Trades ---

// ExecuteTrade handles POST /api/v1/trade
// Fills the order at the latest known price and returns the fill.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, ok := s.tradeSession(w, r, id)
	if !ok {
		return
	}

	fill, err := s.Engine.ExecuteTrade(r.Context(), sess, ledger.Order{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.Hub != nil {
		s.Hub.BroadcastFill(fill)
	}
	writeJSON(w, http.StatusOK, fill)
}

// tradeSession resolves the session a trade runs under. A named session must
// belong to the caller; without one the request id stands in.
func (s *Service) tradeSession(w http.ResponseWriter, r *http.Request, accountID string) (model.Session, bool) {
	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		return model.Session{
			ID:        middleware.GetReqID(r.Context()),
			AccountID: accountID,
			StartedAt: s.Now().UTC(),
		}, true
	}

	sess, ok := s.Sessions.Get(sid)
	if !ok {
		writeErr(w, session.ErrNotFound)
		return model.Session{}, false
	}
	if sess.AccountID != accountID {
		writeError(w, "session belongs to another account", http.StatusForbidden)
		return model.Session{}, false
	}
	return sess, true
}

// --- Rankings ---

// ListRankings handles GET /api/v1/rankings
// Returns the published board, limited by ?limit=n. Before any session has
// ticked, the board is computed on demand.
func (s *Service) ListRankings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	standings, err := s.standings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RankingsResponse{
		Entries:    standings.Top(limit),
		Total:      len(standings.Entries),
		ComputedAt: standings.ComputedAt,
	})
}

// GetMyRank handles GET /api/v1/rankings/me
func (s *Service) GetMyRank(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	standings, err := s.standings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	e, ok := standings.RankOf(id)
	if !ok {
		writeError(w, "account is not ranked", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Service) standings(ctx context.Context) (*ranking.Standings, error) {
	if cur := s.Board.Current(); !cur.ComputedAt.IsZero() {
		return cur, nil
	}
	accounts, err := s.Accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	return s.Board.Publish(ranking.Compute(accounts, s.Prices, now), now), nil
}

// --- Prices ---

// ListPrices handles GET /api/v1/prices
// Returns each symbol's latest price at or before ?at= (default now).
func (s *Service) ListPrices(w http.ResponseWriter, r *http.Request) {
	asOf, ok := s.asOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Prices.Current().QuotesAsOf(asOf))
}

// GetPrice handles GET /api/v1/prices/{symbol}
// Without ?at= the latest known price is returned, the one trades fill at.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var (
		pt  model.PricePoint
		err error
	)
	if r.URL.Query().Get("at") == "" {
		pt, err = s.Prices.Latest(symbol)
	} else {
		asOf, ok := s.asOf(w, r)
		if !ok {
			return
		}
		pt, err = s.Prices.PriceAtOrBefore(symbol, asOf)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

// GetPriceHistory handles GET /api/v1/prices/{symbol}/history
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	series := s.Prices.Current().Series(symbol)
	if len(series) == 0 {
		writeErr(w, pricefeed.ErrNoPriceData)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// asOf parses the optional ?at= query timestamp.
func (s *Service) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("at")
	if v == "" {
		return s.Now(), true
	}
	t, err := pricefeed.ParseTime(v, s.Location)
	if err != nil {
		writeError(w, "invalid at timestamp", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

// --- Sessions ---

// OpenSession handles POST /api/v1/sessions
// Starts a revaluation loop for the caller's account.
func (s *Service) OpenSession(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	sess, err := s.Sessions.Open(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// CloseSession handles DELETE /api/v1/sessions/{sessionID}
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	sid := chi.URLParam(r, "sessionID")

	sess, found := s.Sessions.Get(sid)
	if !found {
		writeErr(w, session.ErrNotFound)
		return
	}
	if sess.AccountID != id {
		writeError(w, "session belongs to another account", http.StatusForbidden)
		return
	}
	if err := s.Sessions.Close(sid); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(accountHeader)
	if id == "" {
		writeError(w, accountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a domain error to its status code.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": reasonFor(err, status),
	})
}

func reasonFor(err error, status int) string {
	switch {
	case errors.Is(err, pricefeed.ErrNoPriceData):
		return "no_price_data"
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found"
	case errors.Is(err, store.ErrAccountExists):
		return "account_exists"
	case status == http.StatusInternalServerError:
		return "internal"
	default:
		return ledger.Reason(err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidSide):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownSymbol),
		errors.Is(err, pricefeed.ErrNoPriceData),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccountExists),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrPersistenceFailure),
		errors.Is(err, account.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
