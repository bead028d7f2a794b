package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
	"github.com/atmx/portfolio-engine/internal/retry"
	"github.com/atmx/portfolio-engine/internal/scheduler"
	"github.com/atmx/portfolio-engine/internal/session"
	"github.com/atmx/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	t0  = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	now = t0.Add(90 * time.Minute)
)

type testEnv struct {
	svc      *api.Service
	store    *store.MemoryStore
	sessions *session.Manager
	router   chi.Router
}

// newTestEnv creates a Service over an in-memory store and a static feed:
// AAPL 140 @09:00, 150 @10:00; MSFT 300 @09:30. The clock reads 10:30.
func newTestEnv(t *testing.T, hub *api.Hub) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := account.NewRegistry(ms, account.DefaultOptions())
	t.Cleanup(reg.Close)

	prices := pricefeed.NewHolder(pricefeed.StaticSource{
		{Symbol: "AAPL", Time: t0, Price: d(140)},
		{Symbol: "AAPL", Time: t0.Add(time.Hour), Price: d(150)},
		{Symbol: "MSFT", Time: t0.Add(30 * time.Minute), Price: d(300)},
	}, retry.Policy{Attempts: 1})
	if _, err := prices.Refresh(context.Background()); err != nil {
		t.Fatalf("load prices: %v", err)
	}

	clock := func() time.Time { return now }
	board := ranking.NewBoard()
	sched := scheduler.New(scheduler.Config{
		Prices:   prices,
		Accounts: reg,
		Board:    board,
		Period:   time.Hour,
		Now:      clock,
	})
	sessions := session.NewManager(sched, reg)
	t.Cleanup(sessions.CloseAll)

	svc := api.NewService(api.Deps{
		Accounts:    reg,
		Engine:      ledger.NewEngine(prices, reg),
		Prices:      prices,
		Board:       board,
		Sessions:    sessions,
		Hub:         hub,
		InitialCash: d(100000),
		Location:    time.UTC,
		Now:         clock,
	})
	return &testEnv{
		svc:      svc,
		store:    ms,
		sessions: sessions,
		router:   api.NewRouter(svc, api.RouterOptions{}),
	}
}

func (e *testEnv) seed(t *testing.T, id string, cash float64) {
	t.Helper()
	if err := e.store.CreateAccount(context.Background(), &model.Account{ID: id, Username: id, Cash: d(cash)}); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, accountID string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) trade(t *testing.T, accountID, symbol string, side model.Side, qty float64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/trade", accountID, api.TradeRequest{Symbol: symbol, Side: side, Quantity: d(qty)})
}

func errorReason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return body["reason"]
}

// --- Accounts ---

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/accounts", "alice", api.CreateAccountRequest{Username: "Alice", Email: "a@example.com"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.ID != "alice" || !acct.Cash.Equal(d(100000)) || acct.Version != 1 {
		t.Errorf("unexpected account %+v", acct)
	}

	w = env.do(t, "POST", "/api/v1/accounts", "alice", api.CreateAccountRequest{Username: "Alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: expected 409, got %d", w.Code)
	}
}

func TestMissingIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/accounts/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/accounts/me", "ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Trade execution ---

func TestExecuteTrade_BuyAtLatestPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "alice", 100000)

	w := env.trade(t, "alice", "AAPL", model.Buy, 10)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fill ledger.Fill
	json.Unmarshal(w.Body.Bytes(), &fill)
	if !fill.Price.Equal(d(150)) || !fill.Cash.Equal(d(98500)) {
		t.Errorf("expected fill at 150 leaving 98500, got %s / %s", fill.Price, fill.Cash)
	}
	if fill.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}

	w = env.do(t, "GET", "/api/v1/accounts/me", "alice", nil)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	p := acct.Position("AAPL")
	if p == nil || !p.Quantity.Equal(d(10)) || !p.AvgBuyCost.Equal(d(150)) {
		t.Errorf("expected 10 AAPL @ 150, got %+v", p)
	}
}

func TestExecuteTrade_SellOutKeepsPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "alice", 100000)

	env.trade(t, "alice", "AAPL", model.Buy, 4)
	w := env.trade(t, "alice", "AAPL", model.Sell, 4)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fill ledger.Fill
	json.Unmarshal(w.Body.Bytes(), &fill)
	if !fill.Position.Quantity.IsZero() || !fill.Position.AvgSellCost.Equal(d(150)) {
		t.Errorf("expected closed position sold at 150, got %+v", fill.Position)
	}
	if !fill.Cash.Equal(d(100000)) {
		t.Errorf("round trip at one price should restore cash, got %s", fill.Cash)
	}
}

func TestExecuteTrade_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "alice", 1000)

	tests := []struct {
		name    string
		account string
		symbol  string
		side    model.Side
		qty     float64
		status  int
		reason  string
	}{
		{"zero quantity", "alice", "AAPL", model.Buy, 0, http.StatusBadRequest, "invalid_quantity"},
		{"bad side", "alice", "AAPL", "HOLD", 1, http.StatusBadRequest, "invalid_side"},
		{"unknown symbol", "alice", "ZZZZ", model.Buy, 1, http.StatusNotFound, "unknown_symbol"},
		{"insufficient funds", "alice", "AAPL", model.Buy, 7, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"insufficient shares", "alice", "MSFT", model.Sell, 1, http.StatusUnprocessableEntity, "insufficient_shares"},
		{"no account", "ghost", "AAPL", model.Buy, 1, http.StatusNotFound, "account_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.trade(t, tt.account, tt.symbol, tt.side, tt.qty)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if got := errorReason(t, w); got != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, got)
			}
		})
	}

	stored, _ := env.store.GetAccount(context.Background(), "alice")
	if stored.Version != 1 || !stored.Cash.Equal(d(1000)) {
		t.Errorf("rejected trades must not write: %+v", stored)
	}
}

func TestExecuteTrade_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/trade", strings.NewReader("{not json"))
	req.Header.Set("X-Account-ID", "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Valuation & rankings ---

func TestGetValuation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "alice", 100000)
	env.trade(t, "alice", "AAPL", model.Buy, 10) // 1500 at 150

	// At 09:15 AAPL traded at 140.
	w := env.do(t, "GET", "/api/v1/accounts/me/valuation?at=2024-10-01%2009:15", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.ValuationResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.TotalValue.Equal(d(98500 + 1400)) {
		t.Errorf("expected total 99900, got %s", resp.TotalValue)
	}
	if len(resp.Holdings) != 1 || resp.Holdings[0].ReturnPct == nil {
		t.Fatalf("expected one priced holding, got %+v", resp.Holdings)
	}
	if got := resp.Holdings[0].ReturnPct.String(); got != "-6.67" {
		t.Errorf("expected return -6.67%%, got %s", got)
	}

	w = env.do(t, "GET", "/api/v1/accounts/me/valuation?at=yesterday", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: expected 400, got %d", w.Code)
	}
}

func TestRankings_TiesBrokenByID(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "C", 500)
	env.seed(t, "A", 1000)
	env.seed(t, "B", 1000)

	w := env.do(t, "GET", "/api/v1/rankings", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.RankingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", resp)
	}
	for i, want := range []string{"A", "B", "C"} {
		if resp.Entries[i].AccountID != want || resp.Entries[i].Rank != i+1 {
			t.Errorf("position %d: expected %s rank %d, got %+v", i, want, i+1, resp.Entries[i])
		}
	}

	w = env.do(t, "GET", "/api/v1/rankings?limit=1", "", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 || resp.Total != 3 {
		t.Errorf("limit=1: got %d of %d", len(resp.Entries), resp.Total)
	}

	w = env.do(t, "GET", "/api/v1/rankings/me", "C", nil)
	var me model.RankingEntry
	json.Unmarshal(w.Body.Bytes(), &me)
	if me.Rank != 3 {
		t.Errorf("expected C at rank 3, got %+v", me)
	}

	w = env.do(t, "GET", "/api/v1/rankings?limit=-1", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
}

// --- Prices ---

func TestPrices(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/prices", "", nil)
	var quotes []model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &quotes)
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}

	w = env.do(t, "GET", "/api/v1/prices/AAPL", "", nil)
	var pt model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &pt)
	if !pt.Price.Equal(d(150)) {
		t.Errorf("expected latest 150, got %s", pt.Price)
	}

	w = env.do(t, "GET", "/api/v1/prices/AAPL?at=2024-10-01T09:59:00Z", "", nil)
	json.Unmarshal(w.Body.Bytes(), &pt)
	if !pt.Price.Equal(d(140)) {
		t.Errorf("expected 140 at 09:59, got %s", pt.Price)
	}

	w = env.do(t, "GET", "/api/v1/prices/MSFT?at=2024-10-01%2009:00", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("before first observation: expected 404, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/prices/AAPL/history", "", nil)
	var series []model.PricePoint
	json.Unmarshal(w.Body.Bytes(), &series)
	if len(series) != 2 || !series[0].Time.Before(series[1].Time) {
		t.Errorf("expected ordered 2-point history, got %+v", series)
	}

	w = env.do(t, "GET", "/api/v1/prices/ZZZZ/history", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol history: expected 404, got %d", w.Code)
	}
}

// --- Sessions ---

func TestSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "alice", 100000)
	env.seed(t, "bob", 100)

	w := env.do(t, "POST", "/api/v1/sessions", "alice", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess model.Session
	json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.ID == "" || sess.AccountID != "alice" {
		t.Fatalf("unexpected session %+v", sess)
	}

	// The session's first tick writes the denormalized total.
	deadline := time.Now().Add(time.Second)
	for {
		stored, _ := env.store.GetAccount(context.Background(), "alice")
		if stored.TotalValue.Equal(d(100000)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never wrote total value, got %s", stored.TotalValue)
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = env.do(t, "POST", "/api/v1/trade", "alice",
		api.TradeRequest{Symbol: "AAPL", Side: model.Buy, Quantity: d(1)}, "X-Session-ID", sess.ID)
	if w.Code != http.StatusOK {
		t.Errorf("trade in session: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/trade", "bob",
		api.TradeRequest{Symbol: "AAPL", Side: model.Buy, Quantity: d(1)}, "X-Session-ID", sess.ID)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign session trade: expected 403, got %d", w.Code)
	}

	w = env.do(t, "DELETE", "/api/v1/sessions/"+sess.ID, "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign close: expected 403, got %d", w.Code)
	}
	w = env.do(t, "DELETE", "/api/v1/sessions/"+sess.ID, "alice", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("close: expected 204, got %d", w.Code)
	}
	w = env.do(t, "DELETE", "/api/v1/sessions/"+sess.ID, "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second close: expected 404, got %d", w.Code)
	}
	if env.sessions.Len() != 0 {
		t.Errorf("expected no open sessions, got %d", env.sessions.Len())
	}

	w = env.do(t, "POST", "/api/v1/sessions", "ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("session for unknown account: expected 404, got %d", w.Code)
	}
}

// --- Health & WebSocket ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	failing := api.NewRouter(env.svc, api.RouterOptions{Checks: map[string]api.HealthCheck{
		"postgres": func(context.Context) error { return context.DeadlineExceeded },
	}})
	w = httptest.NewRecorder()
	failing.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("failing check: expected 503, got %d", w.Code)
	}
}

func TestWebSocket_BroadcastsFills(t *testing.T) {
	hub := api.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, hub)
	env.seed(t, "alice", 100000)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; keep trading until a fill arrives.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make(chan api.WSMessage, 1)
	go func() {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
		close(got)
	}()

	for i := 0; i < 20; i++ {
		env.trade(t, "alice", "AAPL", model.Buy, 1)
		select {
		case msg, ok := <-got:
			if !ok {
				t.Fatal("connection closed before a message arrived")
			}
			if msg.Type != "trade_executed" || msg.Fill == nil || msg.Fill.Symbol != "AAPL" {
				t.Errorf("unexpected message %+v", msg)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no fill broadcast received")
}
