package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/store"
)

// Quoter supplies the latest known price of a symbol.
type Quoter interface {
	Latest(symbol string) (model.PricePoint, error)
}

// Updater serializes account mutations. *account.Registry implements it.
type Updater interface {
	Update(ctx context.Context, accountID string, op account.Op) (*model.Account, error)
}

// Fill describes an executed order and the account state it produced.
type Fill struct {
	TradeID   string          `json:"trade_id"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	PriceTime time.Time       `json:"price_time"`
	Amount    decimal.Decimal `json:"amount"` // cost of a buy, proceeds of a sell
	Cash      decimal.Decimal `json:"cash"`
	Position  model.Position  `json:"position"`
	Version   int64           `json:"version"`
}

// Engine validates orders and applies them through the account's owner.
type Engine struct {
	quotes   Quoter
	accounts Updater
}

// NewEngine creates a trade engine.
func NewEngine(quotes Quoter, accounts Updater) *Engine {
	return &Engine{quotes: quotes, accounts: accounts}
}

// ExecuteTrade fills o for the session's account at the latest price.
//
// Order validation and the price lookup happen before the account is read,
// so a rejected order never produces a revision. The fill is computed on a
// copy of the account and written as one versioned overwrite.
func (e *Engine) ExecuteTrade(ctx context.Context, sess model.Session, o Order) (*Fill, error) {
	start := time.Now()

	if err := o.Validate(); err != nil {
		return nil, e.reject(err)
	}

	quote, err := e.quotes.Latest(o.Symbol)
	if errors.Is(err, pricefeed.ErrNoPriceData) {
		return nil, e.reject(fmt.Errorf("%w: %s", ErrUnknownSymbol, o.Symbol))
	}
	if err != nil {
		return nil, err
	}

	acct, err := e.accounts.Update(ctx, sess.AccountID, func(cur *model.Account) (*model.Account, error) {
		return Apply(cur, o, quote.Price)
	})
	if err != nil {
		return nil, e.reject(err)
	}

	fill := &Fill{
		TradeID:   uuid.New().String(),
		AccountID: acct.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.Quantity,
		Price:     quote.Price,
		PriceTime: quote.Time,
		Amount:    quote.Price.Mul(o.Quantity),
		Cash:      acct.Cash,
		Position:  *acct.Position(o.Symbol),
		Version:   acct.Version,
	}

	metrics.TradesTotal.WithLabelValues(string(o.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(o.Side)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", fill.TradeID,
		"session", sess.ID,
		"account", acct.ID,
		"symbol", o.Symbol,
		"side", o.Side,
		"qty", o.Quantity.String(),
		"price", quote.Price.String(),
		"cash", acct.Cash.String(),
		"version", acct.Version,
	)
	return fill, nil
}

func (e *Engine) reject(err error) error {
	metrics.TradeRejections.WithLabelValues(Reason(err)).Inc()
	return err
}

// Reason maps an error to a short label for metrics and API responses.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, store.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "persistence"
	}
}
