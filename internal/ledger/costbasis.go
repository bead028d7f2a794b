// Package ledger applies buy and sell orders to an account using
// weighted-average cost-basis accounting.
//
// Buying q2 at p2 while holding q1 at average a1 gives
//
//	a' = (a1·q1 + p2·q2) / (q1 + q2)
//
// When q1 is zero (a new or closed position) this is just p2, so a position
// reopened after being sold out starts a fresh average instead of blending
// with the stale one. Sells keep the same running average on the sold side,
// weighted by the units sold since the position was opened; selling out sets
// the sell average to the closing price. Positions are never removed.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrInvalidQuantity is returned when the order quantity is not positive.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

	// ErrInvalidSide is returned for a side other than BUY or SELL.
	ErrInvalidSide = errors.New("ledger: side must be BUY or SELL")

	// ErrUnknownSymbol is returned when the feed has never priced the symbol.
	ErrUnknownSymbol = errors.New("ledger: unknown symbol")

	// ErrInsufficientFunds is returned when a buy costs more than the cash held.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds the quantity held.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
)

// Order is a request to buy or sell quantity units of symbol.
type Order struct {
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Validate checks the order on its own, before any price or account is read.
func (o Order) Validate() error {
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidQuantity, o.Quantity)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, o.Side)
	}
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}
	return nil
}

// Apply fills o at price against acct and returns the resulting revision.
// acct is left untouched; on error no revision is produced.
func Apply(acct *model.Account, o Order, price decimal.Decimal) (*model.Account, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	switch o.Side {
	case model.Buy:
		return applyBuy(acct, o.Symbol, o.Quantity, price)
	default:
		return applySell(acct, o.Symbol, o.Quantity, price)
	}
}

func applyBuy(acct *model.Account, symbol string, qty, price decimal.Decimal) (*model.Account, error) {
	cost := price.Mul(qty)
	if cost.GreaterThan(acct.Cash) {
		return nil, fmt.Errorf("%w: cost %s exceeds cash %s", ErrInsufficientFunds, cost, acct.Cash)
	}

	next := acct.Clone()
	pos := model.Position{Symbol: symbol}
	if p := next.Position(symbol); p != nil {
		pos = *p
	}

	oldQty := pos.Quantity
	if oldQty.IsPositive() {
		newQty := oldQty.Add(qty)
		pos.AvgBuyCost = pos.AvgBuyCost.Mul(oldQty).Add(cost).Div(newQty)
		pos.Quantity = newQty
	} else {
		// NEW or CLOSED → HELD: the weighted average with a zero old
		// quantity is the purchase price, and a new sell cycle begins.
		pos.AvgBuyCost = price
		pos.Quantity = qty
		pos.SoldQuantity = decimal.Zero
	}

	next.SetPosition(pos)
	next.Cash = next.Cash.Sub(cost)
	return next, nil
}

func applySell(acct *model.Account, symbol string, qty, price decimal.Decimal) (*model.Account, error) {
	held := acct.Position(symbol)
	if held == nil || qty.GreaterThan(held.Quantity) {
		have := decimal.Zero
		if held != nil {
			have = held.Quantity
		}
		return nil, fmt.Errorf("%w: selling %s %s, holding %s", ErrInsufficientShares, qty, symbol, have)
	}

	next := acct.Clone()
	pos := *next.Position(symbol)
	proceeds := price.Mul(qty)
	newQty := pos.Quantity.Sub(qty)

	if newQty.IsPositive() {
		sold := pos.SoldQuantity.Add(qty)
		pos.AvgSellCost = pos.AvgSellCost.Mul(pos.SoldQuantity).Add(proceeds).Div(sold)
		pos.SoldQuantity = sold
	} else {
		// HELD → CLOSED: the record stays so its cost basis remains visible.
		pos.AvgSellCost = price
		pos.SoldQuantity = pos.SoldQuantity.Add(qty)
		newQty = decimal.Zero
	}
	pos.Quantity = newQty

	next.SetPosition(pos)
	next.Cash = next.Cash.Add(proceeds)
	return next, nil
}
