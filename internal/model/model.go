// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// PositionState is the lifecycle state of a holding.
type PositionState string

const (
	StateNew    PositionState = "NEW"    // no record for the symbol yet
	StateHeld   PositionState = "HELD"   // quantity > 0
	StateClosed PositionState = "CLOSED" // quantity = 0, cost basis retained
)

// Position is an account's holding in one instrument. A position is never
// removed once created, so its cost basis stays visible after it is closed.
type Position struct {
	Symbol      string          `json:"stockName"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgBuyCost  decimal.Decimal `json:"avgBuyCost"`
	AvgSellCost decimal.Decimal `json:"avgSellCost"`
	// SoldQuantity is the number of units sold since the position was last
	// opened; it weights AvgSellCost.
	SoldQuantity decimal.Decimal `json:"soldQuantity"`
}

// State reports where the position sits in its NEW → HELD → CLOSED cycle.
func (p *Position) State() PositionState {
	if p == nil {
		return StateNew
	}
	if p.Quantity.IsPositive() {
		return StateHeld
	}
	return StateClosed
}

// Account is the persisted record of one registered user: cash, positions in
// insertion order, and the denormalized total value used for ranking.
type Account struct {
	ID         string          `json:"id"`
	Username   string          `json:"username"`
	Email      string          `json:"email"`
	Cash       decimal.Decimal `json:"cash"`
	Positions  []Position      `json:"assets"`
	TotalValue decimal.Decimal `json:"totalAssets"`

	// Version is bumped by the store on every successful write and must match
	// the stored value for a write to be accepted.
	Version int64 `json:"version"`
	// LastOpID identifies the command that produced this revision.
	LastOpID  string    `json:"lastOpId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Position returns the holding for symbol, or nil if none was ever opened.
func (a *Account) Position(symbol string) *Position {
	for i := range a.Positions {
		if a.Positions[i].Symbol == symbol {
			return &a.Positions[i]
		}
	}
	return nil
}

// SetPosition replaces the holding for p.Symbol, appending it when new.
func (a *Account) SetPosition(p Position) {
	for i := range a.Positions {
		if a.Positions[i].Symbol == p.Symbol {
			a.Positions[i] = p
			return
		}
	}
	a.Positions = append(a.Positions, p)
}

// Clone returns a deep copy so callers can compute a new revision without
// touching the original.
func (a *Account) Clone() *Account {
	c := *a
	if a.Positions != nil {
		c.Positions = make([]Position, len(a.Positions))
		copy(c.Positions, a.Positions)
	}
	return &c
}

// PricePoint is one observation of an instrument's price.
type PricePoint struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Price  decimal.Decimal `json:"price"`
}

// Holding is one valued line of an account snapshot.
type Holding struct {
	Symbol      string           `json:"symbol"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       decimal.Decimal  `json:"price"`
	MarketValue decimal.Decimal  `json:"market_value"`
	AvgBuyCost  decimal.Decimal  `json:"avg_buy_cost"`
	AvgSellCost decimal.Decimal  `json:"avg_sell_cost"`
	ReturnPct   *decimal.Decimal `json:"return_pct,omitempty"` // nil when closed or unpriced
	Priced      bool             `json:"priced"`
	State       PositionState    `json:"state"`
}

// ValuationSnapshot is the derived total value of one account at a point in time.
type ValuationSnapshot struct {
	AccountID  string          `json:"account_id"`
	Cash       decimal.Decimal `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	ComputedAt time.Time       `json:"computed_at"`
	Holdings   []Holding       `json:"holdings"`
}

// RankingEntry is one row of the cross-account leaderboard.
type RankingEntry struct {
	Rank       int             `json:"rank"`
	AccountID  string          `json:"account_id"`
	Username   string          `json:"username"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// Session is the explicit identity context passed into every trade and
// scheduler call. It is created by the caller's auth layer, never looked up
// from ambient state.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	StartedAt time.Time `json:"started_at"`
}
