// Package valuation computes an account's total value from its cash and its
// positions priced at a point in time.
package valuation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Prices answers point-in-time price lookups. *pricefeed.Feed and
// *pricefeed.Holder implement it. A lookup error means "no price".
type Prices interface {
	PriceAtOrBefore(symbol string, t time.Time) (model.PricePoint, error)
}

var hundred = decimal.NewFromInt(100)

// TotalValue returns cash + Σ quantity × price(symbol, asOf). A position
// whose symbol has no observation at or before asOf contributes zero.
func TotalValue(a *model.Account, prices Prices, asOf time.Time) decimal.Decimal {
	total := a.Cash
	for _, p := range a.Positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		if pt, err := prices.PriceAtOrBefore(p.Symbol, asOf); err == nil {
			total = total.Add(p.Quantity.Mul(pt.Price))
		}
	}
	return total
}

// Snapshot values a and itemizes every position, closed ones included.
func Snapshot(a *model.Account, prices Prices, asOf time.Time) model.ValuationSnapshot {
	snap := model.ValuationSnapshot{
		AccountID:  a.ID,
		Cash:       a.Cash,
		TotalValue: a.Cash,
		ComputedAt: asOf,
		Holdings:   make([]model.Holding, 0, len(a.Positions)),
	}

	for _, p := range a.Positions {
		h := model.Holding{
			Symbol:      p.Symbol,
			Quantity:    p.Quantity,
			AvgBuyCost:  p.AvgBuyCost,
			AvgSellCost: p.AvgSellCost,
			State:       p.State(),
		}

		// A failed lookup leaves the holding unpriced and worth zero.
		if pt, err := prices.PriceAtOrBefore(p.Symbol, asOf); err == nil {
			h.Priced = true
			h.Price = pt.Price
			h.MarketValue = p.Quantity.Mul(pt.Price)
			h.ReturnPct = returnPct(p, pt.Price)
		}

		snap.TotalValue = snap.TotalValue.Add(h.MarketValue)
		snap.Holdings = append(snap.Holdings, h)
	}
	return snap
}

// returnPct is (price − avgBuyCost) / avgBuyCost × 100 for an open position.
func returnPct(p model.Position, price decimal.Decimal) *decimal.Decimal {
	if !p.Quantity.IsPositive() || !p.AvgBuyCost.IsPositive() {
		return nil
	}
	r := price.Sub(p.AvgBuyCost).Div(p.AvgBuyCost).Mul(hundred).Round(2)
	return &r
}
