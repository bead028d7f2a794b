// Package pricefeed answers "what was the price of S at time T" over a time
// series of observations loaded from an external source.
//
// A Feed is immutable once built; a Holder swaps in a fresh Feed on every
// refresh so readers never see a half-loaded series.
package pricefeed

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrNoPriceData is returned when a symbol has no observation in range.
var ErrNoPriceData = errors.New("pricefeed: no price data")

// Feed is an indexed, chronologically sorted set of price series.
type Feed struct {
	series  map[string][]model.PricePoint
	symbols []string
	size    int
}

// New builds a Feed from points in any order.
//
// Within a symbol, points are sorted by time. When several points share the
// same timestamp, the one that came last in the input wins; the others are
// dropped. This keeps lookups deterministic for sources that append
// corrections rather than rewrite history.
func New(points []model.PricePoint) *Feed {
	grouped := make(map[string][]model.PricePoint)
	for _, p := range points {
		grouped[p.Symbol] = append(grouped[p.Symbol], p)
	}

	f := &Feed{series: make(map[string][]model.PricePoint, len(grouped))}
	for symbol, s := range grouped {
		// Stable: equal timestamps keep input order, so the last of a run is
		// the last one read.
		sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })

		deduped := s[:0]
		for _, p := range s {
			if n := len(deduped); n > 0 && deduped[n-1].Time.Equal(p.Time) {
				deduped[n-1] = p
				continue
			}
			deduped = append(deduped, p)
		}
		f.series[symbol] = deduped
		f.symbols = append(f.symbols, symbol)
		f.size += len(deduped)
	}
	slices.Sort(f.symbols)
	return f
}

// PriceAtOrBefore returns the observation of symbol with the greatest
// timestamp not after t.
func (f *Feed) PriceAtOrBefore(symbol string, t time.Time) (model.PricePoint, error) {
	s := f.series[symbol]
	i := sort.Search(len(s), func(i int) bool { return s[i].Time.After(t) })
	if i == 0 {
		return model.PricePoint{}, fmt.Errorf("%w: %s at or before %s", ErrNoPriceData, symbol, t.Format(time.RFC3339))
	}
	return s[i-1], nil
}

// Latest returns the most recent observation of symbol, regardless of time.
func (f *Feed) Latest(symbol string) (model.PricePoint, error) {
	s := f.series[symbol]
	if len(s) == 0 {
		return model.PricePoint{}, fmt.Errorf("%w: %s", ErrNoPriceData, symbol)
	}
	return s[len(s)-1], nil
}

// QuotesAsOf returns, for every symbol with data at or before t, its most
// recent observation, ordered by symbol.
func (f *Feed) QuotesAsOf(t time.Time) []model.PricePoint {
	quotes := make([]model.PricePoint, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		if p, err := f.PriceAtOrBefore(symbol, t); err == nil {
			quotes = append(quotes, p)
		}
	}
	return quotes
}

// Series returns a copy of the chronological history of symbol.
func (f *Feed) Series(symbol string) []model.PricePoint {
	return slices.Clone(f.series[symbol])
}

// Symbols returns every known symbol in ascending order.
func (f *Feed) Symbols() []string { return slices.Clone(f.symbols) }

// Len returns the number of distinct observations held.
func (f *Feed) Len() int { return f.size }
