// Package ranking orders accounts by total value.
package ranking

import (
	"cmp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Compute values every account at asOf and returns them ordered by total
// value descending, ties broken by ascending account id. Ranks run 1..N with
// no gaps; tied accounts get distinct consecutive ranks.
func Compute(accounts []model.Account, prices valuation.Prices, asOf time.Time) []model.RankingEntry {
	entries := make([]model.RankingEntry, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		entries[i] = model.RankingEntry{
			AccountID:  a.ID,
			Username:   a.Username,
			TotalValue: valuation.TotalValue(a, prices, asOf),
		}
	}

	slices.SortFunc(entries, func(x, y model.RankingEntry) int {
		if c := y.TotalValue.Cmp(x.TotalValue); c != 0 {
			return c
		}
		return cmp.Compare(x.AccountID, y.AccountID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// Standings is an immutable published ranking.
type Standings struct {
	Entries    []model.RankingEntry `json:"entries"`
	ComputedAt time.Time            `json:"computed_at"`

	index map[string]int
}

// Board holds the most recently published Standings. Safe for concurrent use.
type Board struct {
	current atomic.Pointer[Standings]
}

// NewBoard returns a board with empty standings.
func NewBoard() *Board {
	b := &Board{}
	b.current.Store(&Standings{index: map[string]int{}})
	return b
}

// Publish replaces the board's standings. Older computations never overwrite
// newer ones.
func (b *Board) Publish(entries []model.RankingEntry, computedAt time.Time) *Standings {
	s := &Standings{
		Entries:    entries,
		ComputedAt: computedAt,
		index:      make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		s.index[e.AccountID] = i
	}

	for {
		cur := b.current.Load()
		if cur.ComputedAt.After(computedAt) {
			return cur
		}
		if b.current.CompareAndSwap(cur, s) {
			return s
		}
	}
}

// Current returns the latest standings. Never nil.
func (b *Board) Current() *Standings { return b.current.Load() }

// Top returns up to n leading entries; n <= 0 returns all of them.
func (s *Standings) Top(n int) []model.RankingEntry {
	if n <= 0 || n > len(s.Entries) {
		n = len(s.Entries)
	}
	return s.Entries[:n]
}

// RankOf returns the entry for accountID, if ranked.
func (s *Standings) RankOf(accountID string) (model.RankingEntry, bool) {
	i, ok := s.index[accountID]
	if !ok {
		return model.RankingEntry{}, false
	}
	return s.Entries[i], true
}
