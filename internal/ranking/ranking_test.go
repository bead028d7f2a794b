package ranking_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)

func cashOnly(id string, cash float64) model.Account {
	return model.Account{ID: id, Username: "user-" + id, Cash: d(cash)}
}

func ids(entries []model.RankingEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.AccountID
	}
	return out
}

func TestCompute_TiesBrokenByID(t *testing.T) {
	accounts := []model.Account{cashOnly("C", 500), cashOnly("A", 1000), cashOnly("B", 1000)}

	got := ranking.Compute(accounts, pricefeed.New(nil), now)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"A", "B", "C"}, ids(got))
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, 2, got[1].Rank)
	assert.Equal(t, 3, got[2].Rank)
	assert.True(t, got[2].TotalValue.Equal(d(500)))
	assert.Equal(t, "user-A", got[0].Username)
}

func TestCompute_UsesPositionsAtAsOf(t *testing.T) {
	feed := pricefeed.New([]model.PricePoint{
		{Symbol: "AAPL", Time: now.Add(-time.Hour), Price: d(10)},
		{Symbol: "AAPL", Time: now.Add(time.Hour), Price: d(1000)},
	})
	accounts := []model.Account{
		cashOnly("rich-cash", 200),
		{ID: "holder", Cash: d(0), Positions: []model.Position{{Symbol: "AAPL", Quantity: d(15)}}},
	}

	got := ranking.Compute(accounts, feed, now)
	assert.Equal(t, []string{"rich-cash", "holder"}, ids(got))
	assert.True(t, got[1].TotalValue.Equal(d(150)))

	// After the later observation the holder overtakes.
	got = ranking.Compute(accounts, feed, now.Add(2*time.Hour))
	assert.Equal(t, []string{"holder", "rich-cash"}, ids(got))
}

func TestCompute_Idempotent(t *testing.T) {
	accounts := []model.Account{
		cashOnly("d", 10), cashOnly("b", 30), cashOnly("a", 30), cashOnly("c", 20), cashOnly("e", 30),
	}
	first := ranking.Compute(accounts, pricefeed.New(nil), now)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ranking.Compute(accounts, pricefeed.New(nil), now))
	}
	assert.Equal(t, []string{"a", "b", "e", "c", "d"}, ids(first))
}

func TestCompute_Empty(t *testing.T) {
	assert.Empty(t, ranking.Compute(nil, pricefeed.New(nil), now))
}

func TestBoard_PublishAndLookup(t *testing.T) {
	board := ranking.NewBoard()
	assert.Empty(t, board.Current().Entries)
	_, ok := board.Current().RankOf("A")
	assert.False(t, ok)

	entries := ranking.Compute([]model.Account{cashOnly("A", 1), cashOnly("B", 2)}, pricefeed.New(nil), now)
	board.Publish(entries, now)

	e, ok := board.Current().RankOf("A")
	require.True(t, ok)
	assert.Equal(t, 2, e.Rank)
	assert.Len(t, board.Current().Top(1), 1)
	assert.Len(t, board.Current().Top(0), 2)
	assert.Len(t, board.Current().Top(10), 2)
}

func TestBoard_StalePublishIgnored(t *testing.T) {
	board := ranking.NewBoard()
	newer := ranking.Compute([]model.Account{cashOnly("A", 1)}, pricefeed.New(nil), now)
	older := ranking.Compute([]model.Account{cashOnly("B", 1)}, pricefeed.New(nil), now)

	board.Publish(newer, now)
	got := board.Publish(older, now.Add(-time.Second))

	assert.Equal(t, now, got.ComputedAt)
	_, ok := board.Current().RankOf("B")
	assert.False(t, ok)
}
