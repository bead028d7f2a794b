package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
	"github.com/atmx/portfolio-engine/internal/retry"
	"github.com/atmx/portfolio-engine/internal/scheduler"
	"github.com/atmx/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)

var sess = model.Session{ID: "s1", AccountID: "alice"}

type env struct {
	store *store.MemoryStore
	reg   *account.Registry
	board *ranking.Board
}

func newEnv(t *testing.T, accounts ...*model.Account) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, a := range accounts {
		require.NoError(t, ms.CreateAccount(context.Background(), a))
	}
	reg := account.NewRegistry(ms, account.DefaultOptions())
	t.Cleanup(reg.Close)
	return &env{store: ms, reg: reg, board: ranking.NewBoard()}
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type failingSource struct{}

func (failingSource) Load(context.Context) ([]model.PricePoint, error) {
	return nil, errors.New("feed unavailable")
}

func TestTick_WritesTotalsAndPublishes(t *testing.T) {
	e := newEnv(t,
		&model.Account{ID: "alice", Cash: d(100), Positions: []model.Position{{Symbol: "AAPL", Quantity: d(10)}}},
		&model.Account{ID: "bob", Cash: d(1000)},
	)
	prices := pricefeed.NewHolder(pricefeed.StaticSource{
		{Symbol: "AAPL", Time: now.Add(-time.Minute), Price: d(150)},
	}, fastRetry())

	var published atomic.Int32
	s := scheduler.New(scheduler.Config{
		Prices:    prices,
		Accounts:  e.reg,
		Board:     e.board,
		Now:       func() time.Time { return now },
		OnPublish: func(*ranking.Standings) { published.Add(1) },
	})

	standings, err := s.Tick(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, int32(1), published.Load())
	assert.Equal(t, now, standings.ComputedAt)

	alice, ok := standings.RankOf("alice")
	require.True(t, ok)
	assert.Equal(t, 1, alice.Rank)
	assert.True(t, alice.TotalValue.Equal(d(1600)))

	stored, _ := e.store.GetAccount(context.Background(), "alice")
	assert.True(t, stored.TotalValue.Equal(d(1600)), "got %s", stored.TotalValue)
	assert.Equal(t, int64(2), stored.Version)

	bob, _ := e.store.GetAccount(context.Background(), "bob")
	assert.True(t, bob.TotalValue.Equal(d(1000)))
	assert.Same(t, standings, e.board.Current())
}

func TestTick_UnchangedTotalsAreNotRewritten(t *testing.T) {
	e := newEnv(t, &model.Account{ID: "alice", Cash: d(500), TotalValue: d(500)})
	s := scheduler.New(scheduler.Config{
		Prices:   pricefeed.NewHolder(pricefeed.StaticSource{}, fastRetry()),
		Accounts: e.reg,
		Board:    e.board,
	})

	for i := 0; i < 3; i++ {
		_, err := s.Tick(context.Background(), sess)
		require.NoError(t, err)
	}
	stored, _ := e.store.GetAccount(context.Background(), "alice")
	assert.Equal(t, int64(1), stored.Version)
}

func TestTick_RefreshFailureStillRanks(t *testing.T) {
	e := newEnv(t,
		&model.Account{ID: "C", Cash: d(500)},
		&model.Account{ID: "A", Cash: d(1000)},
		&model.Account{ID: "B", Cash: d(1000)},
	)
	s := scheduler.New(scheduler.Config{
		Prices:   pricefeed.NewHolder(failingSource{}, fastRetry()),
		Accounts: e.reg,
		Board:    e.board,
	})

	standings, err := s.Tick(context.Background(), sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh prices")
	require.NotNil(t, standings)

	got := make([]string, 0, 3)
	for _, entry := range standings.Entries {
		got = append(got, entry.AccountID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestTick_KeepsTradeCash(t *testing.T) {
	e := newEnv(t, &model.Account{ID: "alice", Cash: d(100)})
	s := scheduler.New(scheduler.Config{
		Prices:   pricefeed.NewHolder(pricefeed.StaticSource{}, fastRetry()),
		Accounts: e.reg,
		Board:    e.board,
	})

	// The tick only touches TotalValue; cash written by a trade survives.
	_, err := e.reg.Update(context.Background(), "alice", func(cur *model.Account) (*model.Account, error) {
		cur.Cash = cur.Cash.Add(d(50))
		return cur, nil
	})
	require.NoError(t, err)
	_, err = s.Tick(context.Background(), sess)
	require.NoError(t, err)

	stored, _ := e.store.GetAccount(context.Background(), "alice")
	assert.True(t, stored.Cash.Equal(d(150)))
	assert.True(t, stored.TotalValue.Equal(d(150)))
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t, &model.Account{ID: "alice", Cash: d(100)})

	var ticks atomic.Int32
	s := scheduler.New(scheduler.Config{
		Prices:    pricefeed.NewHolder(pricefeed.StaticSource{}, fastRetry()),
		Accounts:  e.reg,
		Board:     e.board,
		Period:    5 * time.Millisecond,
		OnPublish: func(*ranking.Standings) { ticks.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, sess)
		close(done)
	}()

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestNew_DefaultPeriod(t *testing.T) {
	s := scheduler.New(scheduler.Config{})
	assert.Equal(t, scheduler.DefaultPeriod, s.Period())
}
