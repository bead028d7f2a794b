// Package scheduler drives the periodic refresh-and-revalue loop of a session.
//
// Every tick reloads the price feed, ranks all accounts at the current time,
// writes each account's recomputed total value back through its owner, and
// publishes the new standings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// DefaultPeriod is the tick interval when none is configured.
const DefaultPeriod = 10 * time.Second

// Refresher reloads the price feed. *pricefeed.Holder implements it.
type Refresher interface {
	Refresh(ctx context.Context) (*pricefeed.Feed, error)
}

// Accounts lists and mutates accounts. *account.Registry implements it.
type Accounts interface {
	List(ctx context.Context) ([]model.Account, error)
	Update(ctx context.Context, id string, op account.Op) (*model.Account, error)
}

// Config configures a Scheduler.
type Config struct {
	Prices   Refresher
	Accounts Accounts
	Board    *ranking.Board

	Period time.Duration
	// Writers bounds concurrent total-value writes within a tick.
	Writers int
	// OnPublish, if set, receives the standings after every tick.
	OnPublish func(*ranking.Standings)
	// Now is the valuation clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler is stateless between ticks; one value can serve many sessions.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Writers <= 0 {
		cfg.Writers = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Board == nil {
		cfg.Board = ranking.NewBoard()
	}
	return &Scheduler{cfg: cfg}
}

// Period returns the tick interval.
func (s *Scheduler) Period() time.Duration { return s.cfg.Period }

// Run ticks once immediately and then every period until ctx is cancelled.
// A failed tick is logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context, sess model.Session) {
	log := slog.With("session", sess.ID, "account", sess.AccountID)
	log.Info("scheduler started", "period", s.cfg.Period.String())

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, sess); err != nil && ctx.Err() == nil {
			log.Warn("revaluation tick failed", "err", err)
		}

		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one refresh-and-revalue pass.
//
// A failed price refresh does not abort the tick: rankings are computed from
// the previously loaded feed. Per-account write failures are collected and
// returned together after the standings are published.
func (s *Scheduler) Tick(ctx context.Context, sess model.Session) (*ranking.Standings, error) {
	start := time.Now()
	var errs []error

	feed, err := s.cfg.Prices.Refresh(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh prices: %w", err))
	}
	if feed == nil {
		feed = pricefeed.New(nil)
	}

	accounts, err := s.cfg.Accounts.List(ctx)
	if err != nil {
		s.observe(start, "failed")
		return nil, errors.Join(append(errs, fmt.Errorf("list accounts: %w", err))...)
	}

	asOf := s.cfg.Now()
	entries := ranking.Compute(accounts, feed, asOf)

	if err := s.writeTotals(ctx, accounts, entries, feed, asOf); err != nil {
		errs = append(errs, err)
	}

	standings := s.cfg.Board.Publish(entries, asOf)
	if s.cfg.OnPublish != nil {
		s.cfg.OnPublish(standings)
	}

	err = errors.Join(errs...)
	if err != nil {
		s.observe(start, "partial")
	} else {
		s.observe(start, "ok")
	}

	slog.Debug("revaluation tick",
		"session", sess.ID,
		"accounts", len(accounts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return standings, err
}

// writeTotals persists the denormalized total value of every account whose
// stored value differs from the ranked one. The value is recomputed against
// the record the owner hands over, so a trade that landed after the listing
// is valued correctly.
func (s *Scheduler) writeTotals(ctx context.Context, accounts []model.Account, entries []model.RankingEntry, feed *pricefeed.Feed, asOf time.Time) error {
	totals := make(map[string]model.RankingEntry, len(entries))
	for _, e := range entries {
		totals[e.AccountID] = e
	}

	var (
		g    errgroup.Group
		errc = make(chan error, len(accounts))
	)
	g.SetLimit(s.cfg.Writers)

	for i := range accounts {
		a := &accounts[i]
		if a.TotalValue.Equal(totals[a.ID].TotalValue) {
			continue
		}
		g.Go(func() error {
			_, err := s.cfg.Accounts.Update(ctx, a.ID, func(cur *model.Account) (*model.Account, error) {
				total := valuation.TotalValue(cur, feed, asOf)
				if cur.TotalValue.Equal(total) {
					return nil, nil
				}
				cur.TotalValue = total
				return cur, nil
			})
			if err != nil {
				errc <- fmt.Errorf("write total for %s: %w", a.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(errc)

	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) observe(start time.Time, result string) {
	metrics.RevaluationTicks.WithLabelValues(result).Inc()
	metrics.RevaluationDuration.Observe(time.Since(start).Seconds())
}
