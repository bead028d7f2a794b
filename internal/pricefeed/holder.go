package pricefeed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/retry"
)

// Holder owns the current Feed and replaces it on Refresh. Many session
// schedulers may refresh at once; concurrent calls share a single load.
type Holder struct {
	src    Source
	policy retry.Policy

	current  atomic.Pointer[Feed]
	loadedAt atomic.Int64 // unix nanos of the last successful refresh
	group    singleflight.Group
}

// NewHolder creates a holder with an empty feed. Call Refresh to load data.
// Errors for which IsPermanent holds are not retried.
func NewHolder(src Source, policy retry.Policy) *Holder {
	policy.Retryable = func(err error) bool { return !IsPermanent(err) }
	h := &Holder{src: src, policy: policy}
	h.current.Store(New(nil))
	return h
}

// Current returns the most recently loaded feed. Never nil.
func (h *Holder) Current() *Feed { return h.current.Load() }

// LoadedAt returns when the current feed was loaded, or the zero time.
func (h *Holder) LoadedAt() time.Time {
	n := h.loadedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Refresh reloads the feed from its source, retrying transient failures.
// On error the previous feed stays in place.
func (h *Holder) Refresh(ctx context.Context) (*Feed, error) {
	v, err, _ := h.group.Do("refresh", func() (any, error) {
		var points []model.PricePoint
		err := retry.Do(ctx, h.policy, func(ctx context.Context) error {
			var err error
			points, err = h.src.Load(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		feed := New(points)
		h.current.Store(feed)
		h.loadedAt.Store(time.Now().UnixNano())
		metrics.PricePoints.Set(float64(feed.Len()))
		slog.Debug("price feed refreshed", "symbols", len(feed.symbols), "points", feed.Len())
		return feed, nil
	})
	if err != nil {
		return h.Current(), err
	}
	return v.(*Feed), nil
}

// Latest looks symbol up in the current feed.
func (h *Holder) Latest(symbol string) (model.PricePoint, error) {
	return h.Current().Latest(symbol)
}

// PriceAtOrBefore looks symbol up in the current feed.
func (h *Holder) PriceAtOrBefore(symbol string, t time.Time) (model.PricePoint, error) {
	return h.Current().PriceAtOrBefore(symbol, t)
}
