// Package account serializes every mutation of an account through a single
// owner goroutine per account id.
//
// Trades and revaluation writes for the same account are queued and applied
// one at a time against a freshly read record. The store's version check
// covers writers outside this process: a conflicting write is re-read and
// the command re-run, so no writer silently discards another's update.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/retry"
	"github.com/atmx/portfolio-engine/internal/store"
)

// ErrClosed is returned for commands submitted after Close.
var ErrClosed = errors.New("account: registry closed")

// Op computes the next revision of an account from the current one. It gets
// a private copy it may modify, and must be a pure function of that copy:
// after a conflict it is run again against the newer record. Returning a nil
// account means there is nothing to write.
type Op func(cur *model.Account) (*model.Account, error)

// Options tune a Registry.
type Options struct {
	Retry        retry.Policy  // transient store failures
	MaxConflicts int           // re-runs after ErrConflict before giving up
	IdleTimeout  time.Duration // owner goroutines exit after this long without work
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Retry:        retry.DefaultPolicy(),
		MaxConflicts: 5,
		IdleTimeout:  2 * time.Minute,
	}
}

// Registry hands each account id to exactly one owner goroutine.
type Registry struct {
	store store.Store
	opts  Options

	mu     sync.Mutex
	owners map[string]*owner
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type owner struct {
	id      string
	cmds    chan command
	pending int // guarded by Registry.mu
}

type command struct {
	ctx   context.Context
	op    Op
	reply chan result
}

type result struct {
	acct *model.Account
	err  error
}

// NewRegistry creates a registry writing through st.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.MaxConflicts < 1 {
		opts.MaxConflicts = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	opts.Retry.Retryable = store.IsTransient

	return &Registry{
		store:  st,
		opts:   opts,
		owners: make(map[string]*owner),
		done:   make(chan struct{}),
	}
}

// Get reads the current record, retrying transient failures. Reads do not
// go through the owner queue.
func (r *Registry) Get(ctx context.Context, id string) (*model.Account, error) {
	var a *model.Account
	err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		var err error
		a, err = r.store.GetAccount(ctx, id)
		return err
	})
	return a, err
}

// List reads every account, retrying transient failures.
func (r *Registry) List(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		var err error
		accounts, err = r.store.ListAccounts(ctx)
		return err
	})
	return accounts, err
}

// Create persists a new account.
func (r *Registry) Create(ctx context.Context, a *model.Account) error {
	if a.LastOpID == "" {
		a.LastOpID = uuid.NewString()
	}
	return retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		err := r.store.CreateAccount(ctx, a)
		if store.IsTransient(err) {
			// A lost ack may hide a successful insert.
			if stored, gerr := r.store.GetAccount(ctx, a.ID); gerr == nil && stored.LastOpID == a.LastOpID {
				*a = *stored
				return nil
			}
		}
		return err
	})
}

// Update queues op on the account's owner and waits for the committed
// revision. Errors returned by op are passed through unchanged and nothing
// is written.
func (r *Registry) Update(ctx context.Context, id string, op Op) (*model.Account, error) {
	o, err := r.acquire(id)
	if err != nil {
		return nil, err
	}

	cmd := command{ctx: ctx, op: op, reply: make(chan result, 1)}
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		r.release(o)
		return nil, ctx.Err()
	case <-r.done:
		r.release(o)
		return nil, ErrClosed
	}

	// The owner always replies once it has taken the command; waiting here
	// keeps the caller from retrying a write whose outcome is still open.
	res := <-cmd.reply
	return res.acct, res.err
}

// Close stops all owners. Queued commands are finished first.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
}

// Owners returns the number of live owner goroutines.
func (r *Registry) Owners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}

func (r *Registry) acquire(id string) (*owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	o, ok := r.owners[id]
	if !ok {
		o = &owner{id: id, cmds: make(chan command)}
		r.owners[id] = o
		r.wg.Add(1)
		go r.run(o)
		metrics.AccountOwners.Inc()
	}
	o.pending++
	return o, nil
}

func (r *Registry) release(o *owner) {
	r.mu.Lock()
	o.pending--
	r.mu.Unlock()
}

// run is the owner loop. It exits when idle with nothing pending, or on Close
// once nothing is pending.
func (r *Registry) run(o *owner) {
	defer r.wg.Done()
	defer metrics.AccountOwners.Dec()

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	done := r.done
	for {
		select {
		case cmd := <-o.cmds:
			acct, err := r.apply(cmd.ctx, o.id, cmd.op)
			cmd.reply <- result{acct: acct, err: err}
			r.release(o)
			if done == nil && r.retire(o) {
				return
			}
			idle.Reset(r.opts.IdleTimeout)

		case <-idle.C:
			if r.retire(o) {
				return
			}
			idle.Reset(r.opts.IdleTimeout)

		case <-done:
			// Submitters already counted either send or give up via release.
			if r.retire(o) {
				return
			}
			done = nil
			idle.Reset(10 * time.Millisecond)
		}
	}
}

// retire removes o from the registry if nobody is waiting on it.
func (r *Registry) retire(o *owner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.pending > 0 {
		return false
	}
	delete(r.owners, o.id)
	return true
}

// apply runs op against the stored record until its result is committed,
// op rejects it, or conflicts exceed the configured bound.
func (r *Registry) apply(ctx context.Context, id string, op Op) (*model.Account, error) {
	opID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.LastOpID == opID {
			// An earlier attempt landed but its ack was lost.
			return cur, nil
		}

		next, err := op(cur.Clone())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		next.ID = cur.ID
		next.Version = cur.Version
		next.LastOpID = opID

		err = r.write(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		metrics.PersistenceConflicts.Inc()
		if attempt >= r.opts.MaxConflicts {
			return nil, err
		}
		slog.Debug("account write conflict, reapplying", "account", id, "attempt", attempt)
	}
}

// write stores next, retrying transient failures only when the failed write
// is known not to have landed. Once an attempt has failed with an unknown
// outcome, a later conflict is checked against next.LastOpID first: it may be
// our own write.
func (r *Registry) write(ctx context.Context, next *model.Account) error {
	base := next.Version
	uncertain := false

	return retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		err := r.store.PutAccount(ctx, next)
		if errors.Is(err, store.ErrConflict) && uncertain {
			if stored, gerr := r.store.GetAccount(ctx, next.ID); gerr == nil && stored.LastOpID == next.LastOpID {
				*next = *stored
				return nil
			}
		}
		if !store.IsTransient(err) {
			return err
		}
		uncertain = true
		metrics.PersistenceFailures.Inc()

		stored, gerr := r.store.GetAccount(ctx, next.ID)
		if gerr != nil {
			return err
		}
		switch {
		case stored.LastOpID == next.LastOpID && stored.Version == base+1:
			*next = *stored
			return nil
		case stored.Version != base:
			return fmt.Errorf("%w: %s moved to version %d during write", store.ErrConflict, next.ID, stored.Version)
		default:
			return err
		}
	})
}
