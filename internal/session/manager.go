// Package session tracks connected client sessions. Each open session owns a
// scheduler loop that runs until the session is closed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrNotFound is returned for an unknown or already closed session.
var ErrNotFound = errors.New("session: not found")

// Runner is the per-session loop. *scheduler.Scheduler implements it.
type Runner interface {
	Run(ctx context.Context, sess model.Session)
}

// AccountChecker confirms an account exists before a session is opened.
type AccountChecker interface {
	Get(ctx context.Context, id string) (*model.Account, error)
}

type entry struct {
	sess   model.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager starts and stops session loops.
type Manager struct {
	runner   Runner
	accounts AccountChecker

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a manager whose sessions run runner.
func NewManager(runner Runner, accounts AccountChecker) *Manager {
	return &Manager{
		runner:   runner,
		accounts: accounts,
		sessions: make(map[string]*entry),
	}
}

// Open starts a session for accountID. The loop is detached from ctx, which
// only bounds the account lookup; it stops on Close or CloseAll.
func (m *Manager) Open(ctx context.Context, accountID string) (model.Session, error) {
	if _, err := m.accounts.Get(ctx, accountID); err != nil {
		return model.Session{}, err
	}

	sess := model.Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		StartedAt: time.Now().UTC(),
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e := &entry{sess: sess, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[sess.ID] = e
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	go func() {
		defer close(e.done)
		m.runner.Run(loopCtx, sess)
	}()

	slog.Info("session opened", "session", sess.ID, "account", accountID)
	return sess, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return e.sess, true
}

// Close stops the session's loop and waits for it to exit.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	m.stop(e)
	slog.Info("session closed", "session", id, "account", e.sess.AccountID)
	return nil
}

// CloseAll stops every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range open {
		m.stop(e)
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) stop(e *entry) {
	e.cancel()
	<-e.done
	metrics.ActiveSessions.Dec()
}
