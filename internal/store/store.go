// Package store defines the persistence gateway for account records.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Writes are full-document overwrites guarded by a version number: a write
// is accepted only if the caller read the revision that is currently stored.
package store

import (
	"context"
	"errors"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when no record exists for an id.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned when creating an id that is already taken.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrConflict is returned when the stored version differs from the
	// version being overwritten. Re-read and reapply.
	ErrConflict = errors.New("store: version conflict")

	// ErrPersistenceFailure wraps transient backend failures. The outcome of
	// a failed write is unknown until the record is read again.
	ErrPersistenceFailure = errors.New("store: persistence failure")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// CreateAccount persists a new account at version 1.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts ordered by ID.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// PutAccount overwrites the whole record if a.Version matches the stored
	// version. On success a.Version is advanced to the new stored version.
	PutAccount(ctx context.Context, a *model.Account) error
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}
