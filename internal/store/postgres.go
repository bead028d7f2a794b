package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Schema is the DDL the PostgresStore expects.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    username    TEXT        NOT NULL,
    email       TEXT        NOT NULL DEFAULT '',
    cash        NUMERIC     NOT NULL CHECK (cash >= 0),
    assets      JSONB       NOT NULL DEFAULT '[]',
    total_value NUMERIC     NOT NULL DEFAULT 0,
    version     BIGINT      NOT NULL,
    last_op_id  TEXT        NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_points (
    symbol      TEXT        NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    price       NUMERIC     NOT NULL CHECK (price > 0),
    seq         BIGSERIAL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// positions live in a JSONB column so every write replaces the whole record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	assets, err := json.Marshal(positionsOrEmpty(a.Positions))
	if err != nil {
		return fmt.Errorf("encode assets for %s: %w", a.ID, err)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, email, cash, assets, total_value, version, last_op_id, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, 1, $7, $8)`,
		a.ID, a.Username, a.Email, a.Cash.String(), assets, a.TotalValue.String(), a.LastOpID, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
		}
		return fmt.Errorf("create account %s: %w: %w", a.ID, ErrPersistenceFailure, err)
	}
	a.Version = 1
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, email, cash::TEXT, assets, total_value::TEXT, version, last_op_id, updated_at
		 FROM accounts WHERE id = $1`, id)

	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w: %w", id, ErrPersistenceFailure, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, email, cash::TEXT, assets, total_value::TEXT, version, last_op_id, updated_at
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w: %w", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w: %w", ErrPersistenceFailure, err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w: %w", ErrPersistenceFailure, err)
	}
	return accounts, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, a *model.Account) error {
	assets, err := json.Marshal(positionsOrEmpty(a.Positions))
	if err != nil {
		return fmt.Errorf("encode assets for %s: %w", a.ID, err)
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET username = $3, email = $4, cash = $5::NUMERIC, assets = $6,
		     total_value = $7::NUMERIC, last_op_id = $8, updated_at = $9,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Username, a.Email, a.Cash.String(), assets,
		a.TotalValue.String(), a.LastOpID, now,
	)
	if err != nil {
		return fmt.Errorf("put account %s: %w: %w", a.ID, ErrPersistenceFailure, err)
	}

	if tag.RowsAffected() == 0 {
		var stored int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, a.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, a.ID)
		}
		if err != nil {
			return fmt.Errorf("put account %s: %w: %w", a.ID, ErrPersistenceFailure, err)
		}
		return fmt.Errorf("%w: %s at version %d, write based on %d", ErrConflict, a.ID, stored, a.Version)
	}

	a.Version++
	a.UpdatedAt = now
	return nil
}

// scanAccount reads one account row from a pgx.Row or pgx.Rows.
func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var cashS, totalS string
	var assets []byte

	if err := row.Scan(&a.ID, &a.Username, &a.Email, &cashS, &assets, &totalS,
		&a.Version, &a.LastOpID, &a.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if a.Cash, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("decode cash for %s: %w", a.ID, err)
	}
	if a.TotalValue, err = decimal.NewFromString(totalS); err != nil {
		return nil, fmt.Errorf("decode total value for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(assets, &a.Positions); err != nil {
		return nil, fmt.Errorf("decode assets for %s: %w", a.ID, err)
	}
	return &a, nil
}

func positionsOrEmpty(p []model.Position) []model.Position {
	if p == nil {
		return []model.Position{}
	}
	return p
}
