package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// PostgresSource loads observations from the price_points table. Prices are
// stored as NUMERIC and read back as text for exact decimal precision.
//
//	CREATE TABLE price_points (
//	    symbol      TEXT        NOT NULL,
//	    observed_at TIMESTAMPTZ NOT NULL,
//	    price       NUMERIC     NOT NULL CHECK (price > 0),
//	    seq         BIGSERIAL
//	);
//
// Rows are read in seq order so that "last in input order" keeps its meaning
// for duplicate timestamps.
type PostgresSource struct {
	pool *pgxpool.Pool

	// OnSkip, if set, receives one error per row that was dropped.
	OnSkip func(error)
}

// NewPostgresSource creates a source backed by pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) Load(ctx context.Context) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, observed_at, price::TEXT
		 FROM price_points ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query price points: %w", err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var symbol, priceS string
		var at time.Time
		if err := rows.Scan(&symbol, &at, &priceS); err != nil {
			return nil, err
		}
		p, err := pointFromRow(symbol, at, priceS)
		if err != nil {
			if s.OnSkip != nil {
				s.OnSkip(err)
			}
			continue
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func pointFromRow(symbol string, at time.Time, priceS string) (model.PricePoint, error) {
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("%w: %s at %s: price %q", ErrInvalidRecord, symbol, at.Format(time.RFC3339), priceS)
	}
	if symbol == "" || !price.IsPositive() {
		return model.PricePoint{}, fmt.Errorf("%w: %q at %s: price %s", ErrInvalidRecord, symbol, at.Format(time.RFC3339), price)
	}
	return model.PricePoint{Symbol: symbol, Time: at, Price: price}, nil
}

// Insert appends observations. Used by seeding tools and tests.
func (s *PostgresSource) Insert(ctx context.Context, points ...model.PricePoint) error {
	for _, p := range points {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO price_points (symbol, observed_at, price) VALUES ($1, $2, $3::NUMERIC)`,
			p.Symbol, p.Time, p.Price.String(),
		); err != nil {
			return fmt.Errorf("insert price point %s: %w", p.Symbol, err)
		}
	}
	return nil
}
