// Command seedprices loads a JSON price file into the price_points table so
// the server can run with prices.source=postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/logging"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	file := flag.String("file", "", "price file to load (defaults to prices.file)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if *file == "" {
		*file = cfg.Prices.File
	}
	if err := seed(context.Background(), cfg, *file); err != nil {
		slog.Error("seed failed", "err", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, file string) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres.url (or DATABASE_URL) is required")
	}
	loc, err := cfg.Prices.TimeLocation()
	if err != nil {
		return err
	}

	src := pricefeed.NewFileSource(file, loc)
	skipped := 0
	src.OnSkip = func(err error) {
		skipped++
		slog.Warn("skipping price record", "err", err)
	}
	points, err := src.Load(ctx)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer pool.Close()

	if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	if err := pricefeed.NewPostgresSource(pool).Insert(ctx, points...); err != nil {
		return err
	}

	slog.Info("prices seeded", "file", file, "points", len(points), "skipped", skipped)
	return nil
}
