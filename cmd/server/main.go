package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/account"
	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/logging"
	"github.com/atmx/portfolio-engine/internal/pricefeed"
	"github.com/atmx/portfolio-engine/internal/ranking"
	"github.com/atmx/portfolio-engine/internal/scheduler"
	"github.com/atmx/portfolio-engine/internal/session"
	"github.com/atmx/portfolio-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
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

	if err := run(cfg); err != nil {
		slog.Error("portfolio-engine failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := cfg.Retry.Policy()
	checks := map[string]api.HealthCheck{}

	// --- Initialize store ---
	var st store.Store
	var pool *pgxpool.Pool
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.URL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		checks["postgres"] = pool.Ping

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached := store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			checks["redis"] = cached.Ping
			st = cached
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.String())
		}
	} else {
		slog.Warn("postgres.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price feed ---
	loc, err := cfg.Prices.TimeLocation()
	if err != nil {
		return err
	}
	var src pricefeed.Source
	switch cfg.Prices.Source {
	case "postgres":
		ps := pricefeed.NewPostgresSource(pool)
		ps.OnSkip = func(err error) { slog.Warn("skipping price row", "err", err) }
		src = ps
	default:
		fs := pricefeed.NewFileSource(cfg.Prices.File, loc)
		fs.OnSkip = func(err error) { slog.Warn("skipping price record", "err", err) }
		src = fs
	}
	prices := pricefeed.NewHolder(src, policy)
	if _, err := prices.Refresh(ctx); err != nil {
		// Sessions retry on every tick.
		slog.Warn("initial price load failed", "source", cfg.Prices.Source, "err", err)
	}

	// --- Accounts, trades, rankings ---
	registry := account.NewRegistry(st, account.Options{
		Retry:        policy,
		MaxConflicts: cfg.Accounts.MaxConflicts,
		IdleTimeout:  cfg.Accounts.IdleTimeout,
	})
	cleanup = append(cleanup, registry.Close)

	engine := ledger.NewEngine(prices, registry)
	board := ranking.NewBoard()

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Sessions ---
	sched := scheduler.New(scheduler.Config{
		Prices:    prices,
		Accounts:  registry,
		Board:     board,
		Period:    cfg.Scheduler.Period,
		Writers:   cfg.Scheduler.Writers,
		OnPublish: hub.BroadcastRankings,
	})
	sessions := session.NewManager(sched, registry)
	cleanup = append(cleanup, sessions.CloseAll)

	// --- HTTP ---
	cash, err := cfg.Accounts.StartingCash()
	if err != nil {
		return err
	}
	svc := api.NewService(api.Deps{
		Accounts:    registry,
		Engine:      engine,
		Prices:      prices,
		Board:       board,
		Sessions:    sessions,
		Hub:         hub,
		InitialCash: cash,
		Location:    loc,
	})
	router := api.NewRouter(svc, api.RouterOptions{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Checks:         checks,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}
