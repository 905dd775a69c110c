package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/config"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/ledger"
	"github.com/atmx/arena-ledger/internal/logging"
	"github.com/atmx/arena-ledger/internal/metrics"
	"github.com/atmx/arena-ledger/internal/oracle"
	"github.com/atmx/arena-ledger/internal/store"
	"github.com/atmx/arena-ledger/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("arena-ledger exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize stores ---
	base, err := openStore(ctx, cfg.Postgres.URL, "base", logger, &cleanup)
	if err != nil {
		return err
	}
	rollup, err := openStore(ctx, cfg.Postgres.RollupURL, "rollup", logger, &cleanup)
	if err != nil {
		return err
	}

	// Redis: base read-through cache, shared delegation registry, price feed.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		base = store.NewCachedStore(base, rdb, cfg.Redis.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	var registry delegation.Registry = delegation.NewMemoryRegistry()
	if rdb != nil {
		registry = delegation.NewRedisRegistry(rdb)
	}

	var prices oracle.Oracle
	switch cfg.Oracle.Source {
	case "redis":
		prices = oracle.NewRedisFeed(rdb)
	default:
		fixed, err := oracle.NewFixed(cfg.Oracle.Prices)
		if err != nil {
			return fmt.Errorf("oracle prices: %w", err)
		}
		prices = fixed
	}
	logger.Info("price oracle ready", "source", cfg.Oracle.Source)

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	publishers := events.Multi{wsHub}
	if cfg.NATS.URL != "" {
		nc, js, err := events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			return err
		}
		natsPub := events.NewNATSPublisher(js, cfg.NATS.QueueSize, logger)
		go func() {
			if err := natsPub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("nats publisher stopped", "err", err)
			}
		}()
		publishers = append(publishers, natsPub)
		logger.Info("publishing events to NATS", "stream", events.StreamName)
	}

	// --- Ledger engine ---
	programID, err := address.Parse(cfg.Ledger.ProgramID)
	if err != nil {
		return err
	}
	var owner address.Address
	if cfg.Ledger.Owner != "" {
		if owner, err = address.Parse(cfg.Ledger.Owner); err != nil {
			return err
		}
	} else {
		logger.Warn("ledger.owner not set, any caller may initialize the admin config")
	}
	coord := delegation.NewCoordinator(delegation.Config{
		Base:     base,
		Rollup:   rollup,
		Registry: registry,
		Logger:   logger,
	})
	engine := ledger.New(ledger.Config{
		Deriver:     address.NewDeriver(programID),
		Coordinator: coord,
		Oracle:      prices,
		Publisher:   publishers,
		Owner:       owner,
		SeedBalance: cfg.Ledger.SeedBalance,
		MaxPriceAge: cfg.Ledger.MaxPriceAge,
		MaxRetries:  cfg.Ledger.MaxRetries,
		Logger:      logger,
	})
	svc := trade.NewService(engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trade.SignerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route stays outside the timeout so streams are not cut.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("arena-ledger listening", "port", cfg.Server.Port, "program_id", programID.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down arena-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("arena-ledger stopped")
	return nil
}

// openStore connects to PostgreSQL when url is set and falls back to an
// in-memory ledger otherwise.
func openStore(ctx context.Context, url, name string, logger *slog.Logger, cleanup *[]func()) (store.Store, error) {
	if url == "" {
		logger.Warn("no database configured, using in-memory store (data will not persist)", "ledger", name)
		return store.NewMemoryStore(), nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%s database connection failed: %w", name, err)
	}
	*cleanup = append(*cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	logger.Info("connected to PostgreSQL", "ledger", name)
	return pg, nil
}
