// Command sqllabd runs the SQL execution pipeline: the HTTP query API, the
// async worker pool, and the stale-query sweeper.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"sqllab/internal/api"
	"sqllab/internal/app"
	"sqllab/internal/config"
	internaldb "sqllab/internal/db"
	"sqllab/internal/domain"
	"sqllab/internal/results"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("sqllabd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metadata store: single-connection write pool for serialized
	// transitions, read pool for status and history queries.
	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return err
	}
	defer writeDB.Close()
	defer readDB.Close()

	if err := internaldb.RunMigrations(writeDB); err != nil {
		return err
	}

	backend, err := newResultsBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if mb, ok := backend.(*results.MemoryBackend); ok {
		stop := mb.StartJanitor(time.Minute)
		defer stop()
	}

	a, err := app.New(app.Deps{
		Cfg:     cfg,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Backend: backend,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if !cfg.IsProduction() {
		if err := seedDatabases(ctx, a); err != nil {
			logger.Warn("seed databases failed", "error", err)
		}
	}

	a.Sweeper.Start()

	handler := api.NewHandler(a.Service, logger.With("component", "api"))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sqllabd listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newResultsBackend selects Redis when configured, otherwise the in-process
// store suitable for a single node.
func newResultsBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.ResultsBackend, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, results are kept in process memory")
		return results.NewMemoryBackend(cfg.ResultsTTL), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	logger.Info("results backend on redis", "addr", cfg.RedisAddr)
	return results.NewRedisBackend(client, cfg.ResultsTTL), nil
}

// seedDatabases registers a local scratch database when none exist, so a
// fresh development checkout has something to query.
func seedDatabases(ctx context.Context, a *app.App) error {
	existing, err := a.Databases.List(ctx)
	if err != nil || len(existing) > 0 {
		return err
	}
	_, err = a.Databases.Create(ctx, &domain.Database{
		Name:           "examples",
		Backend:        "sqlite",
		DSN:            "file:examples.sqlite?cache=shared",
		ExposeInSQLLab: true,
		AllowRunAsync:  true,
		AllowCTAS:      true,
		AllowCVAS:      true,
	})
	return err
}
