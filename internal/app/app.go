// Package app wires repositories, the engine registry, the executor, and the
// query service from externally provided dependencies.
package app

import (
	"database/sql"
	"log/slog"

	"sqllab/internal/config"
	"sqllab/internal/db/repository"
	"sqllab/internal/domain"
	"sqllab/internal/engine"
	"sqllab/internal/executor"
	"sqllab/internal/service/query"
)

// Deps holds the external dependencies main() must provide: database pools,
// the results backend, config, and the logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Backend domain.ResultsBackend
	Logger  *slog.Logger
}

// App holds the fully wired pipeline.
type App struct {
	Service    *query.Service
	Dispatcher *query.Dispatcher
	Sweeper    *query.Sweeper
	Engines    *engine.Registry

	Queries   *repository.QueryRepo
	Databases *repository.DatabaseRepo
}

// New wires the application. Close tears it down in reverse order.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Writes go through the single-connection write pool; the transition
	// compare-and-set depends on that serialization.
	queryRepo := repository.NewQueryRepo(deps.WriteDB)
	databaseRepo := repository.NewDatabaseRepo(deps.WriteDB)

	// Status, history, and result lookups never write; they run on the
	// wider read pool so a busy worker cannot starve the API.
	historyRepo := repository.NewQueryRepo(deps.ReadDB)

	engines, err := engine.NewRegistry(databaseRepo, engine.DefaultCacheSize, logger.With("component", "engine"))
	if err != nil {
		return nil, err
	}

	exec := executor.New(queryRepo, deps.Backend,
		&executor.RegistryProvider{Registry: engines}, cfg, logger.With("component", "executor"))

	dispatcher, err := query.NewDispatcher(queryRepo, databaseRepo, exec, cfg, logger.With("component", "dispatcher"))
	if err != nil {
		engines.Close()
		return nil, err
	}

	sweeper, err := query.NewSweeper(queryRepo, cfg.AsyncTimeout, "@every 1m", logger.With("component", "sweeper"))
	if err != nil {
		dispatcher.Close()
		engines.Close()
		return nil, err
	}

	return &App{
		Service:    query.NewService(dispatcher, historyRepo, deps.Backend, logger.With("component", "query-api")),
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Engines:    engines,
		Queries:    queryRepo,
		Databases:  databaseRepo,
	}, nil
}

// Close stops background work and releases pooled connections. The worker
// pool drains before the engine registry closes so in-flight queries keep
// their connections.
func (a *App) Close() {
	a.Sweeper.Stop()
	a.Dispatcher.Close()
	a.Engines.Close()
}
