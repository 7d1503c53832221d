package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"

	"sqllab/internal/config"
	"sqllab/internal/domain"
	"sqllab/internal/executor"
)

// Dispatcher validates submissions, decides sync vs async, and routes them
// to the executor, inline or through the worker pool.
type Dispatcher struct {
	store  domain.QueryStore
	dbs    domain.DatabaseStore
	exec   *executor.Executor
	pool   *ants.Pool
	cfg    *config.Config
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher with its worker pool started.
func NewDispatcher(store domain.QueryStore, dbs domain.DatabaseStore, exec *executor.Executor, cfg *config.Config, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(v any) {
		logger.Error("query worker panic", "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:  store,
		dbs:    dbs,
		exec:   exec,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close drains the worker pool. In-flight queries finish; queued tasks are
// released.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Submit accepts a submission payload. On the sync path it returns the
// finished Query; on the async path it returns the row for the caller to
// poll. Validation failures surface as errors and create no row.
func (d *Dispatcher) Submit(ctx context.Context, user Identity, sub Submission) (*domain.Query, error) {
	record, err := d.dbs.Get(ctx, sub.DatabaseID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrValidation("unknown database %d", sub.DatabaseID)
		}
		return nil, err
	}
	if !record.ExposeInSQLLab {
		return nil, domain.ErrValidation("database %q is not exposed for ad-hoc SQL", record.Name)
	}

	q, err := sub.toQuery(user, record)
	if err != nil {
		return nil, err
	}

	// An already-known client id short-circuits to the existing row,
	// whatever state it is in.
	if q.ClientID != "" {
		existing, err := d.store.GetByClientID(ctx, user.UserID, q.SQLEditorID, q.ClientID)
		if err == nil {
			return existing, nil
		}
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	async := d.useAsync(record, sub, q.CtasMethod)
	if async && d.pool.Waiting() >= d.cfg.QueueCap {
		return nil, domain.ErrOverloaded("query queue is full (%d pending)", d.cfg.QueueCap)
	}

	created, err := d.store.Create(ctx, q)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			// Lost a concurrent duplicate submission; the winner's row is
			// the submission.
			return d.store.GetByClientID(ctx, user.UserID, q.SQLEditorID, q.ClientID)
		}
		return nil, err
	}

	if async {
		d.enqueue(created.ID)
		return created, nil
	}

	if err := d.exec.Run(ctx, created.ID, d.cfg.SyncTimeout); err != nil {
		d.logger.Error("sync execution failed", "query_id", created.ID, "error", err)
		return nil, err
	}
	return d.store.Get(ctx, created.ID)
}

// useAsync applies the routing rules: explicit runAsync on a capable
// database wins; otherwise only a small, plain SELECT submission runs
// inline. An unset queryLimit counts as large.
func (d *Dispatcher) useAsync(record *domain.Database, sub Submission, method domain.CtasMethod) bool {
	if sub.RunAsync && record.AllowRunAsync {
		return true
	}
	if method == domain.CtasNone && sub.QueryLimit > 0 && sub.QueryLimit <= d.cfg.SyncRowCap {
		return false
	}
	return true
}

// enqueue hands the query id to the worker pool. Submission blocks in its
// own goroutine when all workers are busy, which is what keeps the row in
// PENDING until one picks it up.
func (d *Dispatcher) enqueue(queryID int64) {
	go func() {
		err := d.pool.Submit(func() {
			if runErr := d.exec.Run(context.Background(), queryID, d.cfg.AsyncTimeout); runErr != nil {
				d.logger.Error("async execution failed", "query_id", queryID, "error", runErr)
			}
		})
		if err != nil {
			d.logger.Error("worker pool rejected task", "query_id", queryID, "error", err)
			msg := "worker pool unavailable"
			now := time.Now()
			if _, trErr := d.store.Transition(context.Background(), queryID,
				[]domain.QueryStatus{domain.StatusPending}, domain.StatusFailed,
				&domain.QueryPatch{ErrorMessage: &msg, EndTime: &now}); trErr != nil {
				d.logger.Error("failed to retire orphaned query", "query_id", queryID, "error", trErr)
			}
		}
	}()
}

// Cancel requests cancellation of a query. The durable flag is the
// authoritative signal; the in-process one just shortens the wait. Canceling
// a finished query is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, queryID int64) error {
	q, err := d.store.Get(ctx, queryID)
	if err != nil {
		return err
	}
	if q.Status.Terminal() {
		return nil
	}

	if err := d.store.RequestCancel(ctx, queryID); err != nil {
		return err
	}
	d.exec.Signal(queryID)

	// A row no worker has claimed yet can be retired immediately.
	now := time.Now()
	_, err = d.store.Transition(ctx, queryID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusStopped,
		&domain.QueryPatch{EndTime: &now})
	var illegal *domain.IllegalTransitionError
	if err != nil && !errors.As(err, &illegal) {
		return err
	}
	return nil
}
