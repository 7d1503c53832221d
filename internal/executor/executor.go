// Package executor drives one claimed query end-to-end: template rendering,
// capability validation, SQL rewriting, execution, progress tracking, row
// streaming, and result materialization.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"sqllab/internal/config"
	"sqllab/internal/dialect"
	"sqllab/internal/domain"
	"sqllab/internal/engine"
	"sqllab/internal/sqltemplate"
)

// EngineHandle is the slice of engine.Handle the executor needs. Satisfied
// by *engine.Handle; tests substitute fakes.
type EngineHandle interface {
	DB() *sql.DB
	Dialect() dialect.Dialect
	Database() *domain.Database
	Connect(ctx context.Context, readOnly bool) (*sql.Conn, error)
}

// EngineProvider resolves database ids to live engines.
type EngineProvider interface {
	Engine(ctx context.Context, databaseID int64, username string) (EngineHandle, error)
}

// RegistryProvider adapts *engine.Registry to EngineProvider.
type RegistryProvider struct {
	Registry *engine.Registry
}

func (p *RegistryProvider) Engine(ctx context.Context, databaseID int64, username string) (EngineHandle, error) {
	return p.Registry.Get(ctx, databaseID, username)
}

// Executor runs queries against their backends and walks the query row
// through the state graph. One Executor is shared by all workers; per-query
// state lives on the stack of Run.
type Executor struct {
	store   domain.QueryStore
	backend domain.ResultsBackend
	engines EngineProvider
	cfg     *config.Config
	logger  *slog.Logger

	// cancels holds the in-process cancel signal per running query. The
	// durable flag on the query row is authoritative; this is the fast path.
	cancels sync.Map
}

// New creates an Executor.
func New(store domain.QueryStore, backend domain.ResultsBackend, engines EngineProvider, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, backend: backend, engines: engines, cfg: cfg, logger: logger}
}

// Signal delivers the in-process cancel signal for a running query, if this
// process is executing it. Cross-process cancellation goes through the
// durable flag instead.
func (e *Executor) Signal(queryID int64) bool {
	if cancelRaw, ok := e.cancels.Load(queryID); ok {
		cancelRaw.(context.CancelFunc)()
		return true
	}
	return false
}

// Run drives the query with the given id to a terminal state. A query no
// longer in PENDING is another worker's; Run exits cleanly. The returned
// error reports infrastructure failure only. Query-level failures are
// recorded on the row.
func (e *Executor) Run(ctx context.Context, queryID int64, timeout time.Duration) error {
	q, err := e.store.Get(ctx, queryID)
	if err != nil {
		return err
	}
	if q.Status != domain.StatusPending {
		return nil
	}
	if q.CancelRequested() {
		return e.stopPending(ctx, q.ID)
	}

	handle, prep, prepErr := e.prepare(ctx, q)
	if prepErr != nil {
		// Rejected before claiming: the row goes straight to FAILED.
		return e.failPending(ctx, q.ID, prepErr)
	}

	q, err = e.claim(ctx, q, prep)
	if err != nil {
		var illegal *domain.IllegalTransitionError
		if errors.As(err, &illegal) {
			e.logger.Debug("query claimed elsewhere", "query_id", queryID)
			return nil
		}
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	e.cancels.Store(q.ID, cancel)
	defer func() {
		e.cancels.Delete(q.ID)
		cancel()
	}()

	// The parent context carries this transition so a cancel signal racing
	// the claim cannot wedge the row in SCHEDULED.
	now := time.Now()
	q, err = e.store.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusScheduled}, domain.StatusRunning,
		&domain.QueryPatch{StartRunningTime: &now})
	if err != nil {
		return err
	}

	e.execute(runCtx, q, handle, prep)
	return nil
}

// prepared carries the rewrite outcome from prepare into execute.
type prepared struct {
	executedSQL    string
	appliedLimit   int
	limitingFactor domain.LimitingFactor
	selectOnly     bool
	ctas           bool
}

// prepare renders the template, validates capabilities, and computes the
// executed SQL. It mutates nothing; a non-nil error means the submission is
// rejected before any claim.
func (e *Executor) prepare(ctx context.Context, q *domain.Query) (EngineHandle, prepared, error) {
	var p prepared

	handle, err := e.engines.Engine(ctx, q.DatabaseID, q.Username)
	if err != nil {
		return nil, p, err
	}
	d := handle.Dialect()
	record := handle.Database()

	rendered, err := sqltemplate.Render(q.SQL, sqltemplate.Context{
		UserID:   q.UserID,
		Username: q.Username,
		Params:   q.TemplateParams,
	})
	if err != nil {
		return nil, p, err
	}

	selectOnly, err := d.IsSelectOnly(rendered)
	if err != nil {
		return nil, p, domain.ErrValidation("could not classify statement: %v", err)
	}
	if !selectOnly && !record.AllowDML {
		return nil, p, domain.ErrValidation("DML is not allowed on database %q", record.Name)
	}
	p.selectOnly = selectOnly

	if q.CtasMethod != domain.CtasNone {
		if !record.CTASAllowed(q.CtasMethod) {
			return nil, p, domain.ErrValidation("%s is not enabled on database %q", q.CtasMethod, record.Name)
		}
		schema := record.ForceCTASSchema
		if schema == "" {
			schema = q.Schema
		}
		wrapped, err := d.WrapCTAS(rendered, schema, q.TmpTableName, q.CtasMethod)
		if err != nil {
			return nil, p, err
		}
		// Writing results into the database forbids an outer LIMIT.
		p.executedSQL = wrapped
		p.limitingFactor = domain.LimitNotLimited
		p.ctas = true
		return handle, p, nil
	}

	if !selectOnly {
		// LIMIT reconciliation only makes sense on SELECTs.
		p.executedSQL = rendered
		p.limitingFactor = domain.LimitNotLimited
		return handle, p, nil
	}

	rewritten, applied, factor, err := d.ApplyLimit(rendered, q.QueryLimit, e.cfg.DefaultLimit)
	if err != nil {
		return nil, p, err
	}
	p.executedSQL = rewritten
	p.appliedLimit = applied
	p.limitingFactor = factor
	return handle, p, nil
}

// claim performs the PENDING -> SCHEDULED compare-and-set. The executed SQL
// and limit metadata travel with the claim so the row leaves PENDING fully
// described.
func (e *Executor) claim(ctx context.Context, q *domain.Query, p prepared) (*domain.Query, error) {
	now := time.Now()
	return e.store.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled,
		&domain.QueryPatch{
			StartTime:      &now,
			ExecutedSQL:    &p.executedSQL,
			LimitingFactor: &p.limitingFactor,
			ExtraMerge:     map[string]any{domain.ExtraAppliedLimit: p.appliedLimit},
		})
}

// failPending moves a still-PENDING query straight to FAILED with a
// sanitized message.
func (e *Executor) failPending(ctx context.Context, queryID int64, cause error) error {
	msg := sanitizeError(cause)
	now := time.Now()
	_, err := e.store.Transition(ctx, queryID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusFailed,
		&domain.QueryPatch{ErrorMessage: &msg, EndTime: &now})
	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		return nil
	}
	return err
}

// stopPending retires a query that was canceled before any worker claimed it.
func (e *Executor) stopPending(ctx context.Context, queryID int64) error {
	now := time.Now()
	_, err := e.store.Transition(ctx, queryID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusStopped,
		&domain.QueryPatch{EndTime: &now})
	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		return nil
	}
	return err
}

var (
	urlCredRe = regexp.MustCompile(`://[^/@\s]+@`)
	kvCredRe  = regexp.MustCompile(`(?i)\b(password|passwd|secret|token)=[^\s;&]+`)
)

// sanitizeError maps an error to the message stored on the query row.
// Domain errors carry curated messages; anything else comes from below the
// adapter boundary and gets credential fragments masked first.
func sanitizeError(err error) string {
	var validation *domain.ValidationError
	var tmpl *domain.TemplateError
	var dbErr *domain.DatabaseError
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &validation):
		return validation.Message
	case errors.As(err, &tmpl):
		return tmpl.Message
	case errors.As(err, &dbErr):
		return dbErr.Message
	case errors.As(err, &nf):
		return nf.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "query exceeded its time budget"
	case errors.Is(err, context.Canceled):
		return "query canceled"
	}
	msg := err.Error()
	msg = urlCredRe.ReplaceAllString(msg, "://***@")
	msg = kvCredRe.ReplaceAllString(msg, "$1=***")
	return "query failed: " + msg
}
