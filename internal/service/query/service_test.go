package query

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/config"
	"sqllab/internal/db"
	"sqllab/internal/db/repository"
	"sqllab/internal/dialect"
	"sqllab/internal/domain"
	"sqllab/internal/executor"
	"sqllab/internal/results"
)

type fakeHandle struct {
	db      *sql.DB
	dialect dialect.Dialect
	record  *domain.Database
}

func (h *fakeHandle) DB() *sql.DB                { return h.db }
func (h *fakeHandle) Dialect() dialect.Dialect   { return h.dialect }
func (h *fakeHandle) Database() *domain.Database { return h.record }
func (h *fakeHandle) Connect(ctx context.Context, _ bool) (*sql.Conn, error) {
	return h.db.Conn(ctx)
}

type fakeProvider struct{ handle *fakeHandle }

func (p *fakeProvider) Engine(_ context.Context, _ int64, _ string) (executor.EngineHandle, error) {
	return p.handle, nil
}

// scriptedDialect reports a fixed progress sequence from Poll and pretends
// every connection has a session.
type scriptedDialect struct {
	dialect.Dialect

	mu       sync.Mutex
	progress []int
	at       int
}

func (d *scriptedDialect) SessionID(context.Context, *sql.Conn, string) (string, bool) {
	return "scripted-session", true
}

func (d *scriptedDialect) Poll(context.Context, *sql.DB, string) (dialect.Progress, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.progress) == 0 {
		return dialect.Progress{}, false, nil
	}
	p := d.progress[d.at]
	if d.at < len(d.progress)-1 {
		d.at++
	}
	return dialect.Progress{Percent: p, TrackingURL: "http://tracker/q"}, true, nil
}

type env struct {
	svc     *Service
	disp    *Dispatcher
	store   *repository.QueryRepo
	dbs     *repository.DatabaseRepo
	backend *results.MemoryBackend
	target  *sql.DB
	record  *domain.Database
	cfg     *config.Config
	user    Identity
}

func newEnv(t *testing.T, d dialect.Dialect) *env {
	t.Helper()

	writeDB, _ := db.OpenTestSQLite(t)
	store := repository.NewQueryRepo(writeDB)
	dbs := repository.NewDatabaseRepo(writeDB)
	backend := results.NewMemoryBackend(time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	target, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "data.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	if d == nil {
		d, err = dialect.ForBackend("sqlite")
		require.NoError(t, err)
	}

	record := &domain.Database{
		Name:           "warehouse",
		Backend:        "sqlite",
		DSN:            "file:warehouse",
		ExposeInSQLLab: true,
		AllowRunAsync:  true,
		AllowCTAS:      true,
	}
	created, err := dbs.Create(context.Background(), record)
	require.NoError(t, err)
	record = created

	cfg := &config.Config{
		MaxRows:      100000,
		DefaultLimit: 100000,
		SyncRowCap:   1000,
		SyncTimeout:  30 * time.Second,
		AsyncTimeout: time.Hour,
		UseMsgpack:   true,
		PoolSize:     4,
		QueueCap:     8,
	}

	exec := executor.New(store, backend,
		&fakeProvider{handle: &fakeHandle{db: target, dialect: d, record: record}}, cfg, logger)
	disp, err := NewDispatcher(store, dbs, exec, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(disp.Close)

	return &env{
		svc:     NewService(disp, store, backend, logger),
		disp:    disp,
		store:   store,
		dbs:     dbs,
		backend: backend,
		target:  target,
		record:  record,
		cfg:     cfg,
		user:    Identity{UserID: 7, Username: "alice"},
	}
}

func (e *env) waitTerminal(t *testing.T, queryID int64) *domain.Query {
	t.Helper()
	var q *domain.Query
	require.Eventually(t, func() bool {
		var err error
		q, err = e.store.Get(context.Background(), queryID)
		require.NoError(t, err)
		return q.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return q
}

func TestSubmitSyncSimpleSelect(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "SELECT 1",
		QueryLimit: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, q.Status)
	assert.Equal(t, domain.LimitDropdown, q.LimitingFactor)
	assert.EqualValues(t, 100, q.Extra[domain.ExtraAppliedLimit])
	require.NotNil(t, q.Rows)
	assert.Equal(t, int64(1), *q.Rows)
	assert.NotEmpty(t, q.ResultsKey)

	page, err := e.svc.Results(ctx, q.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Schema, 1)
	assert.Equal(t, "1", page.Schema[0].Name)
	assert.Equal(t, "INTEGER", page.Schema[0].Type)
	require.Len(t, page.Rows, 1)
	assert.EqualValues(t, 1, page.Rows[0][0])
	assert.False(t, page.Truncated)
}

func TestSubmitLimitReconciliation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.target.Exec(`CREATE TABLE t (x INTEGER)`)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		_, err = e.target.Exec(`INSERT INTO t (x) VALUES (?)`, i)
		require.NoError(t, err)
	}

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "SELECT x FROM t LIMIT 100",
		QueryLimit: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, q.Status)
	assert.EqualValues(t, 100, q.Extra[domain.ExtraAppliedLimit])
	assert.Equal(t, domain.LimitQuery, q.LimitingFactor)
	require.NotNil(t, q.Rows)
	assert.Equal(t, int64(100), *q.Rows)
}

func TestSubmitDMLRejectedAsFailedQuery(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.target.Exec(`CREATE TABLE t (x INTEGER)`)
	require.NoError(t, err)

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "DELETE FROM t",
		QueryLimit: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, q.Status)
	assert.Contains(t, q.ErrorMessage, "DML is not allowed")
	assert.Empty(t, q.ResultsKey)
}

func TestSubmitCTAS(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID:   e.record.ID,
		SQL:          "SELECT 1 AS a",
		CtasMethod:   "TABLE",
		TmpTableName: "t_out",
	})
	require.NoError(t, err)

	got := e.waitTerminal(t, q.ID)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.True(t, strings.HasPrefix(got.ExecutedSQL, "CREATE TABLE t_out AS"))
	assert.NotContains(t, got.ExecutedSQL, "LIMIT")
	assert.Nil(t, got.Rows)
	assert.Empty(t, got.ResultsKey)

	var a int
	require.NoError(t, e.target.QueryRow(`SELECT a FROM t_out`).Scan(&a))
	assert.Equal(t, 1, a)
}

func TestSubmitCTASWithoutCapability(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	plain, err := e.dbs.Create(ctx, &domain.Database{
		Name:           "no-ctas",
		Backend:        "sqlite",
		DSN:            "file:no-ctas",
		ExposeInSQLLab: true,
	})
	require.NoError(t, err)

	_, err = e.svc.Submit(ctx, e.user, Submission{
		DatabaseID:   plain.ID,
		SQL:          "SELECT 1",
		CtasMethod:   "TABLE",
		TmpTableName: "t_out",
	})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Message, "not enabled")
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		sub  Submission
	}{
		{"missing sql", Submission{DatabaseID: e.record.ID}},
		{"unknown database", Submission{DatabaseID: 9999, SQL: "SELECT 1"}},
		{"negative limit", Submission{DatabaseID: e.record.ID, SQL: "SELECT 1", QueryLimit: -1}},
		{"bad ctas method", Submission{DatabaseID: e.record.ID, SQL: "SELECT 1", CtasMethod: "MATERIALIZE"}},
		{"ctas without table", Submission{DatabaseID: e.record.ID, SQL: "SELECT 1", CtasMethod: "TABLE"}},
		{"ctas bad identifier", Submission{DatabaseID: e.record.ID, SQL: "SELECT 1", CtasMethod: "TABLE", TmpTableName: "x; drop"}},
		{"bad template params", Submission{DatabaseID: e.record.ID, SQL: "SELECT 1", TemplateParams: "not-json"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Submit(ctx, e.user, tc.sub)
			var validation *domain.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestSubmitNotExposedDatabase(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	hidden, err := e.dbs.Create(ctx, &domain.Database{
		Name:    "hidden",
		Backend: "sqlite",
		DSN:     "file:hidden",
	})
	require.NoError(t, err)

	_, err = e.svc.Submit(ctx, e.user, Submission{DatabaseID: hidden.ID, SQL: "SELECT 1"})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Message, "not exposed")
}

func TestAsyncProgressAndCancel(t *testing.T) {
	d, err := dialect.ForBackend("sqlite")
	require.NoError(t, err)
	scripted := &scriptedDialect{Dialect: d, progress: []int{0, 25, 50, 75}}
	e := newEnv(t, scripted)
	ctx := context.Background()

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT count(*) FROM r",
		RunAsync:   true,
	})
	require.NoError(t, err)
	assert.False(t, q.Status.Terminal())

	// Observe progress climbing while the statement runs.
	var seen []int
	require.Eventually(t, func() bool {
		got, getErr := e.store.Get(ctx, q.ID)
		require.NoError(t, getErr)
		if len(seen) == 0 || got.Progress != seen[len(seen)-1] {
			seen = append(seen, got.Progress)
		}
		return got.Progress >= 25
	}, 15*time.Second, 50*time.Millisecond)

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}

	require.NoError(t, e.svc.Cancel(ctx, q.ID))

	got := e.waitTerminal(t, q.ID)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.NotNil(t, got.EndTime)
	assert.Empty(t, got.ResultsKey)
	assert.Equal(t, "http://tracker/q", got.TrackingURL)
}

func TestCancelPendingQuery(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	created, err := e.store.Create(ctx, &domain.Query{
		UserID:     e.user.UserID,
		Username:   e.user.Username,
		DatabaseID: e.record.ID,
		SQL:        "SELECT 1",
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.Cancel(ctx, created.ID))

	got, err := e.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)

	// Canceling a finished query is acknowledged without effect.
	require.NoError(t, e.svc.Cancel(ctx, created.ID))
}

func TestSubmitIdempotency(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sub := Submission{
		DatabaseID:  e.record.ID,
		SQL:         "SELECT 1",
		ClientID:    "client-xyz",
		SQLEditorID: "tab-1",
		RunAsync:    true,
	}

	var wg sync.WaitGroup
	ids := make([]int64, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := e.svc.Submit(ctx, e.user, sub)
			errs[i] = err
			if q != nil {
				ids[i] = q.ID
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])

	got := e.waitTerminal(t, ids[0])
	assert.Equal(t, domain.StatusSuccess, got.Status)

	// Resubmission after completion returns the same finished row.
	again, err := e.svc.Submit(ctx, e.user, sub)
	require.NoError(t, err)
	assert.Equal(t, ids[0], again.ID)
	assert.Equal(t, domain.StatusSuccess, again.Status)
}

func TestResultsPaging(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.target.Exec(`CREATE TABLE t (x INTEGER)`)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = e.target.Exec(`INSERT INTO t (x) VALUES (?)`, i)
		require.NoError(t, err)
	}

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "SELECT x FROM t ORDER BY x",
		QueryLimit: 100,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, q.Status)

	page, err := e.svc.Results(ctx, q.ID, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, page.FromRow)
	assert.Equal(t, 5, page.ToRow)
	assert.Equal(t, 10, page.TotalRows)
	require.Len(t, page.Rows, 3)
	assert.EqualValues(t, 2, page.Rows[0][0])

	// An out-of-range window clamps instead of failing.
	page, err = e.svc.Results(ctx, q.ID, 8, 50)
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
}

func TestResultsExpired(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	q, err := e.svc.Submit(ctx, e.user, Submission{
		DatabaseID: e.record.ID,
		SQL:        "SELECT 1",
		QueryLimit: 10,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, q.Status)

	require.NoError(t, e.backend.Delete(ctx, q.ResultsKey))

	_, err = e.svc.Results(ctx, q.ID, 0, 0)
	var expired *domain.ResultsExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, q.ResultsKey, expired.Key)
}

func TestResultsRequireSuccess(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	created, err := e.store.Create(ctx, &domain.Query{
		UserID:     e.user.UserID,
		Username:   e.user.Username,
		DatabaseID: e.record.ID,
		SQL:        "SELECT 1",
	})
	require.NoError(t, err)

	_, err = e.svc.Results(ctx, created.ID, 0, 0)
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestOverloadedQueue(t *testing.T) {
	d, err := dialect.ForBackend("sqlite")
	require.NoError(t, err)
	e := newEnv(t, d)
	e.cfg.QueueCap = 1

	// Saturate the pool with queries that never finish.
	blocker := "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT count(*) FROM r"
	ctx := context.Background()
	for i := 0; i < e.cfg.PoolSize; i++ {
		_, err := e.svc.Submit(ctx, e.user, Submission{DatabaseID: e.record.ID, SQL: blocker, RunAsync: true})
		require.NoError(t, err)
	}

	// One more parks in the queue; once the waiting count reaches the cap,
	// further submissions are rejected.
	_, err = e.svc.Submit(ctx, e.user, Submission{DatabaseID: e.record.ID, SQL: blocker, RunAsync: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := e.svc.Submit(ctx, e.user, Submission{DatabaseID: e.record.ID, SQL: blocker, RunAsync: true})
		var overloaded *domain.OverloadedError
		return errors.As(err, &overloaded)
	}, 10*time.Second, 50*time.Millisecond)

	// Release the workers.
	active, err := e.store.ListActive(ctx, nil, 100)
	require.NoError(t, err)
	for _, q := range active {
		_ = e.svc.Cancel(ctx, q.ID)
	}
}

func TestSweeperRetiresStaleQueries(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	old := time.Now().Add(-10 * time.Hour)
	stale, err := e.store.Create(ctx, &domain.Query{
		UserID:     e.user.UserID,
		Username:   e.user.Username,
		DatabaseID: e.record.ID,
		SQL:        "SELECT 1",
		StartTime:  &old,
	})
	require.NoError(t, err)

	fresh, err := e.store.Create(ctx, &domain.Query{
		UserID:     e.user.UserID,
		Username:   e.user.Username,
		DatabaseID: e.record.ID,
		SQL:        "SELECT 2",
	})
	require.NoError(t, err)

	sweeper, err := NewSweeper(e.store, time.Hour, "@every 1m", logger)
	require.NoError(t, err)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, got.Status)

	got, err = e.store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}
