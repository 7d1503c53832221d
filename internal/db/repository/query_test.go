package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqllab/internal/db"
	"sqllab/internal/domain"
)

func newTestRepos(t *testing.T) (*QueryRepo, *DatabaseRepo, *sql.DB) {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	return NewQueryRepo(writeDB), NewDatabaseRepo(writeDB), writeDB
}

func seedDatabase(t *testing.T, repo *DatabaseRepo) *domain.Database {
	t.Helper()
	d, err := repo.Create(context.Background(), &domain.Database{
		Name:           "test-db",
		Backend:        "sqlite",
		DSN:            ":memory:",
		ExposeInSQLLab: true,
		AllowRunAsync:  true,
	})
	require.NoError(t, err)
	return d
}

func seedQuery(t *testing.T, queries *QueryRepo, dbID int64) *domain.Query {
	t.Helper()
	q, err := queries.Create(context.Background(), &domain.Query{
		ClientID:    "client-1",
		UserID:      1,
		Username:    "alice",
		DatabaseID:  dbID,
		SQLEditorID: "tab-1",
		SQL:         "SELECT 1",
	})
	require.NoError(t, err)
	return q
}

func TestCreateAndGet(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)

	q := seedQuery(t, queries, d.ID)
	assert.Equal(t, domain.StatusPending, q.Status)
	assert.Equal(t, domain.LimitUnknown, q.LimitingFactor)
	assert.Equal(t, 0, q.Progress)
	assert.Nil(t, q.Rows)

	got, err := queries.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, "SELECT 1", got.SQL)

	byClient, err := queries.GetByClientID(context.Background(), 1, "tab-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, q.ID, byClient.ID)
}

func TestClientIDUniquePerUserAndEditor(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	seedQuery(t, queries, d.ID)

	_, err := queries.Create(context.Background(), &domain.Query{
		ClientID:    "client-1",
		UserID:      1,
		SQLEditorID: "tab-1",
		DatabaseID:  d.ID,
		SQL:         "SELECT 2",
	})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	// Same client id under a different editor tab is a distinct row.
	_, err = queries.Create(context.Background(), &domain.Query{
		ClientID:    "client-1",
		UserID:      1,
		SQLEditorID: "tab-2",
		DatabaseID:  d.ID,
		SQL:         "SELECT 2",
	})
	require.NoError(t, err)
}

func TestTransitionHappyPath(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	now := time.Now()
	executed := "SELECT 1 LIMIT 100"
	q, err := queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled,
		&domain.QueryPatch{StartTime: &now, ExecutedSQL: &executed})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, q.Status)
	assert.Equal(t, executed, q.ExecutedSQL)
	require.NotNil(t, q.StartTime)

	q, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusScheduled}, domain.StatusRunning,
		&domain.QueryPatch{StartRunningTime: &now})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, q.Status)

	rows := int64(1)
	key := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	q, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusRunning, domain.StatusFetching}, domain.StatusSuccess,
		&domain.QueryPatch{Rows: &rows, ResultsKey: &key, EndTime: &now})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, q.Status)
	assert.Equal(t, key, q.ResultsKey)
	require.NotNil(t, q.Rows)
	assert.EqualValues(t, 1, *q.Rows)
}

func TestTransitionCASLosesCleanly(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	_, err := queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled, nil)
	require.NoError(t, err)

	// A second worker claiming the same row loses the race.
	_, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled, nil)
	var illegal *domain.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestTransitionRejectsEdgesOutsideGraph(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	// PENDING -> SUCCESS is not an edge.
	_, err := queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusSuccess, nil)
	var illegal *domain.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)

	// Terminal states admit nothing.
	_, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusFailed, nil)
	require.NoError(t, err)
	_, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusFailed}, domain.StatusRunning, nil)
	require.ErrorAs(t, err, &illegal)
}

func TestProgressIsMonotone(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	_, err := queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled, nil)
	require.NoError(t, err)
	_, err = queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusScheduled}, domain.StatusRunning, nil)
	require.NoError(t, err)

	running := []domain.QueryStatus{domain.StatusRunning}
	for _, p := range []int{25, 50} {
		p := p
		_, err = queries.Transition(ctx, q.ID, running, domain.StatusRunning,
			&domain.QueryPatch{Progress: &p})
		require.NoError(t, err)
	}

	// A stale lower progress update is dropped.
	stale := 10
	got, err := queries.Transition(ctx, q.ID, running, domain.StatusRunning,
		&domain.QueryPatch{Progress: &stale})
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
}

func TestResultsKeySetAtMostOnce(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	key := "k1"
	_, err := queries.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusScheduled,
		&domain.QueryPatch{ResultsKey: &key})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation) // only on SUCCESS
}

func TestRequestCancelFlag(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	q := seedQuery(t, queries, d.ID)
	ctx := context.Background()

	requested, err := queries.CancelRequested(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, queries.RequestCancel(ctx, q.ID))
	require.NoError(t, queries.RequestCancel(ctx, q.ID)) // idempotent

	requested, err = queries.CancelRequested(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	got, err := queries.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested())

	var nf *domain.NotFoundError
	err = queries.RequestCancel(ctx, 99999)
	require.ErrorAs(t, err, &nf)
}

func TestListActiveAndSearch(t *testing.T) {
	queries, databases, _ := newTestRepos(t)
	d := seedDatabase(t, databases)
	ctx := context.Background()

	q1 := seedQuery(t, queries, d.ID)
	q2, err := queries.Create(ctx, &domain.Query{
		ClientID: "client-2", UserID: 2, SQLEditorID: "tab-1",
		DatabaseID: d.ID, SQL: "SELECT 2",
	})
	require.NoError(t, err)

	_, err = queries.Transition(ctx, q2.ID,
		[]domain.QueryStatus{domain.StatusPending}, domain.StatusFailed, nil)
	require.NoError(t, err)

	active, err := queries.ListActive(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, q1.ID, active[0].ID)

	user2 := int64(2)
	active, err = queries.ListActive(ctx, &user2, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	failed := domain.StatusFailed
	found, err := queries.Search(ctx, domain.QueryFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, q2.ID, found[0].ID)
}
