package executor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sqllab/internal/domain"
	"sqllab/internal/results"
)

// Poll cadence for the watch loop. The interval grows while the statement
// keeps running so long queries do not hammer the control plane.
const (
	pollInitial = 500 * time.Millisecond
	pollMax     = 5 * time.Second
	pollGrowth  = 1.5
)

// cancelCheckRows is the fetch-loop stride between durable cancel checks.
const cancelCheckRows = 500

var errStopped = errors.New("cancel requested")

// execute runs the rewritten statement and walks the row from RUNNING to a
// terminal state. It never returns an error; every outcome is recorded on
// the query row.
func (e *Executor) execute(ctx context.Context, q *domain.Query, handle EngineHandle, p prepared) {
	conn, err := handle.Connect(ctx, p.selectOnly && !p.ctas)
	if err != nil {
		e.finish(ctx, q, classify(ctx, err), sanitizeError(err), nil)
		return
	}
	defer conn.Close()

	d := handle.Dialect()
	sessionID, hasSession := d.SessionID(ctx, conn, p.executedSQL)

	// The statement gets its own cancelable context so a durable cancel can
	// unblock the driver even on backends without a session id.
	stmtCtx, stopStmt := context.WithCancel(ctx)
	defer stopStmt()

	if p.ctas {
		errCh := make(chan error, 1)
		go func() {
			_, execErr := conn.ExecContext(stmtCtx, p.executedSQL)
			errCh <- execErr
		}()
		if err := e.watch(ctx, q, handle, sessionID, hasSession, errCh); err != nil {
			stopStmt()
			e.finish(ctx, q, classify(ctx, err), sanitizeError(err), nil)
			return
		}
		progress := 100
		now := time.Now()
		e.finish(ctx, q, domain.StatusSuccess, "", &domain.QueryPatch{
			Progress: &progress,
			EndTime:  &now,
		})
		return
	}

	type queryResult struct {
		rows *sql.Rows
		err  error
	}
	resCh := make(chan queryResult, 1)
	errCh := make(chan error, 1)
	go func() {
		rows, queryErr := conn.QueryContext(stmtCtx, p.executedSQL)
		resCh <- queryResult{rows: rows, err: queryErr}
		errCh <- queryErr
	}()

	if err := e.watch(ctx, q, handle, sessionID, hasSession, errCh); err != nil {
		// The driver goroutine unwinds once the context is gone; reap the
		// rows handle if it surfaced anyway.
		stopStmt()
		if res := <-resCh; res.rows != nil {
			res.rows.Close()
		}
		e.finish(ctx, q, classify(ctx, err), sanitizeError(err), nil)
		return
	}
	res := <-resCh
	if res.err != nil {
		e.finish(ctx, q, classify(ctx, res.err), sanitizeError(res.err), nil)
		return
	}
	defer res.rows.Close()

	q, err = e.store.Transition(ctx, q.ID,
		[]domain.QueryStatus{domain.StatusRunning}, domain.StatusFetching, &domain.QueryPatch{})
	if err != nil {
		e.logger.Error("fetching transition failed", "query_id", q.ID, "error", err)
		return
	}

	rs, err := e.fetch(ctx, q, res.rows, p.appliedLimit)
	if err != nil {
		e.finish(ctx, q, classify(ctx, err), sanitizeError(err), nil)
		return
	}

	if q.ExpandData {
		results.ExpandJSONColumns(rs)
	}

	payload, err := results.Encode(rs, e.cfg.UseMsgpack)
	if err != nil {
		e.finish(ctx, q, domain.StatusFailed, sanitizeError(err), nil)
		return
	}
	key := domain.ResultsKey(q.UserID, q.ClientID, q.DatabaseID, q.Schema, q.SQL, e.cfg.ResultsKey)
	storedAt, err := e.backend.Store(ctx, key, payload)
	if err != nil {
		var conflict *domain.ResultsConflictError
		if !errors.As(err, &conflict) {
			e.finish(ctx, q, domain.StatusFailed, "results backend unavailable: "+sanitizeError(err), nil)
			return
		}
		// The key already holds a valid blob from an earlier materialization
		// of the same submission; keep it and report its store time.
		e.logger.Warn("results key collision, keeping original blob", "query_id", q.ID, "key", key)
		storedAt = conflict.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
	}

	rowCount := int64(rs.RowCount)
	progress := 100
	now := time.Now()
	e.finish(ctx, q, domain.StatusSuccess, "", &domain.QueryPatch{
		ResultsKey:           &key,
		Rows:                 &rowCount,
		Progress:             &progress,
		EndTime:              &now,
		EndResultBackendTime: &storedAt,
		ExtraMerge:           map[string]any{domain.ExtraColumns: rs.Schema},
	})
}

// watch blocks until the statement finishes, the budget expires, or a cancel
// arrives, checking the durable flag and polling backend progress at each
// tick. A nil return means the statement completed; the caller reads its
// result. A non-nil return is the reason execution must stop.
func (e *Executor) watch(ctx context.Context, q *domain.Query, handle EngineHandle, sessionID string, hasSession bool, done <-chan error) error {
	interval := pollInitial
	timer := time.NewTimer(interval)
	defer timer.Stop()

	lastProgress := q.Progress
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			e.backendCancel(ctx, handle, sessionID, hasSession)
			return ctx.Err()
		case <-timer.C:
		}

		canceled, err := e.store.CancelRequested(ctx, q.ID)
		if err != nil {
			e.logger.Warn("cancel flag check failed", "query_id", q.ID, "error", err)
		} else if canceled {
			e.backendCancel(ctx, handle, sessionID, hasSession)
			return errStopped
		}

		if hasSession {
			if pr, ok, pollErr := handle.Dialect().Poll(ctx, handle.DB(), sessionID); pollErr != nil {
				e.logger.Debug("progress poll failed", "query_id", q.ID, "error", pollErr)
			} else if ok && pr.Percent > lastProgress {
				patch := &domain.QueryPatch{Progress: &pr.Percent}
				if pr.TrackingURL != "" && pr.TrackingURL != q.TrackingURL {
					patch.TrackingURL = &pr.TrackingURL
				}
				if updated, trErr := e.store.Transition(ctx, q.ID,
					[]domain.QueryStatus{domain.StatusRunning}, domain.StatusRunning, patch); trErr == nil {
					lastProgress = updated.Progress
					q.TrackingURL = updated.TrackingURL
				}
			}
		}

		interval = time.Duration(float64(interval) * pollGrowth)
		if interval > pollMax {
			interval = pollMax
		}
		timer.Reset(interval)
	}
}

// fetch drains rows into a ResultSet, capped at the applied limit and the
// configured hard row limit, with periodic cancel checks between strides.
// Truncated is set only when the hard limit cut the stream; stopping at the
// applied limit is the requested behavior, not a truncation.
func (e *Executor) fetch(ctx context.Context, q *domain.Query, rows *sql.Rows, appliedLimit int) (*domain.ResultSet, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	rs := &domain.ResultSet{Schema: make([]domain.ResultColumn, len(colTypes))}
	for i, ct := range colTypes {
		nullable, _ := ct.Nullable()
		rs.Schema[i] = domain.ResultColumn{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Nullable: nullable,
		}
	}

	maxRows := e.cfg.MaxRows
	if appliedLimit > 0 && appliedLimit < maxRows {
		maxRows = appliedLimit
	}
	for rows.Next() {
		if rs.RowCount >= maxRows {
			rs.Truncated = rs.RowCount >= e.cfg.MaxRows
			break
		}
		if rs.RowCount%cancelCheckRows == 0 && rs.RowCount > 0 {
			if canceled, flagErr := e.store.CancelRequested(ctx, q.ID); flagErr == nil && canceled {
				return nil, errStopped
			}
		}

		dest := make([]any, len(colTypes))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = normalizeValue(*(d.(*any)))
		}
		if rs.RowCount == 0 {
			inferSchemaTypes(rs.Schema, row)
		}
		rs.Rows = append(rs.Rows, row)
		rs.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// finish writes the terminal transition. Terminal writes and backend-side
// cleanup must survive an expired run context.
func (e *Executor) finish(ctx context.Context, q *domain.Query, to domain.QueryStatus, errMsg string, patch *domain.QueryPatch) {
	ctx = context.WithoutCancel(ctx)
	if patch == nil {
		now := time.Now()
		patch = &domain.QueryPatch{EndTime: &now}
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	from := []domain.QueryStatus{
		domain.StatusScheduled, domain.StatusRunning, domain.StatusFetching,
	}
	if to == domain.StatusSuccess {
		from = []domain.QueryStatus{domain.StatusRunning, domain.StatusFetching}
	}
	if _, err := e.store.Transition(ctx, q.ID, from, to, patch); err != nil {
		var illegal *domain.IllegalTransitionError
		if errors.As(err, &illegal) {
			// Already terminal, e.g. swept by the reaper.
			e.logger.Debug("terminal transition lost", "query_id", q.ID, "to", to)
			return
		}
		e.logger.Error("terminal transition failed", "query_id", q.ID, "to", to, "error", err)
	}
}

func (e *Executor) backendCancel(ctx context.Context, handle EngineHandle, sessionID string, hasSession bool) {
	if !hasSession {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := handle.Dialect().Cancel(cancelCtx, handle.DB(), sessionID); err != nil {
		e.logger.Warn("backend cancel failed", "session_id", sessionID, "error", err)
	}
}

// classify maps an execution error to its terminal status.
func classify(ctx context.Context, err error) domain.QueryStatus {
	switch {
	case errors.Is(err, errStopped):
		return domain.StatusStopped
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.StatusTimedOut
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return domain.StatusStopped
	default:
		return domain.StatusFailed
	}
}

// normalizeValue converts driver values into forms that serialize cleanly.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// inferSchemaTypes fills in column types the driver could not name, using
// the Go types of the first row.
func inferSchemaTypes(schema []domain.ResultColumn, row []any) {
	for i := range schema {
		if schema[i].Type != "" || i >= len(row) {
			continue
		}
		switch row[i].(type) {
		case int64, int:
			schema[i].Type = "INTEGER"
		case float64:
			schema[i].Type = "FLOAT"
		case bool:
			schema[i].Type = "BOOLEAN"
		case string:
			schema[i].Type = "STRING"
		case nil:
			schema[i].Type = "UNKNOWN"
		default:
			schema[i].Type = "UNKNOWN"
		}
	}
}
