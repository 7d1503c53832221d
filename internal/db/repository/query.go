package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sqllab/internal/domain"
)

var _ domain.QueryStore = (*QueryRepo)(nil)

const queryColumns = `
	id, client_id, user_id, username, database_id, schema, sql_editor_id,
	tab_name, sql_text, template_params_json, query_limit, ctas_method,
	tmp_table_name, select_as_cta, expand_data, status, progress, rows,
	limiting_factor, start_time_ms, start_running_time_ms, end_time_ms,
	end_result_backend_ms, executed_sql, results_key, tracking_url,
	error_message, extra_json, created_at, updated_at`

// QueryRepo stores query lifecycle state in SQLite. Writes go through the
// single-connection write pool, which serializes compare-and-set
// transitions; reads may use a separate read pool.
type QueryRepo struct {
	db *sql.DB
}

// NewQueryRepo creates a new QueryRepo on the write pool.
func NewQueryRepo(db *sql.DB) *QueryRepo {
	return &QueryRepo{db: db}
}

// Create inserts a new query row in its initial state.
func (r *QueryRepo) Create(ctx context.Context, q *domain.Query) (*domain.Query, error) {
	if q == nil {
		return nil, domain.ErrValidation("query is required")
	}
	if q.ClientID == "" {
		q.ClientID = domain.NewClientID()
	}
	if q.Status == "" {
		q.Status = domain.StatusPending
	}
	if q.LimitingFactor == "" {
		q.LimitingFactor = domain.LimitUnknown
	}

	params, err := json.Marshal(q.TemplateParams)
	if err != nil {
		return nil, fmt.Errorf("marshal template params: %w", err)
	}
	extra := q.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}

	var id int64
	err = withRetry(func() error {
		res, execErr := r.db.ExecContext(ctx, `
			INSERT INTO queries (
				client_id, user_id, username, database_id, schema, sql_editor_id,
				tab_name, sql_text, template_params_json, query_limit, ctas_method,
				tmp_table_name, select_as_cta, expand_data, status, limiting_factor,
				start_time_ms, extra_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, q.ClientID, q.UserID, q.Username, q.DatabaseID, q.Schema, q.SQLEditorID,
			q.TabName, q.SQL, string(params), q.QueryLimit, string(q.CtasMethod),
			q.TmpTableName, boolToInt(q.SelectAsCTA), boolToInt(q.ExpandData),
			string(q.Status), string(q.LimitingFactor), timeToMS(q.StartTime), string(extraJSON))
		if execErr != nil {
			return mapDBError(execErr)
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, id)
}

// Get returns a query by id.
func (r *QueryRepo) Get(ctx context.Context, id int64) (*domain.Query, error) {
	return r.getOne(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
}

// GetByClientID returns the query for an idempotency key scoped to
// (user, editor tab).
func (r *QueryRepo) GetByClientID(ctx context.Context, userID int64, sqlEditorID, clientID string) (*domain.Query, error) {
	return r.getOne(ctx, `
		SELECT `+queryColumns+` FROM queries
		WHERE user_id = ? AND sql_editor_id = ? AND client_id = ?
	`, userID, sqlEditorID, clientID)
}

// Transition performs a compare-and-set state change. The row must currently
// be in one of from; otherwise *IllegalTransitionError is returned and the
// row is untouched. Progress never decreases. Patches to results_key are
// accepted only when transitioning to SUCCESS and only while the stored key
// is empty.
func (r *QueryRepo) Transition(ctx context.Context, queryID int64, from []domain.QueryStatus, to domain.QueryStatus, patch *domain.QueryPatch) (*domain.Query, error) {
	if len(from) == 0 {
		return nil, domain.ErrValidation("expected-from states are required")
	}
	legal := false
	for _, f := range from {
		if domain.CanTransition(f, to) {
			legal = true
			break
		}
	}
	if !legal {
		return nil, &domain.IllegalTransitionError{QueryID: queryID, To: to}
	}
	if patch != nil && patch.ResultsKey != nil && to != domain.StatusSuccess {
		return nil, domain.ErrValidation("results_key may only be set on SUCCESS")
	}

	var out *domain.Query
	err := withRetry(func() error {
		q, txErr := r.transitionTx(ctx, queryID, from, to, patch)
		if txErr != nil {
			return txErr
		}
		out = q
		return nil
	})
	return out, err
}

func (r *QueryRepo) transitionTx(ctx context.Context, queryID int64, from []domain.QueryStatus, to domain.QueryStatus, patch *domain.QueryPatch) (*domain.Query, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		current    string
		progress   int
		resultsKey string
		extraJSON  string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, progress, results_key, extra_json FROM queries WHERE id = ?`, queryID,
	).Scan(&current, &progress, &resultsKey, &extraJSON)
	if err != nil {
		return nil, mapDBError(err)
	}

	owned := false
	for _, f := range from {
		if string(f) == current {
			owned = true
			break
		}
	}
	if !owned || !domain.CanTransition(domain.QueryStatus(current), to) {
		return nil, &domain.IllegalTransitionError{QueryID: queryID, To: to}
	}

	sets := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{string(to)}

	if patch != nil {
		if patch.Progress != nil && *patch.Progress > progress {
			sets = append(sets, "progress = ?")
			args = append(args, *patch.Progress)
		}
		if patch.Rows != nil {
			sets = append(sets, "rows = ?")
			args = append(args, *patch.Rows)
		}
		if patch.LimitingFactor != nil {
			sets = append(sets, "limiting_factor = ?")
			args = append(args, string(*patch.LimitingFactor))
		}
		if patch.ExecutedSQL != nil {
			sets = append(sets, "executed_sql = ?")
			args = append(args, *patch.ExecutedSQL)
		}
		if patch.ResultsKey != nil {
			if resultsKey != "" && resultsKey != *patch.ResultsKey {
				return nil, domain.ErrConflict("results_key already set for query %d", queryID)
			}
			sets = append(sets, "results_key = ?")
			args = append(args, *patch.ResultsKey)
		}
		if patch.TrackingURL != nil {
			sets = append(sets, "tracking_url = ?")
			args = append(args, *patch.TrackingURL)
		}
		if patch.ErrorMessage != nil {
			sets = append(sets, "error_message = ?")
			args = append(args, *patch.ErrorMessage)
		}
		if patch.StartTime != nil {
			sets = append(sets, "start_time_ms = ?")
			args = append(args, patch.StartTime.UnixMilli())
		}
		if patch.StartRunningTime != nil {
			sets = append(sets, "start_running_time_ms = ?")
			args = append(args, patch.StartRunningTime.UnixMilli())
		}
		if patch.EndTime != nil {
			sets = append(sets, "end_time_ms = ?")
			args = append(args, patch.EndTime.UnixMilli())
		}
		if patch.EndResultBackendTime != nil {
			sets = append(sets, "end_result_backend_ms = ?")
			args = append(args, patch.EndResultBackendTime.UnixMilli())
		}
		if len(patch.ExtraMerge) > 0 {
			extra := map[string]any{}
			if extraJSON != "" {
				if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
					return nil, fmt.Errorf("unmarshal extra: %w", err)
				}
			}
			for k, v := range patch.ExtraMerge {
				extra[k] = v
			}
			merged, err := json.Marshal(extra)
			if err != nil {
				return nil, fmt.Errorf("marshal extra: %w", err)
			}
			sets = append(sets, "extra_json = ?")
			args = append(args, string(merged))
		}
	}

	args = append(args, queryID, current)
	_, err = tx.ExecContext(ctx,
		`UPDATE queries SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, mapDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	return r.Get(ctx, queryID)
}

// RequestCancel durably sets the cancel flag in the row's extra map. It is
// idempotent and succeeds regardless of the row's current state.
func (r *QueryRepo) RequestCancel(ctx context.Context, queryID int64) error {
	return withRetry(func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE queries
			SET extra_json = json_set(extra_json, '$.cancel_requested', json('true')),
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, queryID)
		if err != nil {
			return mapDBError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return domain.ErrNotFound("query %d not found", queryID)
		}
		return nil
	})
}

// CancelRequested reads the durable cancel flag.
func (r *QueryRepo) CancelRequested(ctx context.Context, queryID int64) (bool, error) {
	var extraJSON string
	err := withRetry(func() error {
		return mapDBError(r.db.QueryRowContext(ctx,
			`SELECT extra_json FROM queries WHERE id = ?`, queryID).Scan(&extraJSON))
	})
	if err != nil {
		return false, err
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return false, fmt.Errorf("unmarshal extra: %w", err)
	}
	v, ok := extra[domain.ExtraCancelRequested].(bool)
	return ok && v, nil
}

// ListActive returns non-terminal queries, newest first.
func (r *QueryRepo) ListActive(ctx context.Context, userID *int64, limit int) ([]*domain.Query, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := `SELECT ` + queryColumns + ` FROM queries
		WHERE status IN ('PENDING', 'SCHEDULED', 'RUNNING', 'FETCHING')`
	args := []any{}
	if userID != nil {
		stmt += ` AND user_id = ?`
		args = append(args, *userID)
	}
	stmt += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.list(ctx, stmt, args...)
}

// Search returns queries matching the filter, newest first.
func (r *QueryRepo) Search(ctx context.Context, filter domain.QueryFilter) ([]*domain.Query, error) {
	stmt := `SELECT ` + queryColumns + ` FROM queries WHERE 1 = 1`
	args := []any{}
	if filter.UserID != nil {
		stmt += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.DatabaseID != nil {
		stmt += ` AND database_id = ?`
		args = append(args, *filter.DatabaseID)
	}
	if filter.Status != nil {
		stmt += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.SQLEditorID != nil {
		stmt += ` AND sql_editor_id = ?`
		args = append(args, *filter.SQLEditorID)
	}
	if filter.StartedBefore != nil {
		stmt += ` AND start_time_ms IS NOT NULL AND start_time_ms < ?`
		args = append(args, filter.StartedBefore.UnixMilli())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.list(ctx, stmt, args...)
}

func (r *QueryRepo) list(ctx context.Context, stmt string, args ...any) ([]*domain.Query, error) {
	var out []*domain.Query
	err := withRetry(func() error {
		rows, err := r.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return mapDBError(err)
		}
		defer rows.Close() //nolint:errcheck

		out = out[:0]
		for rows.Next() {
			q, err := scanQuery(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, q)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *QueryRepo) getOne(ctx context.Context, stmt string, args ...any) (*domain.Query, error) {
	var q *domain.Query
	err := withRetry(func() error {
		row := r.db.QueryRowContext(ctx, stmt, args...)
		var err error
		q, err = scanQuery(row.Scan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func scanQuery(scan func(...any) error) (*domain.Query, error) {
	var (
		q                              domain.Query
		status, ctas, factor           string
		paramsJSON, extraJSON          string
		selectAsCTA, expandData        int64
		rows                           sql.NullInt64
		startMS, startRunMS            sql.NullInt64
		endMS, endBackendMS            sql.NullInt64
	)

	err := scan(
		&q.ID, &q.ClientID, &q.UserID, &q.Username, &q.DatabaseID, &q.Schema,
		&q.SQLEditorID, &q.TabName, &q.SQL, &paramsJSON, &q.QueryLimit, &ctas,
		&q.TmpTableName, &selectAsCTA, &expandData, &status, &q.Progress, &rows,
		&factor, &startMS, &startRunMS, &endMS, &endBackendMS, &q.ExecutedSQL,
		&q.ResultsKey, &q.TrackingURL, &q.ErrorMessage, &extraJSON,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	q.Status = domain.QueryStatus(status)
	q.CtasMethod = domain.CtasMethod(ctas)
	q.LimitingFactor = domain.LimitingFactor(factor)
	q.SelectAsCTA = selectAsCTA != 0
	q.ExpandData = expandData != 0
	if rows.Valid {
		n := rows.Int64
		q.Rows = &n
	}
	q.StartTime = msToTime(startMS)
	q.StartRunningTime = msToTime(startRunMS)
	q.EndTime = msToTime(endMS)
	q.EndResultBackendTime = msToTime(endBackendMS)

	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &q.TemplateParams); err != nil {
			return nil, fmt.Errorf("unmarshal template params: %w", err)
		}
	}
	if extraJSON != "" {
		if err := json.Unmarshal([]byte(extraJSON), &q.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	if q.Extra == nil {
		q.Extra = map[string]any{}
	}

	return &q, nil
}
