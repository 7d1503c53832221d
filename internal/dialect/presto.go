package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Presto covers Presto and Trino. Both expose running-query state through
// system.runtime.queries, which gives us progress polling and server-side
// kill that most backends lack.
type Presto struct {
	base
}

// SessionID keys the statement by its text. The coordinator mints a fresh
// query id per statement that database/sql never surfaces, so Poll and
// Cancel resolve the id from system.runtime.queries instead; the newest
// match wins.
func (p *Presto) SessionID(_ context.Context, _ *sql.Conn, stmt string) (string, bool) {
	stmt = strings.TrimSpace(stmt)
	return stmt, stmt != ""
}

// queryID resolves the coordinator query id for a still-active statement.
func (p *Presto) queryID(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT query_id
		FROM system.runtime.queries
		WHERE query = ? AND state NOT IN ('FINISHED', 'FAILED', 'CANCELED')
		ORDER BY created DESC
		LIMIT 1
	`, stmt).Scan(&id)
	return id, err
}

// Poll reads completed/total splits for the query to estimate progress and
// returns the coordinator UI link as the tracking URL.
func (p *Presto) Poll(ctx context.Context, db *sql.DB, sessionID string) (Progress, bool, error) {
	if sessionID == "" {
		return Progress{}, false, nil
	}
	var (
		queryID, state   string
		completed, total sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT query_id, state, completed_splits, total_splits
		FROM system.runtime.queries
		WHERE query = ?
		ORDER BY created DESC
		LIMIT 1
	`, sessionID).Scan(&queryID, &state, &completed, &total)
	if err != nil {
		// The row ages out of system.runtime.queries after completion.
		return Progress{}, false, nil
	}

	pr := Progress{TrackingURL: fmt.Sprintf("/ui/query.html?%s", queryID)}
	if state == "FINISHED" {
		pr.Percent = 100
	} else if total.Valid && total.Int64 > 0 && completed.Valid {
		pr.Percent = int(completed.Int64 * 100 / total.Int64)
	}
	return pr, true, nil
}

// Cancel kills the query on the coordinator; a statement that already left
// the runtime table is done.
func (p *Presto) Cancel(ctx context.Context, db *sql.DB, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	queryID, err := p.queryID(ctx, db, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("resolve query id: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`CALL system.runtime.kill_query(query_id => ?, message => 'canceled by sqllab')`, queryID)
	if err != nil {
		return fmt.Errorf("kill_query: %w", err)
	}
	return nil
}
