package dialect

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres runs against PostgreSQL through the pgx stdlib driver.
type Postgres struct {
	base
}

func (p *Postgres) Name() string       { return "postgres" }
func (p *Postgres) DriverName() string { return "pgx" }

// SessionID captures the backend pid for out-of-band cancellation.
func (p *Postgres) SessionID(ctx context.Context, conn *sql.Conn, _ string) (string, bool) {
	var pid string
	if err := conn.QueryRowContext(ctx, `SELECT pg_backend_pid()::text`).Scan(&pid); err != nil {
		return "", false
	}
	return pid, true
}

// Cancel asks the server to cancel whatever is running on the session's
// backend pid. pg_cancel_backend on an idle or finished backend is a no-op.
func (p *Postgres) Cancel(ctx context.Context, db *sql.DB, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := db.ExecContext(ctx, `SELECT pg_cancel_backend($1::int)`, sessionID)
	if err != nil {
		return fmt.Errorf("pg_cancel_backend: %w", err)
	}
	return nil
}

func (p *Postgres) SetReadOnly(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `SET default_transaction_read_only = on`)
	return err
}
