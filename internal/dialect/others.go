package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sqllab/internal/domain"
)

// Hive differs from the generic adapter only in identifier quoting.
// Map-reduce progress is not reachable through database/sql, so Poll
// stays silent.
type Hive struct {
	base
}

func (h *Hive) Name() string       { return "hive" }
func (h *Hive) DriverName() string { return "hive" }

func (h *Hive) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// SQLite is used for embedded and test databases. Cancellation relies on
// context propagation into the driver.
type SQLite struct {
	base
}

func (s *SQLite) Name() string       { return "sqlite" }
func (s *SQLite) DriverName() string { return "sqlite3" }

// DuckDB is the embedded analytics backend.
type DuckDB struct {
	base
}

func (d *DuckDB) Name() string       { return "duckdb" }
func (d *DuckDB) DriverName() string { return "duckdb" }

// Snowflake runs against Snowflake through gosnowflake.
type Snowflake struct {
	base
}

func (s *Snowflake) Name() string       { return "snowflake" }
func (s *Snowflake) DriverName() string { return "snowflake" }

// SessionID captures the Snowflake session for SYSTEM$CANCEL_ALL_QUERIES.
func (s *Snowflake) SessionID(ctx context.Context, conn *sql.Conn, _ string) (string, bool) {
	var id string
	if err := conn.QueryRowContext(ctx, `SELECT CURRENT_SESSION()`).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

// Cancel cancels all queries on the captured session. One worker runs one
// statement per session, so this is exact.
func (s *Snowflake) Cancel(ctx context.Context, db *sql.DB, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := db.ExecContext(ctx, `SELECT SYSTEM$CANCEL_ALL_QUERIES(?)`, sessionID)
	if err != nil {
		return fmt.Errorf("cancel session queries: %w", err)
	}
	return nil
}

// WrapCTAS on Snowflake supports CREATE OR REPLACE semantics for the tmp
// table destination, matching how scratch tables are used from an editor.
func (s *Snowflake) WrapCTAS(sqlText, schema, table string, method domain.CtasMethod) (string, error) {
	wrapped, err := wrapCTAS(sqlText, schema, table, method)
	if err != nil {
		return "", err
	}
	return strings.Replace(wrapped, "CREATE ", "CREATE OR REPLACE ", 1), nil
}
