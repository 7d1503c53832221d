// Package dialect encodes per-backend behavior behind a uniform capability
// set: statement classification, LIMIT injection, CTAS/CVAS wrapping,
// progress polling, and cancellation.
package dialect

import (
	"context"
	"database/sql"
	"strings"

	"sqllab/internal/domain"
)

// Progress is one progress observation reported by a backend.
type Progress struct {
	Percent     int
	TrackingURL string
}

// Dialect is one variant of the closed per-backend set. Implementations are
// stateless; connections are supplied per call.
type Dialect interface {
	// Name is the backend key stored on the Database record.
	Name() string

	// DriverName is the database/sql driver to open connections with.
	DriverName() string

	// IsSelectOnly reports whether every statement in sql is a plain
	// SELECT. Anything else requires the database's DML capability.
	IsSelectOnly(sql string) (bool, error)

	// ApplyLimit reconciles the user-specified limit, an existing outer
	// LIMIT in the SQL, and the configured default, returning the
	// rewritten SQL, the applied limit, and which bound won.
	ApplyLimit(sql string, userLimit, defaultLimit int) (string, int, domain.LimitingFactor, error)

	// WrapCTAS produces the CREATE TABLE ... AS / CREATE VIEW ... AS form.
	WrapCTAS(sql, schema, table string, method domain.CtasMethod) (string, error)

	// SessionID captures a handle for the statement about to run on conn,
	// used later to poll progress and cancel from another connection.
	// Most backends key on the session; backends that mint per-statement
	// ids the driver never surfaces may key on stmt instead. ok is false
	// when the backend has no such notion.
	SessionID(ctx context.Context, conn *sql.Conn, stmt string) (string, bool)

	// Poll reports execution progress for the statement running on
	// sessionID. ok is false when the backend does not report progress.
	Poll(ctx context.Context, db *sql.DB, sessionID string) (Progress, bool, error)

	// Cancel best-effort cancels the statement running on sessionID.
	// It is idempotent; canceling a finished statement is not an error.
	Cancel(ctx context.Context, db *sql.DB, sessionID string) error

	// SetReadOnly applies a session-level read-only guard for pure SELECT
	// submissions. A nil return from a backend without such a guard is fine.
	SetReadOnly(ctx context.Context, conn *sql.Conn) error

	// QuoteIdentifier quotes a schema or table name.
	QuoteIdentifier(name string) string
}

var registry = map[string]Dialect{}

func register(d Dialect) {
	registry[d.Name()] = d
}

func init() {
	register(&Postgres{})
	register(&MySQL{})
	register(&Presto{base: base{name: "presto", driver: "presto"}})
	register(&Presto{base: base{name: "trino", driver: "trino"}})
	register(&Hive{})
	register(&SQLite{})
	register(&DuckDB{})
	register(&Snowflake{})
	// Backends without bespoke behavior run on the generic adapter.
	for _, name := range []string{"mssql", "oracle", "bigquery", "dremio"} {
		register(&base{name: name, driver: name})
	}
}

// ForBackend returns the dialect registered for a Database.Backend value.
func ForBackend(name string) (Dialect, error) {
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrValidation("unsupported backend %q", name)
	}
	return d, nil
}
