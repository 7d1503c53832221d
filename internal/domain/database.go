package domain

// Database is a read-only record describing one connectable backend. The
// connection descriptor (DSN) is opaque to the pipeline and handed to the
// engine registry; the capability flags drive validation at the dispatcher
// so dialects can assume their preconditions.
type Database struct {
	ID   int64
	Name string

	// Backend selects the dialect variant, e.g. "postgres", "mysql",
	// "presto", "hive", "sqlite", "duckdb", "snowflake".
	Backend string

	// DSN is the driver connection string. It never appears in logs or
	// error messages.
	DSN string

	ExposeInSQLLab  bool
	AllowCTAS       bool
	AllowCVAS       bool
	AllowDML        bool
	AllowRunAsync   bool
	ForceCTASSchema string
	ImpersonateUser bool

	Extra map[string]string
}

// CTASAllowed reports whether the given method is permitted by the
// database's capability flags. CtasNone is always allowed.
func (d *Database) CTASAllowed(method CtasMethod) bool {
	switch method {
	case CtasTable:
		return d.AllowCTAS
	case CtasView:
		return d.AllowCVAS
	default:
		return true
	}
}
