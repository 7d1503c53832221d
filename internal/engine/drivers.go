package engine

// Driver registrations for the dialects the registry can open.
import (
	_ "github.com/duckdb/duckdb-go/v2"     // duckdb
	_ "github.com/go-sql-driver/mysql"     // mysql
	_ "github.com/jackc/pgx/v5/stdlib"     // pgx
	_ "github.com/mattn/go-sqlite3"        // sqlite3
	_ "github.com/snowflakedb/gosnowflake" // snowflake
)
