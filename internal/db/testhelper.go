package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestSQLite stands up a migrated control-plane store in t.TempDir()
// and returns the serialized write pool alongside the wider read pool.
// Both pools close when the test ends. Tests that never exercise the
// read path can ignore readDB.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sql.DB) {
	t.Helper()

	writeDB, readDB, err := OpenSQLitePair(filepath.Join(t.TempDir(), "control.sqlite"), 4)
	if err != nil {
		t.Fatalf("open control-plane store: %v", err)
	}
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	if err := RunMigrations(writeDB); err != nil {
		t.Fatalf("migrate control-plane store: %v", err)
	}
	return writeDB, readDB
}
