package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sqllab/internal/domain"
)

var _ domain.DatabaseStore = (*DatabaseRepo)(nil)

const databaseColumns = `
	id, name, backend, dsn, expose_in_sqllab, allow_ctas, allow_cvas,
	allow_dml, allow_run_async, force_ctas_schema, impersonate_user, extra_json`

// DatabaseRepo provides access to registered database records. The pipeline
// only reads them; Create exists for seeding and tests.
type DatabaseRepo struct {
	db *sql.DB
}

// NewDatabaseRepo creates a new DatabaseRepo.
func NewDatabaseRepo(db *sql.DB) *DatabaseRepo {
	return &DatabaseRepo{db: db}
}

// Create registers a database record.
func (r *DatabaseRepo) Create(ctx context.Context, d *domain.Database) (*domain.Database, error) {
	if d == nil {
		return nil, domain.ErrValidation("database is required")
	}
	if d.Name == "" || d.Backend == "" || d.DSN == "" {
		return nil, domain.ErrValidation("name, backend and dsn are required")
	}
	extra := d.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}

	var id int64
	err = withRetry(func() error {
		res, execErr := r.db.ExecContext(ctx, `
			INSERT INTO databases (
				name, backend, dsn, expose_in_sqllab, allow_ctas, allow_cvas,
				allow_dml, allow_run_async, force_ctas_schema, impersonate_user, extra_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.Name, d.Backend, d.DSN, boolToInt(d.ExposeInSQLLab), boolToInt(d.AllowCTAS),
			boolToInt(d.AllowCVAS), boolToInt(d.AllowDML), boolToInt(d.AllowRunAsync),
			d.ForceCTASSchema, boolToInt(d.ImpersonateUser), string(extraJSON))
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

// Get returns a database record by id.
func (r *DatabaseRepo) Get(ctx context.Context, id int64) (*domain.Database, error) {
	var d *domain.Database
	err := withRetry(func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT `+databaseColumns+` FROM databases WHERE id = ?`, id)
		var scanErr error
		d, scanErr = scanDatabase(row.Scan)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns all registered database records.
func (r *DatabaseRepo) List(ctx context.Context) ([]*domain.Database, error) {
	var out []*domain.Database
	err := withRetry(func() error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+databaseColumns+` FROM databases ORDER BY id`)
		if err != nil {
			return mapDBError(err)
		}
		defer rows.Close() //nolint:errcheck

		out = out[:0]
		for rows.Next() {
			d, err := scanDatabase(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanDatabase(scan func(...any) error) (*domain.Database, error) {
	var (
		d                                          domain.Database
		expose, ctas, cvas, dml, async, impersonate int64
		extraJSON                                  string
	)
	err := scan(
		&d.ID, &d.Name, &d.Backend, &d.DSN, &expose, &ctas, &cvas,
		&dml, &async, &d.ForceCTASSchema, &impersonate, &extraJSON,
	)
	if err != nil {
		return nil, mapDBError(err)
	}
	d.ExposeInSQLLab = expose != 0
	d.AllowCTAS = ctas != 0
	d.AllowCVAS = cvas != 0
	d.AllowDML = dml != 0
	d.AllowRunAsync = async != 0
	d.ImpersonateUser = impersonate != 0
	if extraJSON != "" {
		if err := json.Unmarshal([]byte(extraJSON), &d.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	return &d, nil
}
