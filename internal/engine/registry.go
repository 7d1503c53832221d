// Package engine maps Database records to live connection pools and their
// dialect adapters.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

// DefaultCacheSize bounds the number of live engines kept per process.
const DefaultCacheSize = 32

// Handle is a live engine for one (database, impersonated user) pair. The
// underlying pool is shared; connections are acquired per query and never
// shared across queries.
type Handle struct {
	db      *sql.DB
	dialect dialect.Dialect
	record  *domain.Database
}

// DB exposes the pool for out-of-band statements (progress polls, cancel).
func (h *Handle) DB() *sql.DB { return h.db }

// Dialect returns the backend's dialect adapter.
func (h *Handle) Dialect() dialect.Dialect { return h.dialect }

// Database returns the record this handle was built from.
func (h *Handle) Database() *domain.Database { return h.record }

// Connect acquires a dedicated connection. When readOnly is set and the
// backend supports it, the session is put into read-only mode before use.
// The caller owns the connection and must Close it on every exit path.
func (h *Handle) Connect(ctx context.Context, readOnly bool) (*sql.Conn, error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return nil, domain.ErrDatabase("acquire connection to %q: %v", h.record.Name, sanitize(err))
	}
	if readOnly {
		if err := h.dialect.SetReadOnly(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, domain.ErrDatabase("set read-only session on %q: %v", h.record.Name, sanitize(err))
		}
	}
	return conn, nil
}

type cacheKey struct {
	databaseID int64
	username   string
}

// Registry caches engines per (database id, impersonated user) with LRU
// eviction. It must be initialized before the dispatcher accepts its first
// submission and closed after the worker pool quiesces.
type Registry struct {
	databases domain.DatabaseStore
	cache     *lru.Cache[cacheKey, *Handle]
	opening   singleflight.Group
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the given cache bound (0 uses the
// default). Evicted engines have their pools closed.
func NewRegistry(databases domain.DatabaseStore, size int, logger *slog.Logger) (*Registry, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.NewWithEvict[cacheKey, *Handle](size, func(key cacheKey, h *Handle) {
		logger.Debug("evicting engine", "database_id", key.databaseID, "user", key.username)
		_ = h.db.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Registry{databases: databases, cache: cache, logger: logger}, nil
}

// Get returns the engine handle for a database, optionally impersonating
// username when the record enables it. Unknown ids surface NotFoundError;
// databases hidden from ad-hoc SQL surface ValidationError.
func (r *Registry) Get(ctx context.Context, databaseID int64, username string) (*Handle, error) {
	record, err := r.databases.Get(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if !record.ExposeInSQLLab {
		return nil, domain.ErrValidation("database %q is not exposed for ad-hoc SQL", record.Name)
	}

	d, err := dialect.ForBackend(record.Backend)
	if err != nil {
		return nil, err
	}

	key := cacheKey{databaseID: databaseID}
	if record.ImpersonateUser {
		key.username = username
	}
	if h, ok := r.cache.Get(key); ok {
		return h, nil
	}

	// Collapse concurrent misses for the same key into one open, so a
	// burst of queries does not build duplicate pools.
	v, err, _ := r.opening.Do(fmt.Sprintf("%d\x00%s", key.databaseID, key.username), func() (any, error) {
		if h, ok := r.cache.Get(key); ok {
			return h, nil
		}

		dsn := record.DSN
		if record.ImpersonateUser && username != "" {
			dsn = impersonateDSN(dsn, username)
		}

		db, err := sql.Open(d.DriverName(), dsn)
		if err != nil {
			return nil, domain.ErrDatabase("open engine for %q: %v", record.Name, sanitize(err))
		}
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(10 * time.Minute)

		h := &Handle{db: db, dialect: d, record: record}
		r.cache.Add(key, h)
		r.logger.Debug("opened engine", "database_id", databaseID, "backend", record.Backend, "user", key.username)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Close evicts and closes every cached engine.
func (r *Registry) Close() {
	r.cache.Purge()
}

// impersonateDSN swaps the connection user for URI-style DSNs. Opaque DSNs
// are returned unchanged; those backends do not support impersonation here.
func impersonateDSN(dsn, username string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			// Keep the service credential's password; backends doing real
			// impersonation (hive, presto) authenticate the service user
			// and run as the end user.
			return dsn
		}
	}
	u.User = url.User(username)
	return u.String()
}

// sanitize strips DSN-looking fragments from driver errors so credentials
// never reach query rows or logs.
func sanitize(err error) string {
	msg := err.Error()
	for _, marker := range []string{"://", "password="} {
		if i := strings.Index(msg, marker); i >= 0 {
			return msg[:i] + "…"
		}
	}
	return msg
}

// Ping verifies a handle's backend is reachable, bounded by a short timeout.
func (r *Registry) Ping(ctx context.Context, databaseID int64) error {
	h, err := r.Get(ctx, databaseID, "")
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.db.PingContext(pingCtx); err != nil {
		return domain.ErrDatabase("ping %q: %v", h.record.Name, sanitize(err))
	}
	return nil
}
