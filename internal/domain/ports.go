package domain

import (
	"context"
	"time"
)

// QueryStore is the durable store of Query rows and their state transitions.
// Implemented by repository.QueryRepo.
type QueryStore interface {
	Create(ctx context.Context, q *Query) (*Query, error)
	Get(ctx context.Context, id int64) (*Query, error)
	GetByClientID(ctx context.Context, userID int64, sqlEditorID, clientID string) (*Query, error)

	// Transition performs a compare-and-set on status: the row must
	// currently be in one of from, or *IllegalTransitionError is returned.
	// Progress updates are monotone; a patch carrying a lower progress than
	// the stored value leaves progress unchanged.
	Transition(ctx context.Context, queryID int64, from []QueryStatus, to QueryStatus, patch *QueryPatch) (*Query, error)

	// RequestCancel durably sets the cancel flag on the row. It is the
	// authoritative cross-process cancellation mechanism.
	RequestCancel(ctx context.Context, queryID int64) error
	CancelRequested(ctx context.Context, queryID int64) (bool, error)

	ListActive(ctx context.Context, userID *int64, limit int) ([]*Query, error)
	Search(ctx context.Context, filter QueryFilter) ([]*Query, error)
}

// DatabaseStore provides read access to Database records.
// Implemented by repository.DatabaseRepo.
type DatabaseStore interface {
	Get(ctx context.Context, id int64) (*Database, error)
	List(ctx context.Context) ([]*Database, error)
}

// ResultsBackend is a content-addressed blob store with TTL for serialized
// result sets. Payloads are opaque framed bytes (see the results package).
type ResultsBackend interface {
	// Store is idempotent: storing byte-equal payload under an existing key
	// returns the original store time; different bytes fail with
	// *ResultsConflictError.
	Store(ctx context.Context, key string, payload []byte) (time.Time, error)

	// Load returns *NotFoundError when the key is missing or expired.
	Load(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, key string) error
}
