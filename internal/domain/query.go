package domain

import "time"

// QueryStatus represents the lifecycle state of a query submission.
type QueryStatus string

// Query lifecycle statuses. SUCCESS, FAILED, TIMED_OUT and STOPPED are
// terminal; a row in a terminal state is immutable except for the results
// key and the results-backend timestamp, each set at most once.
const (
	StatusPending   QueryStatus = "PENDING"
	StatusScheduled QueryStatus = "SCHEDULED"
	StatusRunning   QueryStatus = "RUNNING"
	StatusFetching  QueryStatus = "FETCHING"
	StatusSuccess   QueryStatus = "SUCCESS"
	StatusFailed    QueryStatus = "FAILED"
	StatusTimedOut  QueryStatus = "TIMED_OUT"
	StatusStopped   QueryStatus = "STOPPED"
)

// Terminal reports whether the status admits no further transitions.
func (s QueryStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut, StatusStopped:
		return true
	}
	return false
}

// transitions is the closed state graph. RUNNING -> RUNNING carries progress
// updates; every non-terminal state may fail, stop or time out.
var transitions = map[QueryStatus][]QueryStatus{
	StatusPending:   {StatusScheduled, StatusFailed, StatusStopped, StatusTimedOut},
	StatusScheduled: {StatusRunning, StatusFailed, StatusStopped, StatusTimedOut},
	StatusRunning:   {StatusRunning, StatusFetching, StatusSuccess, StatusFailed, StatusStopped, StatusTimedOut},
	StatusFetching:  {StatusSuccess, StatusFailed, StatusStopped, StatusTimedOut},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to QueryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LimitingFactor explains which bound capped the returned row count.
type LimitingFactor string

// Limiting factors reported alongside an applied row limit.
const (
	LimitUnknown          LimitingFactor = "UNKNOWN"
	LimitQuery            LimitingFactor = "QUERY"
	LimitDropdown         LimitingFactor = "DROPDOWN"
	LimitQueryAndDropdown LimitingFactor = "QUERY_AND_DROPDOWN"
	LimitNotLimited       LimitingFactor = "NOT_LIMITED"
)

// CtasMethod selects how query results are written back to the database
// instead of being streamed to the caller.
type CtasMethod string

// CTAS methods.
const (
	CtasNone  CtasMethod = "NONE"
	CtasTable CtasMethod = "TABLE"
	CtasView  CtasMethod = "VIEW"
)

// Extra-JSON keys written by the pipeline.
const (
	ExtraAppliedLimit    = "applied_limit"
	ExtraCancelRequested = "cancel_requested"
	ExtraColumns         = "columns"
)

// Query is the durable record of one SQL submission and the unit of
// scheduling. ClientID is a caller-supplied idempotency key, unique per
// (UserID, SQLEditorID).
type Query struct {
	ID       int64
	ClientID string

	UserID      int64
	Username    string
	DatabaseID  int64
	Schema      string
	SQLEditorID string
	TabName     string

	SQL            string
	TemplateParams map[string]string
	QueryLimit     int // 0 means backend default

	CtasMethod   CtasMethod
	TmpTableName string
	SelectAsCTA  bool
	ExpandData   bool

	Status         QueryStatus
	Progress       int // 0..100
	Rows           *int64
	LimitingFactor LimitingFactor

	StartTime            *time.Time
	StartRunningTime     *time.Time
	EndTime              *time.Time
	EndResultBackendTime *time.Time

	ExecutedSQL  string
	ResultsKey   string // empty until stored
	TrackingURL  string
	ErrorMessage string
	Extra        map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CancelRequested reports whether the durable cancel flag is set.
func (q *Query) CancelRequested() bool {
	v, ok := q.Extra[ExtraCancelRequested].(bool)
	return ok && v
}

// QueryPatch lists the fields a single state transition may mutate. Nil
// members are left untouched; ExtraMerge entries are merged into the stored
// extra map.
type QueryPatch struct {
	Progress             *int
	Rows                 *int64
	LimitingFactor       *LimitingFactor
	ExecutedSQL          *string
	ResultsKey           *string
	TrackingURL          *string
	ErrorMessage         *string
	StartTime            *time.Time
	StartRunningTime     *time.Time
	EndTime              *time.Time
	EndResultBackendTime *time.Time
	ExtraMerge           map[string]any
}

// QueryFilter holds search parameters for operational inspection of queries.
type QueryFilter struct {
	UserID        *int64
	DatabaseID    *int64
	Status        *QueryStatus
	SQLEditorID   *string
	StartedBefore *time.Time
	Limit         int
}
