// Package repository implements domain store interfaces using SQLite.
package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sqllab/internal/domain"
)

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

// transient reports whether a store error is worth retrying. Domain errors
// and constraint violations are permanent.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var nf *domain.NotFoundError
	var cf *domain.ConflictError
	var it *domain.IllegalTransitionError
	if errors.As(err, &nf) || errors.As(err, &cf) || errors.As(err, &it) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// storeBackoff returns the retry policy for transient store errors:
// 50ms, 200ms, 800ms, then give up.
func storeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 4
	b.RandomizationFactor = 0
	b.MaxInterval = 800 * time.Millisecond
	return backoff.WithMaxRetries(b, 3)
}

// withRetry runs op under the store backoff policy, treating non-transient
// errors as permanent.
func withRetry(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, storeBackoff())
}

func msToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

func timeToMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
