package api

import (
	"errors"
	"net/http"

	"sqllab/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var overloaded *domain.OverloadedError
	var expired *domain.ResultsExpiredError
	var illegal *domain.IllegalTransitionError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict), errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &overloaded):
		return http.StatusTooManyRequests
	case errors.As(err, &expired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
