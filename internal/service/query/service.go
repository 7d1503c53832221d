package query

import (
	"context"
	"errors"
	"log/slog"

	"sqllab/internal/domain"
	"sqllab/internal/results"
)

// Service is the in-process query API the web layer talks to. All
// operations are short; long database I/O happens in the workers.
type Service struct {
	dispatcher *Dispatcher
	store      domain.QueryStore
	backend    domain.ResultsBackend
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(dispatcher *Dispatcher, store domain.QueryStore, backend domain.ResultsBackend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dispatcher: dispatcher, store: store, backend: backend, logger: logger}
}

// Submit validates and routes a submission.
func (s *Service) Submit(ctx context.Context, user Identity, sub Submission) (*domain.Query, error) {
	return s.dispatcher.Submit(ctx, user, sub)
}

// Status returns the query row by id.
func (s *Service) Status(ctx context.Context, queryID int64) (*domain.Query, error) {
	return s.store.Get(ctx, queryID)
}

// StatusByClientID returns the query row for an idempotency key.
func (s *Service) StatusByClientID(ctx context.Context, user Identity, sqlEditorID, clientID string) (*domain.Query, error) {
	return s.store.GetByClientID(ctx, user.UserID, sqlEditorID, clientID)
}

// Results returns a row window over the stored result blob. The query must
// be in SUCCESS; an evicted blob reports ResultsExpiredError so the caller
// can resubmit.
func (s *Service) Results(ctx context.Context, queryID int64, fromRow, toRow int) (*domain.Page, error) {
	q, err := s.store.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.StatusSuccess {
		return nil, domain.ErrValidation("query %d is %s, results require SUCCESS", queryID, q.Status)
	}
	if q.ResultsKey == "" {
		return nil, domain.ErrValidation("query %d produced no result blob", queryID)
	}

	payload, err := s.backend.Load(ctx, q.ResultsKey)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.ResultsExpiredError{Key: q.ResultsKey}
		}
		return nil, err
	}
	rs, err := results.Decode(payload)
	if err != nil {
		return nil, err
	}

	if fromRow < 0 {
		fromRow = 0
	}
	if toRow <= 0 || toRow > rs.RowCount {
		toRow = rs.RowCount
	}
	if fromRow > toRow {
		fromRow = toRow
	}

	return &domain.Page{
		Schema:          rs.Schema,
		Rows:            rs.Rows[fromRow:toRow],
		FromRow:         fromRow,
		ToRow:           toRow,
		TotalRows:       rs.RowCount,
		Truncated:       rs.Truncated,
		ExpandedColumns: rs.ExpandedColumns,
	}, nil
}

// Cancel requests cancellation.
func (s *Service) Cancel(ctx context.Context, queryID int64) error {
	return s.dispatcher.Cancel(ctx, queryID)
}

// List searches query history for operational inspection, newest first.
func (s *Service) List(ctx context.Context, filter domain.QueryFilter) ([]*domain.Query, error) {
	return s.store.Search(ctx, filter)
}

// ListActive returns the caller's in-flight queries.
func (s *Service) ListActive(ctx context.Context, user Identity, limit int) ([]*domain.Query, error) {
	return s.store.ListActive(ctx, &user.UserID, limit)
}
