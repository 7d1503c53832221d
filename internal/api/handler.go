// Package api exposes the query pipeline over HTTP. It is a thin facade:
// request decoding, identity extraction, and error mapping only.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sqllab/internal/domain"
	"sqllab/internal/service/query"
)

// QueryAPI is the slice of the query service the handler needs.
type QueryAPI interface {
	Submit(ctx context.Context, user query.Identity, sub query.Submission) (*domain.Query, error)
	Status(ctx context.Context, queryID int64) (*domain.Query, error)
	StatusByClientID(ctx context.Context, user query.Identity, sqlEditorID, clientID string) (*domain.Query, error)
	Results(ctx context.Context, queryID int64, fromRow, toRow int) (*domain.Page, error)
	Cancel(ctx context.Context, queryID int64) error
	List(ctx context.Context, filter domain.QueryFilter) ([]*domain.Query, error)
}

// Handler serves the query API.
type Handler struct {
	svc    QueryAPI
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc QueryAPI, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Router builds the chi router for the API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(submitRateLimit).Post("/query", h.submit)
		r.Get("/query/{queryID}", h.status)
		r.Get("/query/{queryID}/results", h.results)
		r.Post("/query/{queryID}/cancel", h.cancel)
		r.Get("/queries", h.list)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// identityFromRequest reads the authenticated user forwarded by the web
// layer. Authentication itself lives upstream.
func identityFromRequest(r *http.Request) query.Identity {
	user := query.Identity{UserID: 0, Username: "anonymous"}
	if raw := r.Header.Get("X-User-Id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			user.UserID = id
		}
	}
	if name := r.Header.Get("X-User-Name"); name != "" {
		user.Username = name
	}
	return user
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var sub query.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, domain.ErrValidation("invalid request body: %v", err))
		return
	}

	q, err := h.svc.Submit(r.Context(), identityFromRequest(r), sub)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !q.Status.Terminal() {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, queryResponse(q))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	q, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, queryResponse(q))
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	fromRow := intQuery(r, "from_row", 0)
	toRow := intQuery(r, "to_row", 0)

	page, err := h.svc.Results(r.Context(), id, fromRow, toRow)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := queryID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"acked": true})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := domain.QueryFilter{Limit: intQuery(r, "limit", 100)}
	user := identityFromRequest(r)
	if user.UserID != 0 {
		filter.UserID = &user.UserID
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.QueryStatus(raw)
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("sql_editor_id"); raw != "" {
		filter.SQLEditorID = &raw
	}

	queries, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, len(queries))
	for i, q := range queries {
		out[i] = queryResponse(q)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"result": out, "count": len(out)})
}

func queryID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "queryID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrValidation("invalid query id %q", raw)
	}
	return id, nil
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryResponse is the JSON shape of a query row. Timestamps are epoch
// milliseconds to match what the store keeps.
func queryResponse(q *domain.Query) map[string]any {
	resp := map[string]any{
		"id":              q.ID,
		"client_id":       q.ClientID,
		"database_id":     q.DatabaseID,
		"schema":          q.Schema,
		"sql_editor_id":   q.SQLEditorID,
		"tab_name":        q.TabName,
		"sql":             q.SQL,
		"executed_sql":    q.ExecutedSQL,
		"status":          q.Status,
		"progress":        q.Progress,
		"limiting_factor": q.LimitingFactor,
		"ctas_method":     q.CtasMethod,
		"expand_data":     q.ExpandData,
		"results_key":     q.ResultsKey,
		"tracking_url":    q.TrackingURL,
		"error_message":   q.ErrorMessage,
		"extra":           q.Extra,
	}
	if q.Rows != nil {
		resp["rows"] = *q.Rows
	}
	for name, t := range map[string]any{
		"start_time":              msOrNil(q.StartTime),
		"start_running_time":      msOrNil(q.StartRunningTime),
		"end_time":                msOrNil(q.EndTime),
		"end_result_backend_time": msOrNil(q.EndResultBackendTime),
	} {
		resp[name] = t
	}
	return resp
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFromDomainError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]any{"code": status, "message": err.Error()})
}
