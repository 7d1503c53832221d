// Package query implements the submission pipeline's public surface: payload
// validation, sync/async dispatch, and the in-process query API consumed by
// the web layer.
package query

import (
	"encoding/json"
	"strings"

	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

// Identity names the submitting user. It comes from the web layer's
// authentication, never from the payload.
type Identity struct {
	UserID   int64
	Username string
}

// Submission is the wire payload accepted by Submit.
type Submission struct {
	DatabaseID  int64  `json:"database_id"`
	SQL         string `json:"sql"`
	ClientID    string `json:"client_id,omitempty"`
	QueryLimit  int    `json:"queryLimit,omitempty"`
	SQLEditorID string `json:"sql_editor_id,omitempty"`
	Schema      string `json:"schema,omitempty"`
	TabName     string `json:"tab_name,omitempty"`

	CtasMethod   string `json:"ctas_method,omitempty"`
	TmpTableName string `json:"tmp_table_name,omitempty"`
	SelectAsCTA  bool   `json:"select_as_cta,omitempty"`

	// TemplateParams is a JSON object serialized as a string, matching how
	// editor frontends ship it.
	TemplateParams string `json:"templateParams,omitempty"`

	RunAsync   bool `json:"runAsync,omitempty"`
	ExpandData bool `json:"expand_data,omitempty"`
}

// toQuery validates the payload against the database record and builds the
// initial Query row. All failures are validation errors; no row exists yet.
func (s *Submission) toQuery(user Identity, record *domain.Database) (*domain.Query, error) {
	if strings.TrimSpace(s.SQL) == "" {
		return nil, domain.ErrValidation("sql is required")
	}
	if s.QueryLimit < 0 {
		return nil, domain.ErrValidation("queryLimit must be >= 0")
	}

	method, err := s.ctasMethod()
	if err != nil {
		return nil, err
	}
	if method != domain.CtasNone {
		if s.TmpTableName == "" {
			return nil, domain.ErrValidation("tmp_table_name is required for %s", method)
		}
		if !dialect.ValidIdentifier(s.TmpTableName) {
			return nil, domain.ErrValidation("tmp_table_name must be a simple identifier")
		}
		if !record.CTASAllowed(method) {
			return nil, domain.ErrValidation("%s is not enabled on database %q", method, record.Name)
		}
	}

	params, err := s.templateParams()
	if err != nil {
		return nil, err
	}

	return &domain.Query{
		ClientID:       s.ClientID,
		UserID:         user.UserID,
		Username:       user.Username,
		DatabaseID:     record.ID,
		Schema:         s.Schema,
		SQLEditorID:    s.SQLEditorID,
		TabName:        s.TabName,
		SQL:            s.SQL,
		TemplateParams: params,
		QueryLimit:     s.QueryLimit,
		CtasMethod:     method,
		TmpTableName:   s.TmpTableName,
		SelectAsCTA:    method == domain.CtasTable,
		ExpandData:     s.ExpandData,
		Status:         domain.StatusPending,
	}, nil
}

// ctasMethod resolves the requested method: select_as_cta implies TABLE
// unless an explicit method overrides it.
func (s *Submission) ctasMethod() (domain.CtasMethod, error) {
	raw := strings.ToUpper(strings.TrimSpace(s.CtasMethod))
	if raw == "" {
		if s.SelectAsCTA {
			return domain.CtasTable, nil
		}
		return domain.CtasNone, nil
	}
	switch domain.CtasMethod(raw) {
	case domain.CtasNone, domain.CtasTable, domain.CtasView:
		return domain.CtasMethod(raw), nil
	}
	return "", domain.ErrValidation("unknown ctas_method %q", s.CtasMethod)
}

func (s *Submission) templateParams() (map[string]string, error) {
	if strings.TrimSpace(s.TemplateParams) == "" {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(s.TemplateParams), &params); err != nil {
		return nil, domain.ErrValidation("templateParams must be a JSON object of strings: %v", err)
	}
	return params, nil
}
