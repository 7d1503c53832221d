// Package sqltemplate renders {{ ... }} placeholders in submitted SQL
// inside a closed sandbox: the only names visible are the submission's
// template params and a fixed helper set.
package sqltemplate

import (
	"strings"
	"text/template"

	"sqllab/internal/domain"
)

// Context carries the deterministic inputs available to one rendering.
// FilterValues maps a filter name to its selected values; it is resolved
// before execution so helpers never reach out of the sandbox.
type Context struct {
	UserID       int64
	Username     string
	Params       map[string]string
	FilterValues map[string][]string
}

// Render substitutes params and helpers into sqlText. Params are addressed
// as {{ .name }}; helpers as {{ current_user_id }}, {{ current_username }}
// and {{ filter_values "name" }}. Any reference outside this set fails with
// *TemplateError.
func Render(sqlText string, tc Context) (string, error) {
	if !strings.Contains(sqlText, "{{") {
		return sqlText, nil
	}

	funcs := template.FuncMap{
		"current_user_id":  func() int64 { return tc.UserID },
		"current_username": func() string { return tc.Username },
		"filter_values": func(name string) (string, error) {
			values, ok := tc.FilterValues[name]
			if !ok {
				return "", domain.ErrTemplate("unknown filter %q", name)
			}
			quoted := make([]string, len(values))
			for i, v := range values {
				quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
			}
			return strings.Join(quoted, ", "), nil
		},
	}

	tmpl, err := template.New("sql").Funcs(funcs).Option("missingkey=error").Parse(sqlText)
	if err != nil {
		return "", domain.ErrTemplate("parse template: %v", err)
	}

	params := tc.Params
	if params == nil {
		params = map[string]string{}
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, params); err != nil {
		return "", domain.ErrTemplate("render template: %v", err)
	}
	return out.String(), nil
}
