package dialect

import (
	"fmt"
	"regexp"
	"strings"

	"sqllab/internal/domain"
)

// simpleIdentRe restricts CTAS destination names to simple identifiers.
var simpleIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a plain unqualified identifier.
func ValidIdentifier(name string) bool {
	return simpleIdentRe.MatchString(name)
}

// wrapCTAS builds the CREATE TABLE/VIEW ... AS text shared by all dialects.
// The destination table must be a simple identifier; schema may be empty.
func wrapCTAS(sqlText, schema, table string, method domain.CtasMethod) (string, error) {
	if !ValidIdentifier(table) {
		return "", domain.ErrValidation("invalid CTAS table name %q", table)
	}
	var kind string
	switch method {
	case domain.CtasTable:
		kind = "TABLE"
	case domain.CtasView:
		kind = "VIEW"
	default:
		return "", domain.ErrValidation("unsupported CTAS method %q", method)
	}

	// Names are validated simple identifiers, so no quoting is needed and
	// the emitted DDL stays readable in query history.
	dest := table
	if schema != "" {
		if !ValidIdentifier(schema) {
			return "", domain.ErrValidation("invalid CTAS schema %q", schema)
		}
		dest = schema + "." + dest
	}

	body := strings.TrimRight(strings.TrimSpace(sqlText), ";")
	return fmt.Sprintf("CREATE %s %s AS\n%s", kind, dest, body), nil
}
