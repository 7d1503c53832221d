package dialect

import (
	"context"
	"database/sql"
	"strings"

	"sqllab/internal/domain"
)

// base is the generic ANSI-ish adapter. Named variants embed it and
// override the hooks their backend actually supports.
type base struct {
	name   string
	driver string
}

func (b *base) Name() string       { return b.name }
func (b *base) DriverName() string { return b.driver }

func (b *base) IsSelectOnly(sqlText string) (bool, error) {
	return classifySelectOnly(sqlText)
}

func (b *base) ApplyLimit(sqlText string, userLimit, defaultLimit int) (string, int, domain.LimitingFactor, error) {
	if out, applied, factor, ok := applyLimitAST(sqlText, userLimit, defaultLimit); ok {
		return out, applied, factor, nil
	}
	return applyLimitText(sqlText, userLimit, defaultLimit)
}

func (b *base) WrapCTAS(sqlText, schema, table string, method domain.CtasMethod) (string, error) {
	return wrapCTAS(sqlText, schema, table, method)
}

func (b *base) SessionID(context.Context, *sql.Conn, string) (string, bool) {
	return "", false
}

func (b *base) Poll(context.Context, *sql.DB, string) (Progress, bool, error) {
	return Progress{}, false, nil
}

func (b *base) Cancel(context.Context, *sql.DB, string) error {
	// Context cancellation on the executing connection is the only lever.
	return nil
}

func (b *base) SetReadOnly(context.Context, *sql.Conn) error {
	return nil
}

func (b *base) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
