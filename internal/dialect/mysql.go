package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"sqllab/internal/domain"
)

// MySQL runs against MySQL/MariaDB. Classification uses the vitess parser,
// which understands backtick quoting and MySQL-only syntax the generic
// classifier would refuse.
type MySQL struct {
	base
}

func (m *MySQL) Name() string       { return "mysql" }
func (m *MySQL) DriverName() string { return "mysql" }

func (m *MySQL) IsSelectOnly(sqlText string) (bool, error) {
	seen := false
	for _, piece := range strings.Split(sqlText, ";") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		seen = true
		stmt, err := sqlparser.Parse(piece)
		if err != nil {
			// Unparseable vendor syntax gets the conservative answer.
			if !keywordSelectOnly(piece) {
				return false, nil
			}
			continue
		}
		switch stmt.(type) {
		case *sqlparser.Select, *sqlparser.Union:
		default:
			return false, nil
		}
	}
	return seen, nil
}

// ApplyLimit reconciles through the vitess AST, falling back to the textual
// rewrite when the parser refuses the statement.
func (m *MySQL) ApplyLimit(sqlText string, userLimit, defaultLimit int) (string, int, domain.LimitingFactor, error) {
	stmt, err := sqlparser.Parse(sqlText)
	if err != nil {
		return applyLimitText(sqlText, userLimit, defaultLimit)
	}

	var lim **sqlparser.Limit
	switch s := stmt.(type) {
	case *sqlparser.Select:
		lim = &s.Limit
	case *sqlparser.Union:
		lim = &s.Limit
	default:
		return applyLimitText(sqlText, userLimit, defaultLimit)
	}

	existing, hasExisting := 0, false
	if *lim != nil {
		v, ok := (*lim).Rowcount.(*sqlparser.SQLVal)
		if !ok || v.Type != sqlparser.IntVal {
			// A parameterized row count governs and cannot be rewritten.
			return sqlText, 0, domain.LimitQuery, nil
		}
		n, convErr := strconv.Atoi(string(v.Val))
		if convErr != nil {
			return sqlText, 0, domain.LimitQuery, nil
		}
		existing, hasExisting = n, true
	}

	applied, factor := reconcileLimit(userLimit, existing, hasExisting, defaultLimit)
	if applied <= 0 {
		return sqlText, 0, factor, nil
	}
	if hasExisting && applied == existing {
		return sqlText, applied, factor, nil
	}

	rowcount := sqlparser.NewIntVal([]byte(strconv.Itoa(applied)))
	if *lim != nil {
		(*lim).Rowcount = rowcount
	} else {
		*lim = &sqlparser.Limit{Rowcount: rowcount}
	}
	return sqlparser.String(stmt), applied, factor, nil
}

// SessionID captures the connection id for KILL QUERY.
func (m *MySQL) SessionID(ctx context.Context, conn *sql.Conn, _ string) (string, bool) {
	var id string
	if err := conn.QueryRowContext(ctx, `SELECT CONNECTION_ID()`).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

// Cancel kills the statement (not the connection) running on the session.
// MySQL raises an error when the id is gone; that is treated as done.
func (m *MySQL) Cancel(ctx context.Context, db *sql.DB, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	for _, r := range sessionID {
		if r < '0' || r > '9' {
			return fmt.Errorf("malformed connection id %q", sessionID)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("KILL QUERY %s", sessionID)); err != nil {
		if strings.Contains(err.Error(), "Unknown thread id") {
			return nil
		}
		return fmt.Errorf("kill query: %w", err)
	}
	return nil
}

func (m *MySQL) SetReadOnly(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `SET SESSION TRANSACTION READ ONLY`)
	return err
}

func (m *MySQL) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
