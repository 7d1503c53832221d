package dialect

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// classifySelectOnly reports whether every statement in sqlText is a plain
// SELECT. It parses with the PostgreSQL grammar; for SQL the grammar cannot
// parse (vendor syntax), it falls back to a conservative keyword scan.
func classifySelectOnly(sqlText string) (bool, error) {
	result, err := pg_query.Parse(sqlText)
	if err != nil {
		return keywordSelectOnly(sqlText), nil
	}
	if len(result.Stmts) == 0 {
		return false, nil
	}
	for _, stmt := range result.Stmts {
		if !selectOnlyNode(stmt.Stmt) {
			return false, nil
		}
	}
	return true, nil
}

func selectOnlyNode(node *pg_query.Node) bool {
	if node == nil {
		return false
	}
	sel, ok := node.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return false
	}
	// SELECT ... INTO writes a table.
	if sel.SelectStmt.GetIntoClause() != nil {
		return false
	}
	// Data-modifying CTEs disqualify the statement.
	if with := sel.SelectStmt.GetWithClause(); with != nil {
		for _, cte := range with.GetCtes() {
			common := cte.GetCommonTableExpr()
			if common == nil {
				continue
			}
			if _, ok := common.GetCtequery().GetNode().(*pg_query.Node_SelectStmt); !ok {
				return false
			}
		}
	}
	// UNION/INTERSECT arms are SelectStmts themselves and need no
	// separate handling.
	return true
}

// keywordSelectOnly is the fallback classifier: the first keyword of every
// semicolon-separated statement must be SELECT or WITH (and a WITH must not
// carry a data-modifying CTE keyword later on).
func keywordSelectOnly(sqlText string) bool {
	for _, stmt := range strings.Split(sqlText, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		upper := strings.ToUpper(stmt)
		switch {
		case strings.HasPrefix(upper, "SELECT"):
		case strings.HasPrefix(upper, "WITH"):
			for _, kw := range []string{"INSERT ", "UPDATE ", "DELETE ", "MERGE "} {
				if strings.Contains(upper, kw) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}
