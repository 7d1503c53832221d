package dialect

import (
	"regexp"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"sqllab/internal/domain"
)

// outerLimitRe matches a trailing LIMIT clause (optionally with OFFSET and a
// trailing semicolon) at the end of a statement. Only the outermost LIMIT is
// eligible for reconciliation; nested limits belong to the query. Callers
// run it on comment-stripped text only.
var outerLimitRe = regexp.MustCompile(`(?is)\blimit\s+(\d+)(\s+offset\s+\d+)?\s*;?\s*$`)

// stripComments removes line and block comments so textual scans cannot
// match commented-out SQL. Block comments nest, as in PostgreSQL; quoted
// strings and quoted identifiers pass through untouched. The second return
// maps each output byte to its offset in the input.
func stripComments(sqlText string) (string, []int) {
	var b strings.Builder
	b.Grow(len(sqlText))
	pos := make([]int, 0, len(sqlText))
	emit := func(c byte, at int) {
		b.WriteByte(c)
		pos = append(pos, at)
	}

	for i := 0; i < len(sqlText); {
		c := sqlText[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			q := c
			emit(c, i)
			i++
			for i < len(sqlText) {
				emit(sqlText[i], i)
				if sqlText[i] == q {
					i++
					break
				}
				i++
			}
		case c == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			depth := 1
			i += 2
			for i < len(sqlText) && depth > 0 {
				switch {
				case i+1 < len(sqlText) && sqlText[i] == '/' && sqlText[i+1] == '*':
					depth++
					i += 2
				case i+1 < len(sqlText) && sqlText[i] == '*' && sqlText[i+1] == '/':
					depth--
					i += 2
				default:
					i++
				}
			}
			emit(' ', i-1)
		default:
			emit(c, i)
			i++
		}
	}
	return b.String(), pos
}

// parseOuterLimit extracts an existing outer LIMIT from the statement.
func parseOuterLimit(sqlText string) (int, bool) {
	cleaned, _ := stripComments(sqlText)
	m := outerLimitRe.FindStringSubmatch(cleaned)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyLimitAST reconciles through the PostgreSQL AST: parse, read the last
// statement's LIMIT, set it, deparse. ok=false means the grammar could not
// handle the statement and the caller should fall back to the textual path.
func applyLimitAST(sqlText string, userLimit, defaultLimit int) (string, int, domain.LimitingFactor, bool) {
	result, err := pg_query.Parse(sqlText)
	if err != nil || len(result.Stmts) == 0 {
		return "", 0, "", false
	}
	last := result.Stmts[len(result.Stmts)-1].Stmt
	selNode, ok := last.GetNode().(*pg_query.Node_SelectStmt)
	if !ok {
		return "", 0, "", false
	}
	sel := selNode.SelectStmt

	existing, hasExisting := 0, false
	if lc := sel.GetLimitCount(); lc != nil {
		ac, isConst := lc.GetNode().(*pg_query.Node_AConst)
		if !isConst {
			// LIMIT ALL or a parameter. The query's own clause governs and
			// rewriting it is not safe.
			return sqlText, 0, domain.LimitQuery, true
		}
		iv, isInt := ac.AConst.Val.(*pg_query.A_Const_Ival)
		if !isInt {
			return sqlText, 0, domain.LimitQuery, true
		}
		existing, hasExisting = int(iv.Ival.Ival), true
	}

	applied, factor := reconcileLimit(userLimit, existing, hasExisting, defaultLimit)
	if applied <= 0 {
		return sqlText, 0, factor, true
	}
	if hasExisting && applied == existing {
		return sqlText, applied, factor, true
	}

	sel.LimitCount = &pg_query.Node{Node: &pg_query.Node_AConst{
		AConst: &pg_query.A_Const{Val: &pg_query.A_Const_Ival{
			Ival: &pg_query.Integer{Ival: int32(applied)},
		}},
	}}
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT

	out, err := pg_query.Deparse(result)
	if err != nil {
		return "", 0, "", false
	}
	return out, applied, factor, true
}

// applyLimitText is the fallback rewrite for SQL no available grammar
// parses. Matching runs on comment-stripped text; the splice edits the
// original so hints and literals survive.
func applyLimitText(sqlText string, userLimit, defaultLimit int) (string, int, domain.LimitingFactor, error) {
	cleaned, pos := stripComments(sqlText)

	existing, hasExisting := 0, false
	m := outerLimitRe.FindStringSubmatchIndex(cleaned)
	if m != nil {
		if n, err := strconv.Atoi(cleaned[m[2]:m[3]]); err == nil {
			existing, hasExisting = n, true
		}
	}

	applied, factor := reconcileLimit(userLimit, existing, hasExisting, defaultLimit)
	if applied <= 0 {
		return sqlText, 0, factor, nil
	}

	if hasExisting {
		if applied == existing {
			return sqlText, applied, factor, nil
		}
		start, end := pos[m[2]], pos[m[3]-1]+1
		return sqlText[:start] + strconv.Itoa(applied) + sqlText[end:], applied, factor, nil
	}

	// Append after the last significant byte so a trailing comment or
	// semicolon cannot swallow the new clause.
	end := len(cleaned)
	for end > 0 {
		c := cleaned[end-1]
		if c == ';' || c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			end--
			continue
		}
		break
	}
	if end == 0 {
		return sqlText, 0, factor, nil
	}
	cut := pos[end-1] + 1
	return sqlText[:cut] + "\nLIMIT " + strconv.Itoa(applied), applied, factor, nil
}

// reconcileLimit applies the tie-break rules: the applied limit is the
// minimum of the user limit (0 means unset), the query's own outer LIMIT,
// and the configured default. The reported factor names which bound won;
// ties between user and query report both.
func reconcileLimit(userLimit, existing int, hasExisting bool, defaultLimit int) (int, domain.LimitingFactor) {
	applied := defaultLimit
	if userLimit > 0 && userLimit < applied {
		applied = userLimit
	}
	if hasExisting && existing < applied {
		applied = existing
	}

	fromUser := userLimit > 0 && applied == userLimit
	fromQuery := hasExisting && applied == existing

	switch {
	case fromUser && fromQuery:
		return applied, domain.LimitQueryAndDropdown
	case fromUser:
		return applied, domain.LimitDropdown
	case fromQuery:
		return applied, domain.LimitQuery
	default:
		return applied, domain.LimitNotLimited
	}
}
