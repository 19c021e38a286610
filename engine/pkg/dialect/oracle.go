package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/siftdata/sift/engine/pkg/sqltext"
)

func init() {
	register(oracleProfile{})
}

type oracleProfile struct{}

func (oracleProfile) Name() string        { return "oracle" }
func (oracleProfile) DisplayName() string { return "Oracle" }

func (oracleProfile) PaginationClause(n int) string {
	return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n)
}

func (oracleProfile) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NormalizeIdentifier uppercases, matching how Oracle stores unquoted
// identifiers in its data dictionary.
func (oracleProfile) NormalizeIdentifier(name string) string {
	return strings.ToUpper(name)
}

// BindRewrite matches :NAME bind markers. The generator rewrites them to
// quoted literals 'NAME' before validation; Oracle models tend to emit
// them despite being told not to.
var oracleBindPattern = regexp.MustCompile(`:([A-Za-z][A-Za-z0-9_]*)`)

func (oracleProfile) BindRewrite() (*regexp.Regexp, string) {
	return oracleBindPattern, `'$1'`
}

func (oracleProfile) ReservedKeywords() []string {
	return []string{
		"ACCESS", "ALL", "AND", "ANY", "AS", "ASC", "BETWEEN", "BY",
		"CASE", "CHECK", "COLUMN", "COMMENT", "DATE", "DESC", "DISTINCT",
		"ELSE", "END", "FROM", "GROUP", "HAVING", "IN", "INTERSECT",
		"INTO", "LEVEL", "MINUS", "MODE", "NOT", "NULL", "NUMBER", "ON",
		"OR", "ORDER", "ROWID", "ROWNUM", "SELECT", "SIZE", "TABLE",
		"THEN", "UID", "UNION", "USER", "WHEN", "WHERE", "WITH",
	}
}

func (oracleProfile) Documentation() string {
	return strings.TrimSpace(`
Oracle notes:
- Pagination uses FETCH FIRST n ROWS ONLY (12c+); never LIMIT.
- Unquoted identifiers are stored uppercase in the data dictionary.
- Set operations: UNION [ALL], INTERSECT, MINUS (not EXCEPT).
- String concatenation uses ||; SYSDATE is the current timestamp.
- Date arithmetic is numeric: SYSDATE - 7 means seven days ago.
- Do not emit :name bind variables; inline literal values instead.
- Empty string and NULL are the same value in VARCHAR2 columns.
`)
}

func (oracleProfile) Examples() []Example {
	return []Example{
		{
			Question: "Top 10 products by revenue",
			SQL:      "SELECT name, SUM(price * qty) AS revenue FROM products GROUP BY name ORDER BY revenue DESC FETCH FIRST 10 ROWS ONLY",
		},
		{
			Question: "How many orders were placed in the last week?",
			SQL:      "SELECT COUNT(*) AS order_count FROM orders WHERE created_at >= SYSDATE - 7",
		},
		{
			Question: "Average order value per customer segment",
			SQL:      "SELECT segment, AVG(total) AS avg_total FROM customers c JOIN orders o ON o.customer_id = c.id GROUP BY segment",
		},
	}
}

var (
	limitOffsetPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\s+OFFSET\s+(\d+)\b`)
	limitPattern       = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\b`)
	exceptPattern      = regexp.MustCompile(`(?i)\bEXCEPT\b`)
)

// Transpile rewrites PostgreSQL-shaped idioms into Oracle syntax:
// LIMIT n becomes FETCH FIRST n ROWS ONLY, LIMIT n OFFSET m becomes
// OFFSET m ROWS FETCH NEXT n ROWS ONLY, and EXCEPT becomes MINUS.
// Matching runs on a literal-masked copy so quoted text is never touched.
func (oracleProfile) Transpile(sql string) (string, error) {
	out, err := sqltext.RewriteMaskedFunc(sql, limitOffsetPattern, func(groups []string) (string, error) {
		n, err := strconv.Atoi(groups[1])
		if err != nil {
			return "", fmt.Errorf("limit transpile: %w", err)
		}
		m, err := strconv.Atoi(groups[2])
		if err != nil {
			return "", fmt.Errorf("offset transpile: %w", err)
		}
		return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", m, n), nil
	})
	if err != nil {
		return "", err
	}
	out, err = sqltext.RewriteMaskedFunc(out, limitPattern, func(groups []string) (string, error) {
		n, err := strconv.Atoi(groups[1])
		if err != nil {
			return "", fmt.Errorf("limit transpile: %w", err)
		}
		return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n), nil
	})
	if err != nil {
		return "", err
	}
	return sqltext.RewriteMaskedFunc(out, exceptPattern, func([]string) (string, error) {
		return "MINUS", nil
	})
}
