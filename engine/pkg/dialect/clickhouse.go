package dialect

import (
	"fmt"
	"regexp"
	"strings"
)

func init() {
	register(clickhouseProfile{})
}

type clickhouseProfile struct{}

func (clickhouseProfile) Name() string        { return "clickhouse" }
func (clickhouseProfile) DisplayName() string { return "ClickHouse" }

func (clickhouseProfile) PaginationClause(n int) string {
	return fmt.Sprintf("LIMIT %d", n)
}

func (clickhouseProfile) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func (clickhouseProfile) NormalizeIdentifier(name string) string {
	return name
}

func (clickhouseProfile) BindRewrite() (*regexp.Regexp, string) {
	return nil, ""
}

func (clickhouseProfile) ReservedKeywords() []string {
	return []string{
		"ALL", "AND", "ARRAY", "AS", "ASC", "BETWEEN", "BY", "CASE",
		"DESC", "DISTINCT", "ELSE", "END", "FINAL", "FROM", "GLOBAL",
		"GROUP", "HAVING", "IN", "INTO", "JOIN", "LIMIT", "NOT", "NULL",
		"ON", "OR", "ORDER", "PREWHERE", "SAMPLE", "SELECT", "THEN",
		"UNION", "WHEN", "WHERE", "WITH",
	}
}

func (clickhouseProfile) Documentation() string {
	return strings.TrimSpace(`
ClickHouse notes:
- Pagination uses LIMIT n; LIMIT n BY expr limits per group.
- Identifiers are case-sensitive; quote with backticks when needed.
- Aggregate combinators exist: countIf, sumIf, uniqExact, avgIf.
- Date helpers: toStartOfDay, toStartOfMonth, toDate, now().
- Joins default to hash joins; prefer filtering before joining large tables.
- Set operations: UNION ALL / UNION DISTINCT, INTERSECT, EXCEPT.
`)
}

func (clickhouseProfile) Examples() []Example {
	return []Example{
		{
			Question: "Daily event counts for the last 30 days",
			SQL:      "SELECT toStartOfDay(event_time) AS day, COUNT(*) AS events FROM events WHERE event_time >= now() - INTERVAL 30 DAY GROUP BY day ORDER BY day",
		},
		{
			Question: "Unique users per country",
			SQL:      "SELECT country, uniqExact(user_id) AS users FROM sessions GROUP BY country ORDER BY users DESC",
		},
	}
}

// Transpile is the identity: ClickHouse accepts LIMIT and the canonical
// set operations directly.
func (clickhouseProfile) Transpile(sql string) (string, error) {
	return sql, nil
}
