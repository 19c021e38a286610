package dialect

import (
	"fmt"
	"regexp"
	"strings"
)

func init() {
	register(postgresProfile{})
}

type postgresProfile struct{}

func (postgresProfile) Name() string        { return "postgres" }
func (postgresProfile) DisplayName() string { return "PostgreSQL" }

func (postgresProfile) PaginationClause(n int) string {
	return fmt.Sprintf("LIMIT %d", n)
}

func (postgresProfile) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NormalizeIdentifier lowercases, matching how PostgreSQL folds unquoted
// identifiers into its catalogs.
func (postgresProfile) NormalizeIdentifier(name string) string {
	return strings.ToLower(name)
}

func (postgresProfile) BindRewrite() (*regexp.Regexp, string) {
	return nil, ""
}

func (postgresProfile) ReservedKeywords() []string {
	return []string{
		"ALL", "AND", "ANY", "AS", "ASC", "BETWEEN", "BY", "CASE", "CAST",
		"CHECK", "COLUMN", "DESC", "DISTINCT", "ELSE", "END", "EXCEPT",
		"FROM", "GROUP", "HAVING", "IN", "INTERSECT", "INTO", "JOIN",
		"LIMIT", "NOT", "NULL", "OFFSET", "ON", "OR", "ORDER", "SELECT",
		"TABLE", "THEN", "UNION", "USER", "WHEN", "WHERE", "WITH",
	}
}

func (postgresProfile) Documentation() string {
	return strings.TrimSpace(`
PostgreSQL notes:
- Pagination uses LIMIT n, optionally with OFFSET m.
- Unquoted identifiers fold to lowercase; quote with double quotes to preserve case.
- String concatenation uses ||; casts use CAST(x AS type) or x::type.
- Date truncation uses date_trunc('day', ts); intervals use '7 days'::interval.
- Set operations: UNION [ALL], INTERSECT, EXCEPT.
- Case-insensitive matching uses ILIKE.
`)
}

func (postgresProfile) Examples() []Example {
	return []Example{
		{
			Question: "How many rows are in each table grouping by a text column?",
			SQL:      "SELECT country, COUNT(*) AS count FROM customers GROUP BY country ORDER BY count DESC",
		},
		{
			Question: "Show the ten most recent orders",
			SQL:      "SELECT id, created_at, total FROM orders ORDER BY created_at DESC LIMIT 10",
		},
		{
			Question: "What is the monthly revenue trend this year?",
			SQL:      "SELECT date_trunc('month', created_at) AS month, SUM(total) AS revenue FROM orders WHERE created_at >= date_trunc('year', now()) GROUP BY month ORDER BY month",
		},
		{
			Question: "Which customers have no orders?",
			SQL:      "SELECT c.id, c.name FROM customers c LEFT JOIN orders o ON o.customer_id = c.id WHERE o.id IS NULL",
		},
	}
}

// Transpile is the identity for PostgreSQL: the canonical generation
// dialect is already PostgreSQL-shaped.
func (postgresProfile) Transpile(sql string) (string, error) {
	return sql, nil
}
