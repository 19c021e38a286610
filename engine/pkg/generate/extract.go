package generate

import (
	"regexp"
	"strings"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/sqltext"
)

var (
	// sqlVerb gates refusal detection: a response carrying none of these
	// anywhere cannot be a query. WITH is deliberately absent because it
	// is common English prose; a CTE always contains SELECT as well.
	sqlVerb = regexp.MustCompile(`(?i)\b(SELECT|VALUES)\b`)

	// sqlStartLine and sqlStart find where a statement begins in an
	// unfenced response.
	sqlStartLine = regexp.MustCompile(`(?im)^[ \t]*(SELECT|WITH|VALUES)\b`)
	sqlStart     = regexp.MustCompile(`(?i)\b(SELECT|WITH|VALUES)\b`)
)

// ExtractSQL pulls the SQL candidate out of a model response: the first
// ```sql fenced block if present, else the first plain ``` block, else
// the text from the first statement verb to the blank line separating it
// from trailing prose. Blank runs are collapsed and trailing semicolons
// stripped. ok is false when no SQL verb survives extraction, which
// callers surface as a refusal; a verb-bearing response is always treated
// as SQL and left to the validator.
func ExtractSQL(response string) (sql string, ok bool) {
	text := strings.TrimSpace(response)
	if text == "" {
		return "", false
	}

	block := fencedBlock(text, "```sql")
	if block == "" {
		block = fencedBlock(text, "```")
	}
	if block == "" {
		block = verbSlice(text)
	}

	block = sqltext.TrimStatement(sqltext.CollapseBlankLines(block))
	if block == "" || !sqlVerb.MatchString(block) {
		return "", false
	}
	return block, true
}

// fencedBlock returns the body of the first fence opened by marker. A
// missing closing fence takes the rest of the text; that is the normal
// shape when a stop sequence ended generation at the close.
func fencedBlock(text, marker string) string {
	start := strings.Index(text, marker)
	if start < 0 {
		return ""
	}
	body := text[start+len(marker):]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// verbSlice handles unfenced responses: take from the first line that
// starts with a statement verb (falling back to the first verb anywhere)
// up to the next blank line, where prose usually resumes.
func verbSlice(text string) string {
	loc := sqlStartLine.FindStringIndex(text)
	if loc == nil {
		loc = sqlStart.FindStringIndex(text)
	}
	if loc == nil {
		return ""
	}
	body := text[loc[0]:]
	if cut := strings.Index(body, "\n\n"); cut >= 0 {
		body = body[:cut]
	}
	return body
}

// RewriteBinds replaces bind markers the model emitted despite being told
// not to, using the profile's literal-aware rewrite. Profiles without a
// bind pattern pass the SQL through untouched.
func RewriteBinds(profile dialect.Profile, sql string) string {
	pattern, template := profile.BindRewrite()
	if pattern == nil {
		return sql
	}
	return sqltext.RewriteMasked(sql, pattern, template)
}
