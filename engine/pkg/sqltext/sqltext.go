// Package sqltext provides literal-aware helpers for scanning SQL strings.
// Deny-list matching and bind rewriting must never fire inside string
// literals or quoted identifiers, so callers match against the masked form
// and edit the original at the same offsets.
package sqltext

import (
	"regexp"
	"strings"
)

// MaskLiterals returns a copy of sql with the contents of string literals,
// quoted identifiers, and dollar-quoted strings replaced by spaces. The
// result has the same byte length as the input, so regexp match offsets on
// the masked text are valid offsets into the original.
//
// Handled forms: '...' with '' escapes, "..." identifiers, and PostgreSQL
// dollar quoting ($$...$$ or $tag$...$tag$).
func MaskLiterals(sql string) string {
	out := []byte(sql)
	i := 0
	for i < len(sql) {
		switch sql[i] {
		case '\'':
			i = maskQuoted(out, sql, i, '\'')
		case '"':
			i = maskQuoted(out, sql, i, '"')
		case '$':
			if end, tag := dollarTag(sql, i); tag != "" {
				i = maskDollar(out, sql, i, end, tag)
			} else {
				i++
			}
		default:
			i++
		}
	}
	return string(out)
}

// maskQuoted blanks the body of a quoted region starting at start and
// returns the index just past the closing quote. Doubled quotes inside the
// region are treated as escapes. An unterminated region is masked to the
// end of the string.
func maskQuoted(out []byte, sql string, start int, quote byte) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				out[i] = ' '
				out[i+1] = ' '
				i += 2
				continue
			}
			return i + 1
		}
		out[i] = ' '
		i++
	}
	return i
}

// dollarTag reports whether a dollar-quote delimiter starts at i and
// returns the index just past it plus the full delimiter text.
func dollarTag(sql string, i int) (int, string) {
	j := i + 1
	for j < len(sql) && (isIdentChar(sql[j]) || sql[j] == '_') {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return j + 1, sql[i : j+1]
	}
	return 0, ""
}

func maskDollar(out []byte, sql string, start, bodyStart int, tag string) int {
	end := strings.Index(sql[bodyStart:], tag)
	if end < 0 {
		for i := bodyStart; i < len(sql); i++ {
			out[i] = ' '
		}
		return len(sql)
	}
	for i := bodyStart; i < bodyStart+end; i++ {
		out[i] = ' '
	}
	return bodyStart + end + len(tag)
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// CollapseBlankLines folds runs of blank lines down to a single blank line
// without touching content lines. String literals spanning lines are left
// intact because only fully blank lines are dropped.
func CollapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// TrimStatement trims surrounding whitespace and at most one trailing
// semicolon, repeatedly, so "SELECT 1 ;;" becomes "SELECT 1".
func TrimStatement(sql string) string {
	s := strings.TrimSpace(sql)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}

// RewriteMaskedFunc applies fn to every match of pattern found in the masked
// form of sql, splicing replacements into the original text at the matched
// offsets. Matches inside literals or quoted identifiers are invisible to
// the pattern. fn receives the submatch texts from the original string; an
// error from fn aborts the rewrite.
func RewriteMaskedFunc(sql string, pattern *regexp.Regexp, fn func(groups []string) (string, error)) (string, error) {
	masked := MaskLiterals(sql)
	matches := pattern.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		return sql, nil
	}
	var b strings.Builder
	b.Grow(len(sql))
	prev := 0
	for _, m := range matches {
		groups := make([]string, 0, len(m)/2)
		for i := 0; i < len(m); i += 2 {
			if m[i] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, sql[m[i]:m[i+1]])
		}
		repl, err := fn(groups)
		if err != nil {
			return "", err
		}
		b.WriteString(sql[prev:m[0]])
		b.WriteString(repl)
		prev = m[1]
	}
	b.WriteString(sql[prev:])
	return b.String(), nil
}

// RewriteMasked is RewriteMaskedFunc with a fixed expansion template using
// the $1, $2 group syntax of regexp.Expand. Because the masked form keeps
// the original byte length, match offsets are expanded directly against the
// original text.
func RewriteMasked(sql string, pattern *regexp.Regexp, template string) string {
	masked := MaskLiterals(sql)
	matches := pattern.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	prev := 0
	for _, m := range matches {
		b.WriteString(sql[prev:m[0]])
		b.Write(pattern.ExpandString(nil, template, sql, m))
		prev = m[1]
	}
	b.WriteString(sql[prev:])
	return b.String()
}
