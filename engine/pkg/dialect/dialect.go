// Package dialect defines per-database SQL profiles: pagination syntax,
// identifier rules, bind-marker shape, reserved words, idiomatic example
// queries, and the textual transpile rules applied after AST validation.
package dialect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Registry keys for the built-in profiles.
const (
	Postgres   = "postgres"
	Oracle     = "oracle"
	ClickHouse = "clickhouse"
)

// Example pairs a natural-language question with its idiomatic SQL answer.
// Profiles ship a small set of these; the trainer ingests them as
// question-to-SQL retrieval items.
type Example struct {
	Question string
	SQL      string
}

// Profile describes one SQL dialect. Profiles are immutable value objects;
// all methods are safe for concurrent use.
type Profile interface {
	// Name returns the registry key, e.g. "postgres".
	Name() string

	// DisplayName returns the name used when addressing the model,
	// e.g. "PostgreSQL".
	DisplayName() string

	// PaginationClause returns the literal clause that limits a result to
	// n rows in this dialect.
	PaginationClause(n int) string

	// QuoteIdentifier quotes a single identifier for this dialect.
	QuoteIdentifier(name string) string

	// NormalizeIdentifier folds an unquoted identifier to the case the
	// dialect's catalog stores it in.
	NormalizeIdentifier(name string) string

	// BindRewrite returns the dialect's bind-marker pattern and the
	// replacement template the generator applies before validation.
	// A nil pattern means the dialect needs no rewrite.
	BindRewrite() (*regexp.Regexp, string)

	// ReservedKeywords returns words that must be quoted when used as
	// identifiers.
	ReservedKeywords() []string

	// Documentation returns free text describing the dialect's quirks,
	// ingested into retrieval context by the trainer.
	Documentation() string

	// Examples returns the dialect's idiomatic question/SQL pairs.
	Examples() []Example

	// Transpile rewrites validated canonical SQL into this dialect's
	// syntax. The input has already passed AST inspection; rewrites are
	// textual and literal-aware. Transpiling already-native text is a
	// no-op.
	Transpile(sql string) (string, error)
}

var profiles = map[string]Profile{}

func register(p Profile) {
	profiles[p.Name()] = p
}

// Lookup returns the profile registered under name. Unknown names fail with
// an error listing the supported dialects.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names returns the registered dialect names in sorted order.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsReserved reports whether word is a reserved keyword of p,
// case-insensitively.
func IsReserved(p Profile, word string) bool {
	upper := strings.ToUpper(word)
	for _, kw := range p.ReservedKeywords() {
		if kw == upper {
			return true
		}
	}
	return false
}
