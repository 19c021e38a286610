// Package validate is the safety gate between generation and execution.
// Four deterministic layers run in order: keyword deny-list, pattern
// deny-list, AST inspection, and dialect transpile. The first failure
// stops the chain with a rejection naming the layer; success returns the
// exact text the executor will run.
package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/sqltext"
)

// Config configures a Validator.
type Config struct {
	Logger  *slog.Logger
	Dialect dialect.Profile
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Dialect == nil {
		return fmt.Errorf("dialect profile is required")
	}
	return nil
}

// Validator screens candidate SQL for one dialect. Safe for concurrent
// use.
type Validator struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}
	return &Validator{cfg: cfg, log: cfg.Logger}, nil
}

// Validate runs the four layers against sql and returns the transformed
// statement. Failures return a *queryerr.Error of kind
// validation_rejected whose Layer names the layer that refused.
func (v *Validator) Validate(sql string) (string, error) {
	trimmed := sqltext.TrimStatement(sql)
	if trimmed == "" {
		return "", queryerr.Rejection(queryerr.LayerKeyword, "empty statement")
	}
	masked := sqltext.MaskLiterals(trimmed)

	if err := v.checkKeywords(masked); err != nil {
		return "", v.reject(err)
	}
	if err := v.checkPatterns(masked); err != nil {
		return "", v.reject(err)
	}
	deparsed, err := v.inspectAST(trimmed)
	if err != nil {
		return "", v.reject(err)
	}
	out, err := v.transpile(trimmed, deparsed)
	if err != nil {
		return "", v.reject(err)
	}
	return out, nil
}

func (v *Validator) reject(err error) error {
	if qe, ok := queryerr.As(err); ok {
		v.log.Warn("validate: rejected", "layer", string(qe.Layer), "reason", qe.Message)
	}
	return err
}

// deniedKeywords matches write and DDL verbs at token boundaries. The
// match runs on literal-masked text, so a quoted 'DELETE' never fires.
var deniedKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE|MERGE)\b`)

// oraclePackages matches Oracle's dangerous built-in package prefixes.
var oraclePackages = regexp.MustCompile(`(?i)\b(DBMS|UTL)_[A-Za-z0-9_]*`)

func (v *Validator) checkKeywords(masked string) error {
	if m := deniedKeywords.FindString(masked); m != "" {
		return queryerr.Rejection(queryerr.LayerKeyword, "forbidden keyword %s", strings.ToUpper(m))
	}
	if v.cfg.Dialect.Name() == dialect.Oracle {
		if m := oraclePackages.FindString(masked); m != "" {
			return queryerr.Rejection(queryerr.LayerKeyword, "forbidden package reference %s", strings.ToUpper(m))
		}
	}
	return nil
}

// denyPatterns are structural shapes that never appear in a legitimate
// single read-only statement. Matched on literal-masked text; a comment
// marker inside a string literal is allowed through.
var denyPatterns = []struct {
	reason  string
	pattern *regexp.Regexp
}{
	{"statement separator", regexp.MustCompile(`;`)},
	{"line comment", regexp.MustCompile(`--`)},
	{"block comment", regexp.MustCompile(`/\*`)},
	{"file export", regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`)},
	{"extended procedure", regexp.MustCompile(`(?i)\bxp_[A-Za-z0-9_]*`)},
	{"system catalog write", regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|TRUNCATE)\b[^;]{0,200}\b(pg_catalog|information_schema|pg_[a-z_]+|all_[a-z_]+|dba_[a-z_]+|system)\s*\.`)},
}

func (v *Validator) checkPatterns(masked string) error {
	for _, deny := range denyPatterns {
		if deny.pattern.MatchString(masked) {
			return queryerr.Rejection(queryerr.LayerPattern, "%s is not allowed", deny.reason)
		}
	}
	return nil
}

// transpile is layer 4. For PostgreSQL the deparsed parse tree is the
// output, canonicalizing whatever idiom the model used. Other dialects
// keep the original text (the deparser emits PostgreSQL syntax) and run
// the profile's textual rewrite rules over it.
func (v *Validator) transpile(original, deparsed string) (string, error) {
	source := deparsed
	if v.cfg.Dialect.Name() != dialect.Postgres {
		source = original
	}
	out, err := v.cfg.Dialect.Transpile(source)
	if err != nil {
		return "", queryerr.Rejection(queryerr.LayerTranspile, "transpile to %s failed: %v", v.cfg.Dialect.Name(), err)
	}
	return strings.TrimSpace(out), nil
}
