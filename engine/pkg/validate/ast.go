package validate

import (
	"errors"
	"fmt"
	"regexp"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	pg_parser "github.com/pganalyze/pg_query_go/v6/parser"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/sqltext"
)

// forbiddenNodes maps parse-tree message names to the human name used in
// the rejection. The walk visits every node, so a write hidden inside a
// CTE or subquery is found even though the root is a SELECT.
var forbiddenNodes = map[string]string{
	"InsertStmt":        "INSERT",
	"UpdateStmt":        "UPDATE",
	"DeleteStmt":        "DELETE",
	"MergeStmt":         "MERGE",
	"DropStmt":          "DROP",
	"TruncateStmt":      "TRUNCATE",
	"AlterTableStmt":    "ALTER TABLE",
	"CreateStmt":        "CREATE TABLE",
	"CreateTableAsStmt": "CREATE TABLE AS",
	"GrantStmt":         "GRANT",
	"CopyStmt":          "COPY",
	"DoStmt":            "DO block",
	"CallStmt":          "CALL",
	"IntoClause":        "SELECT INTO",
	"LockingClause":     "row locking",
}

// inspectAST is layer 3: parse, require a single SELECT root, walk the
// whole tree for write nodes, and deparse as a second parser check. The
// deparsed text is returned for layer 4.
func (v *Validator) inspectAST(sql string) (string, error) {
	parseText := v.normalizeForParse(sql)

	result, err := pg_query.Parse(parseText)
	if err != nil {
		return "", queryerr.Rejection(queryerr.LayerAST, "parse failed: %s", parseMessage(err))
	}
	if n := len(result.Stmts); n != 1 {
		return "", queryerr.Rejection(queryerr.LayerAST, "expected exactly one statement, got %d", n)
	}
	stmt := result.Stmts[0].Stmt
	if stmt == nil || stmt.GetSelectStmt() == nil {
		return "", queryerr.Rejection(queryerr.LayerAST, "statement is not a SELECT")
	}
	if name := findForbidden(result.ProtoReflect()); name != "" {
		return "", queryerr.Rejection(queryerr.LayerAST, "%s found in parse tree", name)
	}

	deparsed, err := pg_query.Deparse(result)
	if err != nil {
		return "", queryerr.Rejection(queryerr.LayerAST, "deparse failed: %v", err)
	}
	return deparsed, nil
}

// parseRules map dialect-native idioms the parser does not know onto
// canonical equivalents: Oracle's MINUS, ClickHouse's bareword INTERVAL.
// Only the parse input is rewritten; layer 4 works from the original
// text, so the executed statement keeps its native form.
var parseRules = map[string][]parseRule{
	dialect.Oracle: {
		{regexp.MustCompile(`(?i)\bMINUS\b`), "EXCEPT"},
	},
	dialect.ClickHouse: {
		{regexp.MustCompile(`(?i)\bINTERVAL\s+(\d+)\s+(SECOND|MINUTE|HOUR|DAY|WEEK|MONTH|QUARTER|YEAR)S?\b`), "INTERVAL '$1 $2'"},
	},
}

type parseRule struct {
	pattern  *regexp.Regexp
	template string
}

func (v *Validator) normalizeForParse(sql string) string {
	rules := parseRules[v.cfg.Dialect.Name()]
	for _, rule := range rules {
		sql = sqltext.RewriteMasked(sql, rule.pattern, rule.template)
	}
	return sql
}

// findForbidden walks a parse-tree message recursively and returns the
// display name of the first forbidden node found, or "".
func findForbidden(msg protoreflect.Message) string {
	if name, ok := forbiddenNodes[string(msg.Descriptor().Name())]; ok {
		return name
	}
	var found string
	msg.Range(func(fd protoreflect.FieldDescriptor, val protoreflect.Value) bool {
		switch {
		case fd.IsList():
			if fd.Kind() != protoreflect.MessageKind {
				return true
			}
			list := val.List()
			for i := 0; i < list.Len(); i++ {
				if found = findForbidden(list.Get(i).Message()); found != "" {
					return false
				}
			}
		case fd.IsMap():
			return true
		case fd.Kind() == protoreflect.MessageKind:
			if found = findForbidden(val.Message()); found != "" {
				return false
			}
		}
		return true
	})
	return found
}

// parseMessage extracts the parser's own message from a pg_query error,
// dropping source-file noise.
func parseMessage(err error) string {
	var pqErr *pg_parser.Error
	if errors.As(err, &pqErr) {
		if pqErr.Cursorpos > 0 {
			return fmt.Sprintf("%s at position %d", pqErr.Message, pqErr.Cursorpos)
		}
		return pqErr.Message
	}
	return err.Error()
}
