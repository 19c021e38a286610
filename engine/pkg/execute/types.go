// Package execute runs validated SQL against dialect-specific connections
// with a statement timeout and a bounded row materialization. Driver
// errors come back classified on the shared taxonomy so the correction
// loop can decide whether to retry.
package execute

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/schema"
)

const (
	DefaultRowLimit         = 10000
	DefaultStatementTimeout = 30 * time.Second
)

// ColumnDescriptor names one result column with its semantic type.
type ColumnDescriptor struct {
	Name string          `json:"name"`
	Type schema.DataType `json:"type"`
}

// QueryResult is a bounded, eagerly materialized result set. Rows keep
// server order; Truncated is true exactly when the row cap was hit.
type QueryResult struct {
	SQL       string             `json:"sql"`
	Columns   []ColumnDescriptor `json:"columns"`
	Rows      []map[string]any   `json:"rows"`
	RowCount  int                `json:"row_count"`
	Truncated bool               `json:"truncated"`
	Elapsed   time.Duration      `json:"elapsed"`
}

// Executor runs one validated statement. Implementations enforce the
// configured timeout and row cap and classify driver errors.
type Executor interface {
	Execute(ctx context.Context, sql string) (*QueryResult, error)
}

// Config is shared by all executors.
type Config struct {
	// RowLimit bounds materialization. Rows past the limit are dropped
	// and the result is flagged truncated.
	RowLimit int

	// StatementTimeout bounds one execution.
	StatementTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.RowLimit == 0 {
		c.RowLimit = DefaultRowLimit
	}
	if c.RowLimit < 0 {
		return fmt.Errorf("row limit must be positive")
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	if c.StatementTimeout < 0 {
		return fmt.Errorf("statement timeout must be positive")
	}
	return nil
}

// SanitizeValue normalizes one cell for JSON transport: non-finite
// floats become nil, byte slices become strings, times are pinned to
// UTC.
func SanitizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	default:
		return v
	}
}

// FormatValue renders one cell for tabular display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "NULL"
		}
		return fmt.Sprintf("%g", x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Format renders the result as readable text, capped at maxRows rows.
// The shape matches what gets posted into chat surfaces.
func (r *QueryResult) Format(maxRows int) string {
	if len(r.Rows) == 0 {
		return "Query returned no rows."
	}
	var sb strings.Builder

	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	sb.WriteString("Columns: " + strings.Join(names, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	shown := len(r.Rows)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}
	for _, row := range r.Rows[:shown] {
		vals := make([]string, len(names))
		for i, name := range names {
			vals[i] = FormatValue(row[name])
		}
		sb.WriteString(strings.Join(vals, " | ") + "\n")
	}
	if shown < len(r.Rows) {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", len(r.Rows)-shown))
	}
	if r.Truncated {
		sb.WriteString(fmt.Sprintf("(result truncated at %d rows)\n", r.RowCount))
	}
	return sb.String()
}
