package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/schema"
)

// RunSQLFunc executes one statement and returns column names, raw driver
// type names, and positional rows. It is the seam for databases reached
// through external tooling rather than a bundled driver, Oracle in
// particular.
type RunSQLFunc func(ctx context.Context, sql string) (columns []string, types []string, rows [][]any, err error)

// Catalog adapts the runner for schema introspection.
func (f RunSQLFunc) Catalog() schema.CatalogFunc {
	return func(ctx context.Context, query string) ([]string, [][]any, error) {
		cols, _, rows, err := f(ctx, query)
		return cols, rows, err
	}
}

// FuncExecutor wraps a RunSQLFunc with the timeout, row cap, and error
// classification the pipeline expects from every executor.
type FuncExecutor struct {
	run         RunSQLFunc
	dialectName string
	cfg         Config
}

func NewFuncExecutor(dialectName string, run RunSQLFunc, cfg Config) (*FuncExecutor, error) {
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}
	if _, err := dialect.Lookup(dialectName); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	return &FuncExecutor{run: run, dialectName: dialectName, cfg: cfg}, nil
}

func (e *FuncExecutor) Execute(ctx context.Context, sqlText string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	names, rawTypes, rows, err := e.run(ctx, sqlText)
	if err != nil {
		return nil, e.classify(err)
	}

	cols := make([]ColumnDescriptor, len(names))
	for i, name := range names {
		raw := ""
		if i < len(rawTypes) {
			raw = rawTypes[i]
		}
		cols[i] = ColumnDescriptor{Name: name, Type: schema.NormalizeTypeName(e.dialectName, raw)}
	}

	res := &QueryResult{SQL: sqlText, Columns: cols}
	for _, r := range rows {
		if len(res.Rows) == e.cfg.RowLimit {
			break
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if i < len(r) {
				row[c.Name] = SanitizeValue(r[i])
			}
		}
		res.Rows = append(res.Rows, row)
	}

	res.RowCount = len(res.Rows)
	res.Truncated = res.RowCount == e.cfg.RowLimit
	res.Elapsed = time.Since(start)
	return res, nil
}

func (e *FuncExecutor) classify(err error) error {
	if qe, ok := queryerr.As(err); ok {
		return qe
	}
	if e.dialectName == dialect.Oracle {
		if qe := queryerr.ClassifyOracle(err); qe != nil {
			return qe
		}
	}
	if qe := queryerr.ClassifyGeneric(err); qe != nil {
		return qe
	}
	return fmt.Errorf("%s execute: %w", e.dialectName, err)
}
