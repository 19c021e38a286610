package trainer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/engine/pkg/vector"
)

type categoricalCandidate struct {
	table  string
	column string
}

// skipSuffixes mark column names that look like identifiers, timestamps,
// or payloads rather than categories.
var skipSuffixes = []string{"_id", "_key", "_at", "_date", "_time", "_hash", "_uuid", "_url", "_json"}

// isCategorical reports whether a column is worth a DISTINCT probe: a
// free-text column that is not a key and not named like one.
func isCategorical(col schema.Column) bool {
	if col.DataType != schema.TypeText {
		return false
	}
	if col.IsPK || col.IsFK {
		return false
	}
	name := strings.ToLower(col.Name)
	if name == "id" || name == "uuid" || name == "name" || name == "description" {
		return false
	}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

// categoricalCandidates walks tables in order and collects at most limit
// probe candidates, so the per-schema column cap also bounds the number
// of DISTINCT queries issued.
func categoricalCandidates(tables []schema.Table, limit int) []categoricalCandidate {
	var out []categoricalCandidate
	for _, table := range tables {
		for _, col := range table.Columns {
			if len(out) == limit {
				return out
			}
			if !isCategorical(col) {
				continue
			}
			out = append(out, categoricalCandidate{table: table.Name, column: col.Name})
		}
	}
	return out
}

// sampleCategoricalValues probes each candidate column with a bounded
// DISTINCT query and returns one doc item per low-cardinality column.
// Probes run on the worker pool; a probe that fails, times out, or finds
// too many distinct values drops its column. Sampling is additive
// context, never a reason to fail the training run.
func (t *Trainer) sampleCategoricalValues(ctx context.Context, sampler execute.Executor, profile dialect.Profile, tables []schema.Table) ([]vector.Item, error) {
	candidates := categoricalCandidates(tables, t.cfg.MaxCategoricalColumns)
	if len(candidates) == 0 {
		return nil, nil
	}

	group := t.pool.NewGroup()
	for _, cand := range candidates {
		group.SubmitErr(func() ([]vector.Item, error) {
			item, ok := t.sampleColumn(ctx, sampler, profile, cand)
			if !ok {
				return nil, nil
			}
			return []vector.Item{item}, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("categorical sampling: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var items []vector.Item
	for _, r := range results {
		items = append(items, r...)
	}
	t.log.Debug("trainer: categorical sampling done", "candidates", len(candidates), "kept", len(items))
	return items, nil
}

func (t *Trainer) sampleColumn(ctx context.Context, sampler execute.Executor, profile dialect.Profile, cand categoricalCandidate) (vector.Item, bool) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.SampleTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL %s",
		profile.QuoteIdentifier(cand.column),
		profile.QuoteIdentifier(cand.table),
		profile.QuoteIdentifier(cand.column),
		profile.PaginationClause(t.cfg.MaxValues+1))

	res, err := sampler.Execute(ctx, query)
	if err != nil {
		t.log.Debug("trainer: categorical probe failed", "table", cand.table, "column", cand.column, "error", err)
		return vector.Item{}, false
	}
	if res.RowCount == 0 || res.RowCount > t.cfg.MaxValues {
		return vector.Item{}, false
	}

	key := cand.column
	if len(res.Columns) > 0 {
		key = res.Columns[0].Name
	}
	values := make([]string, 0, res.RowCount)
	for _, row := range res.Rows {
		v := row[key]
		if v == nil {
			continue
		}
		values = append(values, fmt.Sprintf("%v", v))
	}
	if len(values) == 0 {
		return vector.Item{}, false
	}
	sort.Strings(values)

	return vector.Item{
		ID:   fmt.Sprintf("values:%s.%s", cand.table, cand.column),
		Kind: vector.KindDoc,
		Text: fmt.Sprintf("Column %s.%s holds categorical values: %s", cand.table, cand.column, strings.Join(values, ", ")),
		Metadata: map[string]string{
			"topic":  "values",
			"table":  cand.table,
			"column": cand.column,
		},
	}, true
}
