package chart

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/schema"
)

type role int

const (
	roleOther role = iota
	roleNumeric
	roleTemporal
	roleCategorical
)

// column is the inferred profile of one result column.
type column struct {
	name        string
	role        role
	cardinality int
	numbers     []float64
}

// temporalNames are column names that mark a time axis even when the
// driver reports text or integers, as GROUP BY date_trunc aliases do.
var temporalNames = map[string]bool{
	"date": true, "day": true, "week": true, "month": true, "year": true,
	"quarter": true, "hour": true, "minute": true, "time": true,
	"timestamp": true, "period": true,
}

var temporalSuffixes = []string{"_at", "_date", "_time"}

// profileColumns infers each column's role and cardinality from the
// descriptor types and the materialized rows. Temporal wins over numeric
// so an integer "year" column still forms a time axis.
func profileColumns(result *execute.QueryResult) []column {
	cols := make([]column, 0, len(result.Columns))
	for _, desc := range result.Columns {
		col := column{name: desc.Name}
		values := make([]any, 0, len(result.Rows))
		for _, row := range result.Rows {
			if v := row[desc.Name]; v != nil {
				values = append(values, v)
			}
		}
		col.cardinality = distinct(values)

		switch {
		case isTemporal(desc, values):
			col.role = roleTemporal
		case desc.Type.Numeric() || allNumbers(values):
			col.role = roleNumeric
			for _, v := range values {
				if f, ok := toFloat(v); ok {
					col.numbers = append(col.numbers, f)
				}
			}
		case desc.Type == schema.TypeText || desc.Type == schema.TypeBoolean:
			col.role = roleCategorical
		default:
			col.role = roleOther
		}
		cols = append(cols, col)
	}
	return cols
}

func isTemporal(desc execute.ColumnDescriptor, values []any) bool {
	if desc.Type == schema.TypeTimestamp {
		return true
	}
	if len(values) > 0 {
		if _, ok := values[0].(time.Time); ok {
			return true
		}
	}
	name := strings.ToLower(desc.Name)
	if temporalNames[name] {
		return true
	}
	for _, suffix := range temporalSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func allNumbers(values []any) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if _, ok := toFloat(v); !ok {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

func distinct(values []any) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[fmt.Sprintf("%v", v)] = struct{}{}
	}
	return len(seen)
}

func filterRole(cols []column, r role) []column {
	var out []column
	for _, c := range cols {
		if c.role == r {
			out = append(out, c)
		}
	}
	return out
}

func names(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.name
	}
	return out
}

// skewed reports whether the sample holds a point beyond three standard
// deviations of the mean. Too few points never count as skewed.
func skewed(values []float64) bool {
	if len(values) < 8 {
		return false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(variance / float64(len(values)))
	if sd == 0 {
		return false
	}
	for _, v := range values {
		if math.Abs(v-mean) > 3*sd {
			return true
		}
	}
	return false
}
