package execute

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/schema"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultRowLimit, cfg.RowLimit)
	require.Equal(t, DefaultStatementTimeout, cfg.StatementTimeout)

	bad := Config{RowLimit: -1}
	require.Error(t, bad.Validate())
}

func staticRunner(n int) RunSQLFunc {
	return func(_ context.Context, _ string) ([]string, []string, [][]any, error) {
		rows := make([][]any, n)
		for i := range rows {
			rows[i] = []any{int64(i), fmt.Sprintf("row-%d", i)}
		}
		return []string{"id", "label"}, []string{"NUMBER", "VARCHAR2"}, rows, nil
	}
}

func TestFuncExecutorRowCap(t *testing.T) {
	cases := []struct {
		name      string
		rows      int
		limit     int
		want      int
		truncated bool
	}{
		{"under the cap", 5, 10, 5, false},
		{"exactly the cap", 10, 10, 10, true},
		{"over the cap", 25, 10, 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewFuncExecutor("oracle", staticRunner(tc.rows), Config{RowLimit: tc.limit})
			require.NoError(t, err)

			res, err := e.Execute(context.Background(), "SELECT id, label FROM t")
			require.NoError(t, err)
			require.Len(t, res.Rows, tc.want)
			require.Equal(t, tc.want, res.RowCount)
			require.Equal(t, tc.truncated, res.Truncated)
		})
	}
}

func TestFuncExecutorColumnTypes(t *testing.T) {
	e, err := NewFuncExecutor("oracle", staticRunner(1), Config{})
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), "SELECT id, label FROM t")
	require.NoError(t, err)
	require.Equal(t, []ColumnDescriptor{
		{Name: "id", Type: schema.TypeDecimal},
		{Name: "label", Type: schema.TypeText},
	}, res.Columns)
	require.Equal(t, int64(0), res.Rows[0]["id"])
	require.Equal(t, "row-0", res.Rows[0]["label"])
}

func TestFuncExecutorClassifiesOracleErrors(t *testing.T) {
	run := func(_ context.Context, _ string) ([]string, []string, [][]any, error) {
		return nil, nil, nil, fmt.Errorf(`ORA-00904: "FOO": invalid identifier`)
	}
	e, err := NewFuncExecutor("oracle", run, Config{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "SELECT foo FROM t")
	qe, ok := queryerr.As(err)
	require.True(t, ok, "expected a classified error, got %v", err)
	require.Equal(t, queryerr.KindUnknownIdentifier, qe.Kind)
}

func TestFuncExecutorTimeout(t *testing.T) {
	run := func(ctx context.Context, _ string) ([]string, []string, [][]any, error) {
		<-ctx.Done()
		return nil, nil, nil, ctx.Err()
	}
	e, err := NewFuncExecutor("postgres", run, Config{StatementTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "SELECT pg_sleep(60)")
	qe, ok := queryerr.As(err)
	require.True(t, ok, "expected a classified error, got %v", err)
	require.Equal(t, queryerr.KindTimeout, qe.Kind)
}

func TestFuncExecutorRejectsUnknownDialect(t *testing.T) {
	_, err := NewFuncExecutor("mongodb", staticRunner(1), Config{})
	require.Error(t, err)
}

func TestSanitizeValue(t *testing.T) {
	require.Nil(t, SanitizeValue(math.NaN()))
	require.Nil(t, SanitizeValue(math.Inf(1)))
	require.Nil(t, SanitizeValue(float32(math.Inf(-1))))
	require.Equal(t, 1.5, SanitizeValue(1.5))
	require.Equal(t, "bytes", SanitizeValue([]byte("bytes")))

	loc := time.FixedZone("UTC+5", 5*3600)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	got, ok := SanitizeValue(ts).(time.Time)
	require.True(t, ok)
	require.Equal(t, time.UTC, got.Location())

	var nilTime *time.Time
	require.Nil(t, SanitizeValue(nilTime))
}

func TestFormat(t *testing.T) {
	empty := &QueryResult{}
	require.Equal(t, "Query returned no rows.", empty.Format(50))

	res := &QueryResult{
		Columns: []ColumnDescriptor{{Name: "region"}, {Name: "total"}},
		Rows: []map[string]any{
			{"region": "east", "total": int64(12)},
			{"region": "west", "total": int64(7)},
			{"region": "north", "total": nil},
		},
		RowCount: 3,
	}
	out := res.Format(2)
	require.Contains(t, out, "Columns: region | total")
	require.Contains(t, out, "east | 12")
	require.Contains(t, out, "... and 1 more rows")
	require.NotContains(t, out, "north")

	res.Truncated = true
	out = res.Format(50)
	require.Contains(t, out, "north | NULL")
	require.Contains(t, out, "(result truncated at 3 rows)")
	require.Equal(t, 1, strings.Count(out, "NULL"))
}

func TestPGTypeFromOID(t *testing.T) {
	require.Equal(t, schema.TypeInteger, pgTypeFromOID(pgtype.Int8OID))
	require.Equal(t, schema.TypeDecimal, pgTypeFromOID(pgtype.NumericOID))
	require.Equal(t, schema.TypeTimestamp, pgTypeFromOID(pgtype.TimestamptzOID))
	require.Equal(t, schema.TypeBoolean, pgTypeFromOID(pgtype.BoolOID))
	require.Equal(t, schema.TypeJSON, pgTypeFromOID(pgtype.JSONBOID))
	require.Equal(t, schema.TypeText, pgTypeFromOID(pgtype.TextOID))
	require.Equal(t, schema.TypeText, pgTypeFromOID(999999))
}

func TestRunSQLFuncCatalogAdapter(t *testing.T) {
	run := RunSQLFunc(func(_ context.Context, q string) ([]string, []string, [][]any, error) {
		require.Contains(t, q, "ALL_TABLES")
		return []string{"TABLE_NAME"}, []string{"VARCHAR2"}, [][]any{{"ORDERS"}}, nil
	})
	cols, rows, err := run.Catalog()(context.Background(), "SELECT TABLE_NAME FROM ALL_TABLES")
	require.NoError(t, err)
	require.Equal(t, []string{"TABLE_NAME"}, cols)
	require.Equal(t, [][]any{{"ORDERS"}}, rows)
}
