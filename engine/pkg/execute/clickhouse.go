package execute

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/schema"
)

// CHExecutor runs statements over the native ClickHouse protocol.
type CHExecutor struct {
	conn driver.Conn
	cfg  Config
}

func NewCHExecutor(conn driver.Conn, cfg Config) (*CHExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	return &CHExecutor{conn: conn, cfg: cfg}, nil
}

// NewCHConn opens a native connection for the given coordinates and
// verifies it with a ping.
func NewCHConn(ctx context.Context, cc schema.ConnectionConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cc.Host, cc.Port)},
		Auth: clickhouse.Auth{
			Database: cc.Database,
			Username: cc.User,
			Password: cc.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (e *CHExecutor) Execute(ctx context.Context, sqlText string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	rows, err := e.conn.Query(ctx, sqlText)
	if err != nil {
		return nil, classifyCH(err)
	}
	defer rows.Close()

	names := rows.Columns()
	types := rows.ColumnTypes()
	cols := make([]ColumnDescriptor, len(names))
	for i, name := range names {
		cols[i] = ColumnDescriptor{
			Name: name,
			Type: schema.NormalizeTypeName(dialect.ClickHouse, types[i].DatabaseTypeName()),
		}
	}

	res := &QueryResult{SQL: sqlText, Columns: cols}
	for rows.Next() {
		if len(res.Rows) == e.cfg.RowLimit {
			break
		}
		scanArgs := make([]any, len(types))
		for i := range types {
			scanArgs[i] = reflect.New(types[i].ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, classifyCH(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c.Name] = SanitizeValue(reflect.ValueOf(scanArgs[i]).Elem().Interface())
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyCH(err)
	}

	res.RowCount = len(res.Rows)
	res.Truncated = res.RowCount == e.cfg.RowLimit
	res.Elapsed = time.Since(start)
	return res, nil
}

func classifyCH(err error) error {
	if qe := queryerr.ClassifyClickHouse(err); qe != nil {
		return qe
	}
	if qe := queryerr.ClassifyGeneric(err); qe != nil {
		return qe
	}
	return fmt.Errorf("clickhouse execute: %w", err)
}
