package schema

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/siftdata/sift/engine/pkg/queryerr"
)

// CHCatalog reads system.tables and system.columns through a native
// ClickHouse connection.
type CHCatalog struct {
	conn driver.Conn
}

func NewCHCatalog(conn driver.Conn) *CHCatalog {
	return &CHCatalog{conn: conn}
}

func (c *CHCatalog) Query(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, nil, chCatalogError(err)
	}
	defer rows.Close()

	cols := rows.Columns()
	types := rows.ColumnTypes()

	var out [][]any
	for rows.Next() {
		scanArgs := make([]any, len(types))
		for i := range types {
			scanArgs[i] = reflect.New(types[i].ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, nil, chCatalogError(err)
		}
		vals := make([]any, len(scanArgs))
		for i := range scanArgs {
			vals[i] = reflect.ValueOf(scanArgs[i]).Elem().Interface()
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, chCatalogError(err)
	}
	return cols, out, nil
}

func chCatalogError(err error) error {
	if qe := queryerr.ClassifyClickHouse(err); qe != nil {
		return qe
	}
	return fmt.Errorf("catalog query: %w", err)
}
