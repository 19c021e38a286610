package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftdata/sift/engine/pkg/queryerr"
)

// PGCatalog reads the PostgreSQL system catalogs through a pgx pool.
type PGCatalog struct {
	pool *pgxpool.Pool
}

func NewPGCatalog(pool *pgxpool.Pool) *PGCatalog {
	return &PGCatalog{pool: pool}
}

func (c *PGCatalog) Query(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, nil, pgCatalogError(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, pgCatalogError(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, pgCatalogError(err)
	}
	return cols, out, nil
}

func pgCatalogError(err error) error {
	if qe := queryerr.ClassifyPostgres(err); qe != nil {
		return qe
	}
	return fmt.Errorf("catalog query: %w", err)
}
