package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftdata/sift/engine/pkg/queryerr"
	"github.com/siftdata/sift/engine/pkg/schema"
)

// PGExecutor runs statements against PostgreSQL through a shared pool.
type PGExecutor struct {
	pool *pgxpool.Pool
	cfg  Config
}

func NewPGExecutor(pool *pgxpool.Pool, cfg Config) (*PGExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	return &PGExecutor{pool: pool, cfg: cfg}, nil
}

// NewPGPool opens a pgx pool for the given connection and verifies it
// with a ping.
func NewPGPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func (e *PGExecutor) Execute(ctx context.Context, sqlText string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	rows, err := e.pool.Query(ctx, sqlText)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]ColumnDescriptor, len(fds))
	for i, fd := range fds {
		cols[i] = ColumnDescriptor{Name: fd.Name, Type: pgTypeFromOID(fd.DataTypeOID)}
	}

	res := &QueryResult{SQL: sqlText, Columns: cols}
	for rows.Next() {
		if len(res.Rows) == e.cfg.RowLimit {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPG(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c.Name] = SanitizeValue(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(err)
	}

	res.RowCount = len(res.Rows)
	res.Truncated = res.RowCount == e.cfg.RowLimit
	res.Elapsed = time.Since(start)
	return res, nil
}

func classifyPG(err error) error {
	if qe := queryerr.ClassifyPostgres(err); qe != nil {
		return qe
	}
	if qe := queryerr.ClassifyGeneric(err); qe != nil {
		return qe
	}
	return fmt.Errorf("postgres execute: %w", err)
}

func pgTypeFromOID(oid uint32) schema.DataType {
	switch oid {
	case pgtype.BoolOID:
		return schema.TypeBoolean
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return schema.TypeInteger
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return schema.TypeDecimal
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.TimeOID, pgtype.TimetzOID:
		return schema.TypeTimestamp
	case pgtype.JSONOID, pgtype.JSONBOID:
		return schema.TypeJSON
	case pgtype.ByteaOID:
		return schema.TypeBinary
	default:
		return schema.TypeText
	}
}
