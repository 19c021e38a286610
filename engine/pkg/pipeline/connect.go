package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/schema"
)

// DialectConnector opens handles with the bundled drivers: pgx for
// PostgreSQL, the native protocol for ClickHouse. Oracle has no bundled
// driver; those deployments supply their own Connector built on
// schema.CatalogFunc and execute.NewFuncExecutor.
type DialectConnector struct {
	// Exec is applied to every executor the connector builds.
	Exec execute.Config
}

func (d *DialectConnector) Connect(ctx context.Context, conn *schema.ConnectionConfig) (*Handle, error) {
	switch conn.Dialect {
	case dialect.Postgres:
		pool, err := execute.NewPGPool(ctx, postgresDSN(conn))
		if err != nil {
			return nil, err
		}
		exec, err := execute.NewPGExecutor(pool, d.Exec)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &Handle{
			Catalog:  schema.NewPGCatalog(pool),
			Executor: exec,
			Close:    pool.Close,
		}, nil

	case dialect.ClickHouse:
		ch, err := execute.NewCHConn(ctx, *conn)
		if err != nil {
			return nil, err
		}
		exec, err := execute.NewCHExecutor(ch, d.Exec)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		return &Handle{
			Catalog:  schema.NewCHCatalog(ch),
			Executor: exec,
			Close:    func() { _ = ch.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("no bundled driver for dialect %q", conn.Dialect)
	}
}

// postgresDSN renders connection coordinates as a pgx URL. Credentials
// are URL-escaped; a zero port leaves the driver default in place.
func postgresDSN(c *schema.ConnectionConfig) string {
	u := url.URL{Scheme: "postgres", Host: c.Host, Path: "/" + c.Database}
	if c.Port != 0 {
		u.Host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}
