package schema

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/siftdata/sift/engine/pkg/dialect"
)

// ConnectionConfig identifies one database connection. Password is held
// for connecting but never participates in the fingerprint.
type ConnectionConfig struct {
	Dialect  string `json:"dialect"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
	User     string `json:"user"`
	Password string `json:"-"`
}

func (c *ConnectionConfig) Validate() error {
	if c.Dialect == "" {
		return fmt.Errorf("dialect is required")
	}
	if _, err := dialect.Lookup(c.Dialect); err != nil {
		return err
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	return nil
}

// Fingerprint derives a stable identifier from the connection coordinates.
// Two configs pointing at the same database under the same user always
// produce the same fingerprint, so trained artifacts survive restarts and
// are namespaced per connection.
func (c *ConnectionConfig) Fingerprint() string {
	seed := strings.Join([]string{
		c.Dialect,
		c.Host,
		fmt.Sprintf("%d", c.Port),
		c.Database,
		c.Schema,
		c.User,
	}, "|")
	sum := sha256.Sum256([]byte(seed))
	return base58.Encode(sum[:16])
}

// Profile resolves the dialect profile for this connection.
func (c *ConnectionConfig) Profile() (dialect.Profile, error) {
	return dialect.Lookup(c.Dialect)
}

// SchemaScope returns the namespace introspection reads: the configured
// schema, else the dialect default (public for PostgreSQL, the user for
// Oracle, the database for ClickHouse).
func (c *ConnectionConfig) SchemaScope() string {
	if c.Schema != "" {
		return c.Schema
	}
	switch c.Dialect {
	case dialect.Postgres:
		return "public"
	case dialect.Oracle:
		return strings.ToUpper(c.User)
	case dialect.ClickHouse:
		return c.Database
	}
	return c.Schema
}
