package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/siftdata/sift/engine/pkg/dialect"
	"github.com/siftdata/sift/engine/pkg/queryerr"
)

// Catalog runs read-only introspection queries against a database and
// returns positional rows. Implementations wrap a driver; errors they
// return may already be classified as *queryerr.Error.
type Catalog interface {
	Query(ctx context.Context, query string) (columns []string, rows [][]any, err error)
}

// CatalogFunc adapts a plain query function to Catalog. Oracle deployments
// plug in here, since connectivity there goes through a caller-supplied
// runner rather than a bundled driver.
type CatalogFunc func(ctx context.Context, query string) ([]string, [][]any, error)

func (f CatalogFunc) Query(ctx context.Context, query string) ([]string, [][]any, error) {
	return f(ctx, query)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger  *slog.Logger
	Catalog Catalog
	Profile dialect.Profile

	// Schema scopes introspection: the namespace for PostgreSQL, the
	// owner for Oracle, the database for ClickHouse.
	Schema string
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Profile == nil {
		return fmt.Errorf("dialect profile is required")
	}
	if c.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	return nil
}

// Manager introspects a live database into immutable snapshots.
type Manager struct {
	cfg *ManagerConfig
	log *slog.Logger
}

func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema manager config: %w", err)
	}
	return &Manager{cfg: cfg, log: cfg.Logger}, nil
}

// Snapshot introspects the configured schema and returns its current
// structure. Tables come back in catalog order, columns in declared
// order.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	var (
		snap *Snapshot
		err  error
	)
	switch m.cfg.Profile.Name() {
	case dialect.Postgres:
		snap, err = m.introspectPostgres(ctx)
	case dialect.Oracle:
		snap, err = m.introspectOracle(ctx)
	case dialect.ClickHouse:
		snap, err = m.introspectClickHouse(ctx)
	default:
		return nil, fmt.Errorf("schema manager: no introspection for dialect %q", m.cfg.Profile.Name())
	}
	if err != nil {
		return nil, m.classify(err)
	}
	snap.SchemaName = m.cfg.Schema
	snap.CapturedAt = time.Now().UTC()
	m.log.Debug("schema manager: snapshot captured",
		"schema", m.cfg.Schema,
		"tables", len(snap.Tables),
		"duration", time.Since(start),
	)
	return snap, nil
}

// classify maps driver errors onto the shared taxonomy so callers can
// distinguish a permission problem from a dropped connection.
func (m *Manager) classify(err error) error {
	if qe, ok := queryerr.As(err); ok {
		return qe
	}
	if m.cfg.Profile.Name() == dialect.Oracle {
		if qe := queryerr.ClassifyOracle(err); qe != nil {
			return qe
		}
	}
	if qe := queryerr.ClassifyGeneric(err); qe != nil {
		return qe
	}
	return fmt.Errorf("schema introspection: %w", err)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ---- PostgreSQL ----

func (m *Manager) introspectPostgres(ctx context.Context) (*Snapshot, error) {
	scope := quoteLiteral(m.cfg.Schema)
	snap := &Snapshot{}
	byName := map[string]*Table{}

	_, rows, err := m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT c.relname, COALESCE(obj_description(c.oid, 'pg_class'), '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = %s AND c.relkind IN ('r', 'p')
		ORDER BY c.relname`, scope))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, r := range rows {
		snap.Tables = append(snap.Tables, Table{Name: str(r[0]), Comment: str(r[1])})
	}
	for i := range snap.Tables {
		byName[snap.Tables[i].Name] = &snap.Tables[i]
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT c.relname, a.attname, format_type(a.atttypid, a.atttypmod),
		       NOT a.attnotnull, COALESCE(col_description(c.oid, a.attnum), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = %s AND c.relkind IN ('r', 'p')
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY c.relname, a.attnum`, scope))
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for _, r := range rows {
		t := byName[str(r[0])]
		if t == nil {
			continue
		}
		t.Columns = append(t.Columns, Column{
			Name:     str(r[1]),
			DataType: normalizePostgresType(str(r[2])),
			Nullable: boolish(r[3]),
			Comment:  str(r[4]),
		})
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT c.relname, a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = %s AND i.indisprimary
		ORDER BY c.relname, array_position(i.indkey, a.attnum)`, scope))
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	for _, r := range rows {
		markPrimaryKey(byName[str(r[0])], str(r[1]))
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT con.conname, c.relname, a.attname, fc.relname, fa.attname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_class fc ON fc.oid = con.confrelid
		JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, fattnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute fa ON fa.attrelid = con.confrelid AND fa.attnum = k.fattnum
		WHERE n.nspname = %s AND con.contype = 'f'
		ORDER BY c.relname, con.conname, k.ord`, scope))
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	for _, r := range rows {
		markForeignKey(byName[str(r[1])], str(r[0]), str(r[2]), str(r[3]), str(r[4]))
	}
	finishCompositeFKs(snap)
	return snap, nil
}

func normalizePostgresType(raw string) DataType {
	t := strings.ToLower(raw)
	switch {
	case strings.Contains(t, "int") && !strings.Contains(t, "interval"):
		return TypeInteger
	case strings.HasPrefix(t, "numeric"), strings.HasPrefix(t, "decimal"),
		strings.HasPrefix(t, "real"), strings.HasPrefix(t, "double"), t == "money":
		return TypeDecimal
	case strings.HasPrefix(t, "timestamp"), strings.HasPrefix(t, "date"), strings.HasPrefix(t, "time"):
		return TypeTimestamp
	case t == "boolean":
		return TypeBoolean
	case t == "json", t == "jsonb":
		return TypeJSON
	case t == "bytea":
		return TypeBinary
	default:
		return TypeText
	}
}

// ---- Oracle ----

func (m *Manager) introspectOracle(ctx context.Context) (*Snapshot, error) {
	owner := quoteLiteral(m.cfg.Profile.NormalizeIdentifier(m.cfg.Schema))
	snap := &Snapshot{}
	byName := map[string]*Table{}

	_, rows, err := m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT t.TABLE_NAME, NVL(c.COMMENTS, '')
		FROM ALL_TABLES t
		LEFT JOIN ALL_TAB_COMMENTS c
		  ON c.OWNER = t.OWNER AND c.TABLE_NAME = t.TABLE_NAME
		WHERE t.OWNER = %s
		ORDER BY t.TABLE_NAME`, owner))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, r := range rows {
		snap.Tables = append(snap.Tables, Table{Name: str(r[0]), Comment: str(r[1])})
	}
	for i := range snap.Tables {
		byName[snap.Tables[i].Name] = &snap.Tables[i]
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.DATA_SCALE, c.NULLABLE,
		       NVL(cc.COMMENTS, '')
		FROM ALL_TAB_COLUMNS c
		LEFT JOIN ALL_COL_COMMENTS cc
		  ON cc.OWNER = c.OWNER AND cc.TABLE_NAME = c.TABLE_NAME AND cc.COLUMN_NAME = c.COLUMN_NAME
		WHERE c.OWNER = %s
		ORDER BY c.TABLE_NAME, c.COLUMN_ID`, owner))
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for _, r := range rows {
		t := byName[str(r[0])]
		if t == nil {
			continue
		}
		t.Columns = append(t.Columns, Column{
			Name:     str(r[1]),
			DataType: normalizeOracleType(str(r[2]), str(r[3])),
			Nullable: str(r[4]) == "Y",
			Comment:  str(r[5]),
		})
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT acc.TABLE_NAME, acc.COLUMN_NAME
		FROM ALL_CONSTRAINTS ac
		JOIN ALL_CONS_COLUMNS acc
		  ON acc.OWNER = ac.OWNER AND acc.CONSTRAINT_NAME = ac.CONSTRAINT_NAME
		WHERE ac.OWNER = %s AND ac.CONSTRAINT_TYPE = 'P'
		ORDER BY acc.TABLE_NAME, acc.POSITION`, owner))
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	for _, r := range rows {
		markPrimaryKey(byName[str(r[0])], str(r[1]))
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT ac.CONSTRAINT_NAME, acc.TABLE_NAME, acc.COLUMN_NAME,
		       rcc.TABLE_NAME, rcc.COLUMN_NAME
		FROM ALL_CONSTRAINTS ac
		JOIN ALL_CONS_COLUMNS acc
		  ON acc.OWNER = ac.OWNER AND acc.CONSTRAINT_NAME = ac.CONSTRAINT_NAME
		JOIN ALL_CONS_COLUMNS rcc
		  ON rcc.OWNER = ac.R_OWNER AND rcc.CONSTRAINT_NAME = ac.R_CONSTRAINT_NAME
		 AND rcc.POSITION = acc.POSITION
		WHERE ac.OWNER = %s AND ac.CONSTRAINT_TYPE = 'R'
		ORDER BY acc.TABLE_NAME, ac.CONSTRAINT_NAME, acc.POSITION`, owner))
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	for _, r := range rows {
		markForeignKey(byName[str(r[1])], str(r[0]), str(r[2]), str(r[3]), str(r[4]))
	}
	finishCompositeFKs(snap)
	return snap, nil
}

func normalizeOracleType(raw, scale string) DataType {
	t := strings.ToUpper(raw)
	switch {
	case t == "NUMBER":
		if scale == "0" {
			return TypeInteger
		}
		return TypeDecimal
	case t == "FLOAT", t == "BINARY_FLOAT", t == "BINARY_DOUBLE":
		return TypeDecimal
	case t == "DATE", strings.HasPrefix(t, "TIMESTAMP"), strings.HasPrefix(t, "INTERVAL"):
		return TypeTimestamp
	case t == "BOOLEAN":
		return TypeBoolean
	case t == "JSON":
		return TypeJSON
	case t == "BLOB", t == "RAW", t == "LONG RAW", t == "BFILE":
		return TypeBinary
	default:
		return TypeText
	}
}

// ---- ClickHouse ----

func (m *Manager) introspectClickHouse(ctx context.Context) (*Snapshot, error) {
	db := quoteLiteral(m.cfg.Schema)
	snap := &Snapshot{}
	byName := map[string]*Table{}

	_, rows, err := m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT name, comment
		FROM system.tables
		WHERE database = %s
		  AND engine NOT IN ('View', 'MaterializedView')
		ORDER BY name`, db))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, r := range rows {
		snap.Tables = append(snap.Tables, Table{Name: str(r[0]), Comment: str(r[1])})
	}
	for i := range snap.Tables {
		byName[snap.Tables[i].Name] = &snap.Tables[i]
	}

	_, rows, err = m.cfg.Catalog.Query(ctx, fmt.Sprintf(`
		SELECT table, name, type, is_in_primary_key, comment
		FROM system.columns
		WHERE database = %s
		ORDER BY table, position`, db))
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for _, r := range rows {
		t := byName[str(r[0])]
		if t == nil {
			continue
		}
		raw := str(r[2])
		col := Column{
			Name:     str(r[1]),
			DataType: normalizeClickHouseType(raw),
			Nullable: strings.HasPrefix(raw, "Nullable("),
			Comment:  str(r[4]),
		}
		if boolish(r[3]) {
			col.IsPK = true
			t.PrimaryKey = append(t.PrimaryKey, col.Name)
		}
		t.Columns = append(t.Columns, col)
	}
	return snap, nil
}

func normalizeClickHouseType(raw string) DataType {
	t := raw
	for {
		if strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")") {
			t = t[len("Nullable(") : len(t)-1]
			continue
		}
		if strings.HasPrefix(t, "LowCardinality(") && strings.HasSuffix(t, ")") {
			t = t[len("LowCardinality(") : len(t)-1]
			continue
		}
		break
	}
	switch {
	case strings.HasPrefix(t, "Int"), strings.HasPrefix(t, "UInt"):
		return TypeInteger
	case strings.HasPrefix(t, "Float"), strings.HasPrefix(t, "Decimal"):
		return TypeDecimal
	case strings.HasPrefix(t, "Date"), strings.HasPrefix(t, "Time"):
		return TypeTimestamp
	case t == "Bool":
		return TypeBoolean
	case strings.HasPrefix(t, "JSON"), strings.HasPrefix(t, "Object"):
		return TypeJSON
	default:
		return TypeText
	}
}

// NormalizeTypeName folds a driver-reported type name into the semantic
// type set for the named dialect.
func NormalizeTypeName(dialectName, raw string) DataType {
	switch dialectName {
	case dialect.Postgres:
		return normalizePostgresType(raw)
	case dialect.Oracle:
		return normalizeOracleType(raw, "")
	case dialect.ClickHouse:
		return normalizeClickHouseType(raw)
	default:
		return TypeText
	}
}

// ---- shared marking helpers ----

func markPrimaryKey(t *Table, column string) {
	if t == nil {
		return
	}
	t.PrimaryKey = append(t.PrimaryKey, column)
	if c := t.Column(column); c != nil {
		c.IsPK = true
	}
}

func markForeignKey(t *Table, constraint, column, refTable, refColumn string) {
	if t == nil {
		return
	}
	t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: column, RefTable: refTable, RefColumn: refColumn})
	if c := t.Column(column); c != nil {
		c.IsFK = true
	}
	for i := range t.CompositeFKs {
		if t.CompositeFKs[i].Name == constraint {
			t.CompositeFKs[i].Columns = append(t.CompositeFKs[i].Columns, column)
			return
		}
	}
	t.CompositeFKs = append(t.CompositeFKs, CompositeForeignKey{Name: constraint, Columns: []string{column}})
}

// finishCompositeFKs keeps only constraints that actually span multiple
// columns; the single-column markers served their grouping purpose.
func finishCompositeFKs(snap *Snapshot) {
	for i := range snap.Tables {
		t := &snap.Tables[i]
		var multi []CompositeForeignKey
		for _, fk := range t.CompositeFKs {
			if len(fk.Columns) > 1 {
				multi = append(multi, fk)
			}
		}
		t.CompositeFKs = multi
	}
}

// str renders a catalog cell as a string, tolerating the value shapes
// different drivers hand back.
func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func boolish(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToUpper(x)
		return s == "YES" || s == "Y" || s == "TRUE" || s == "1" || s == "T"
	case int:
		return x != 0
	case int8:
		return x != 0
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint8:
		return x != 0
	case uint16:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	default:
		return false
	}
}
