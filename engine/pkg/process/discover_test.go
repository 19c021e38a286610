package process

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDiscoverer(t *testing.T, mutate func(*Config)) *Discoverer {
	t.Helper()
	cfg := &Config{Logger: testLogger()}
	if mutate != nil {
		mutate(cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func textCol(name string) schema.Column {
	return schema.Column{Name: name, DataType: schema.TypeText}
}

func tsCol(name string) schema.Column {
	return schema.Column{Name: name, DataType: schema.TypeTimestamp}
}

func pkCol(name string) schema.Column {
	return schema.Column{Name: name, DataType: schema.TypeInteger, IsPK: true}
}

func fkIntCol(name string) schema.Column {
	return schema.Column{Name: name, DataType: schema.TypeInteger, IsFK: true}
}

// ordersSnapshot is the canonical process shape: a status column on
// orders, a transition history table, audit timestamps, and an FK
// chain order_items -> orders -> customers.
func ordersSnapshot() *schema.Snapshot {
	return &schema.Snapshot{Tables: []schema.Table{
		{
			Name:    "customers",
			Columns: []schema.Column{pkCol("id"), textCol("name"), textCol("country")},
		},
		{
			Name: "order_items",
			Columns: []schema.Column{
				pkCol("id"), fkIntCol("order_id"), fkIntCol("product_id"),
				{Name: "qty", DataType: schema.TypeInteger},
			},
			ForeignKeys: []schema.ForeignKey{
				{Column: "order_id", RefTable: "orders", RefColumn: "id"},
				{Column: "product_id", RefTable: "products", RefColumn: "id"},
			},
		},
		{
			Name: "order_status_history",
			Columns: []schema.Column{
				pkCol("id"), fkIntCol("order_id"),
				textCol("from_status"), textCol("to_status"), tsCol("changed_at"),
			},
			ForeignKeys: []schema.ForeignKey{
				{Column: "order_id", RefTable: "orders", RefColumn: "id"},
			},
		},
		{
			Name: "orders",
			Columns: []schema.Column{
				pkCol("id"), fkIntCol("customer_id"), textCol("status"),
				tsCol("created_at"), tsCol("updated_at"),
			},
			ForeignKeys: []schema.ForeignKey{
				{Column: "customer_id", RefTable: "customers", RefColumn: "id"},
			},
		},
		{
			Name:    "products",
			Columns: []schema.Column{pkCol("id"), textCol("name")},
		},
	}}
}

func TestDiscoverOrdersProcess(t *testing.T) {
	d := newDiscoverer(t, nil)

	procs := d.Discover("fp", ordersSnapshot())
	require.Len(t, procs, 1)

	p := procs[0]
	require.Equal(t, "Orders", p.Name)
	require.Equal(t, "orders", p.MainTable)
	require.Equal(t, "order_status_history", p.HistoryTable)
	require.Equal(t, "status", p.StatusColumn)
	require.Equal(t, "from_status/to_status", p.TransitionPattern)
	require.InDelta(t, 1.0, p.Confidence, 1e-9)
	require.Contains(t, p.Evidence, "status column orders.status")
	require.Contains(t, p.Evidence, "history table order_status_history")
}

func TestDiscoverStatusColumnAloneIsNotEnough(t *testing.T) {
	d := newDiscoverer(t, nil)

	snap := &schema.Snapshot{Tables: []schema.Table{
		{Name: "tickets", Columns: []schema.Column{pkCol("id"), textCol("status")}},
	}}
	require.Empty(t, d.Discover("", snap))

	snap.Tables[0].Columns = append(snap.Tables[0].Columns, tsCol("created_at"), tsCol("updated_at"))
	procs := d.Discover("", snap)
	require.Len(t, procs, 1)
	require.Equal(t, "Tickets", procs[0].Name)
	require.InDelta(t, 0.45, procs[0].Confidence, 1e-9)
}

func TestDiscoverTransitionColumnsAloneClearTheBar(t *testing.T) {
	d := newDiscoverer(t, nil)

	snap := &schema.Snapshot{Tables: []schema.Table{
		{Name: "shipments", Columns: []schema.Column{
			pkCol("id"), textCol("from_state"), textCol("to_state"),
		}},
	}}
	procs := d.Discover("", snap)
	require.Len(t, procs, 1)
	require.Equal(t, "from_state/to_state", procs[0].TransitionPattern)
	require.Empty(t, procs[0].StatusColumn)
	require.InDelta(t, 0.4, procs[0].Confidence, 1e-9)
}

func TestDiscoverIgnoresNumericStatusColumns(t *testing.T) {
	d := newDiscoverer(t, nil)

	snap := &schema.Snapshot{Tables: []schema.Table{
		{Name: "events", Columns: []schema.Column{
			pkCol("id"),
			{Name: "status", DataType: schema.TypeInteger},
			tsCol("created_at"), tsCol("updated_at"),
		}},
	}}
	require.Empty(t, d.Discover("", snap))
}

func TestDiscoverCachesUntilInvalidated(t *testing.T) {
	d := newDiscoverer(t, nil)

	first := d.Discover("fp", ordersSnapshot())
	require.Len(t, first, 1)

	// The fingerprint key pins the cached result even when a different
	// snapshot comes in; only a diff-driven invalidation rescans.
	empty := &schema.Snapshot{}
	require.Len(t, d.Discover("fp", empty), 1)

	d.Invalidate("fp")
	require.Empty(t, d.Discover("fp", empty))
}

func TestDiscoverHumanizesNames(t *testing.T) {
	d := newDiscoverer(t, nil)

	snap := &schema.Snapshot{Tables: []schema.Table{
		{Name: "loan_applications", Columns: []schema.Column{
			pkCol("id"), textCol("current_stage"), tsCol("created_at"), tsCol("decided_at"),
		}},
	}}
	procs := d.Discover("", snap)
	require.Len(t, procs, 1)
	require.Equal(t, "Loan Applications", procs[0].Name)
	require.Equal(t, "current_stage", procs[0].StatusColumn)
}

func TestSchemaDocs(t *testing.T) {
	d := newDiscoverer(t, nil)

	docs := d.SchemaDocs(ordersSnapshot())
	require.Len(t, docs, 1)
	require.Contains(t, docs[0], `Business process "Orders"`)
	require.Contains(t, docs[0], "order_status_history")
	require.Contains(t, docs[0], "from_status/to_status")

	require.Empty(t, d.SchemaDocs(&schema.Snapshot{}))
}

func TestDiscoverNilSnapshot(t *testing.T) {
	d := newDiscoverer(t, nil)
	require.Nil(t, d.Discover("fp", nil))
}

func TestSetStagesReplacesCachedEntry(t *testing.T) {
	d := newDiscoverer(t, nil)
	snap := ordersSnapshot()

	before := d.Discover("fp", snap)
	require.Len(t, before, 1)
	require.Empty(t, before[0].Stages)

	d.SetStages("fp", "orders", []string{"created", "paid", "shipped"})

	after := d.Discover("fp", snap)
	require.Equal(t, []string{"created", "paid", "shipped"}, after[0].Stages)
	require.Empty(t, before[0].Stages, "slices handed out earlier stay stable")

	d.SetStages("unknown", "orders", []string{"x"})
	d.SetStages("fp", "no_such_table", []string{"x"})
	require.Equal(t, []string{"created", "paid", "shipped"}, d.Discover("fp", snap)[0].Stages)
}

func TestDiscovererConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{name: "missing logger", cfg: &Config{}, wantErr: "logger is required"},
		{name: "negative ttl", cfg: &Config{Logger: testLogger(), TTL: -time.Second}, wantErr: "ttl must be positive"},
		{name: "negative cardinality", cfg: &Config{Logger: testLogger(), MaxCardinality: -1}, wantErr: "max cardinality must be positive"},
		{name: "defaults", cfg: &Config{Logger: testLogger()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, DefaultTTL, tt.cfg.TTL)
			require.Equal(t, DefaultMaxCardinality, tt.cfg.MaxCardinality)
		})
	}
}
