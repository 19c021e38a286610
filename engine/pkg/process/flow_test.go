package process

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/schema"
)

func transitionResult() *execute.QueryResult {
	return &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "from_status", Type: schema.TypeText},
			{Name: "to_status", Type: schema.TypeText},
			{Name: "count", Type: schema.TypeInteger},
			{Name: "avg_duration_min", Type: schema.TypeDecimal},
		},
		Rows: []map[string]any{
			{"from_status": "created", "to_status": "paid", "count": int64(120), "avg_duration_min": 5.2},
			{"from_status": "paid", "to_status": "shipped", "count": int64(115), "avg_duration_min": 1440.0},
			{"from_status": "shipped", "to_status": "delivered", "count": int64(110), "avg_duration_min": 2880.0},
		},
		RowCount: 3,
	}
}

func nodeByID(t *testing.T, f *Flow, id string) Node {
	t.Helper()
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %q not in flow", id)
	return Node{}
}

func TestTransitionFlow(t *testing.T) {
	d := newDiscoverer(t, nil)

	f := d.DetectFlow(transitionResult(), nil)
	require.NotNil(t, f)

	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
	}
	require.Equal(t, []string{"created", "paid", "shipped", "delivered"}, ids)

	require.Equal(t, RoleStart, nodeByID(t, f, "created").Role)
	require.Equal(t, RoleTask, nodeByID(t, f, "paid").Role)
	require.Equal(t, RoleTask, nodeByID(t, f, "shipped").Role)
	require.Equal(t, RoleEnd, nodeByID(t, f, "delivered").Role)

	require.Len(t, f.Edges, 3)
	require.Equal(t, Edge{From: "created", To: "paid", Count: 120, Duration: 5.2}, f.Edges[0])
	require.Equal(t, Edge{From: "paid", To: "shipped", Count: 115, Duration: 1440}, f.Edges[1])
	require.Equal(t, Edge{From: "shipped", To: "delivered", Count: 110, Duration: 2880}, f.Edges[2])

	require.NotNil(t, f.Bottleneck)
	require.Equal(t, EdgeRef{From: "shipped", To: "delivered"}, *f.Bottleneck)

	// Four layers, one node each: a chain deeper than three flips the
	// layout to horizontal.
	require.Equal(t, DirectionHorizontal, f.Direction)
}

func TestTransitionFlowNamedAfterDiscovery(t *testing.T) {
	d := newDiscoverer(t, nil)

	discovered := []Discovered{{Name: "Orders", MainTable: "orders"}}
	f := d.DetectFlow(transitionResult(), discovered)
	require.NotNil(t, f)
	require.Equal(t, "Orders", f.Name)

	f = d.DetectFlow(transitionResult(), nil)
	require.NotNil(t, f)
	require.Equal(t, "Process Flow", f.Name)
}

func TestTransitionFlowMergesDuplicateRows(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "from", Type: schema.TypeText},
			{Name: "to", Type: schema.TypeText},
			{Name: "count", Type: schema.TypeInteger},
			{Name: "duration", Type: schema.TypeDecimal},
		},
		Rows: []map[string]any{
			{"from": "a", "to": "b", "count": int64(10), "duration": 2.0},
			{"from": "a", "to": "b", "count": int64(30), "duration": 4.0},
		},
		RowCount: 2,
	}
	f := d.DetectFlow(result, nil)
	require.NotNil(t, f)
	require.Len(t, f.Edges, 1)
	require.Equal(t, float64(40), f.Edges[0].Count)
	require.Equal(t, float64(3), f.Edges[0].Duration)
}

func TestTransitionFlowWithoutCountsUsesRowMultiplicity(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "source", Type: schema.TypeText},
			{Name: "target", Type: schema.TypeText},
		},
		Rows: []map[string]any{
			{"source": "a", "target": "b"},
			{"source": "a", "target": "b"},
			{"source": "b", "target": "c"},
		},
		RowCount: 3,
	}
	f := d.DetectFlow(result, nil)
	require.NotNil(t, f)
	require.Len(t, f.Edges, 2)
	require.Equal(t, float64(2), f.Edges[0].Count)
	require.Equal(t, float64(1), f.Edges[1].Count)
	require.Nil(t, f.Bottleneck)
}

func TestTransitionFlowMarksGateways(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "from_state", Type: schema.TypeText},
			{Name: "to_state", Type: schema.TypeText},
		},
		Rows: []map[string]any{
			{"from_state": "submitted", "to_state": "review"},
			{"from_state": "review", "to_state": "approved"},
			{"from_state": "review", "to_state": "rejected"},
		},
		RowCount: 3,
	}
	f := d.DetectFlow(result, nil)
	require.NotNil(t, f)

	require.Equal(t, RoleStart, nodeByID(t, f, "submitted").Role)
	require.Equal(t, RoleGateway, nodeByID(t, f, "review").Role)
	require.Equal(t, RoleTask, nodeByID(t, f, "approved").Role)
	require.Equal(t, RoleEnd, nodeByID(t, f, "rejected").Role)

	// Three layers with a two-node tail: no flip.
	require.Equal(t, DirectionVertical, f.Direction)
}

func TestTransitionFlowSurvivesCycles(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "from", Type: schema.TypeText},
			{Name: "to", Type: schema.TypeText},
		},
		Rows: []map[string]any{
			{"from": "review", "to": "changes_requested"},
			{"from": "changes_requested", "to": "review"},
		},
		RowCount: 2,
	}
	f := d.DetectFlow(result, nil)
	require.NotNil(t, f)
	require.Len(t, f.Nodes, 2)
	require.Len(t, f.Edges, 2)
	require.Equal(t, DirectionVertical, f.Direction)
}

func TestAggregateFlowWithDiscoveredStages(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "status", Type: schema.TypeText},
			{Name: "count", Type: schema.TypeInteger},
		},
		Rows: []map[string]any{
			{"status": "shipped", "count": int64(20)},
			{"status": "created", "count": int64(45)},
			{"status": "delivered", "count": int64(90)},
			{"status": "paid", "count": int64(30)},
		},
		RowCount: 4,
	}
	discovered := []Discovered{{
		Name:      "Orders",
		MainTable: "orders",
		Stages:    []string{"created", "paid", "shipped", "delivered"},
	}}

	f := d.DetectFlow(result, discovered)
	require.NotNil(t, f)
	require.Equal(t, "Orders", f.Name)

	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
	}
	require.Equal(t, []string{"created", "paid", "shipped", "delivered"}, ids)
	require.Equal(t, float64(45), nodeByID(t, f, "created").Metrics.Count)

	require.Len(t, f.Edges, 3)
	require.Equal(t, Edge{From: "created", To: "paid"}, f.Edges[0])

	require.Equal(t, RoleStart, nodeByID(t, f, "created").Role)
	require.Equal(t, RoleEnd, nodeByID(t, f, "delivered").Role)
	require.Equal(t, DirectionHorizontal, f.Direction)
}

func TestAggregateFlowWithoutStagesHasNoEdges(t *testing.T) {
	d := newDiscoverer(t, nil)

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "state", Type: schema.TypeText},
			{Name: "total", Type: schema.TypeInteger},
		},
		Rows: []map[string]any{
			{"state": "open", "total": int64(12)},
			{"state": "closed", "total": int64(88)},
			{"state": "blocked", "total": int64(3)},
		},
		RowCount: 3,
	}
	f := d.DetectFlow(result, nil)
	require.NotNil(t, f)

	// Row order proves nothing; without discovered stages the nodes
	// sort by volume and no transitions are invented.
	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
		require.Equal(t, RoleTask, n.Role)
	}
	require.Equal(t, []string{"closed", "open", "blocked"}, ids)
	require.Empty(t, f.Edges)
	require.Equal(t, DirectionVertical, f.Direction)
}

func TestAggregateFlowRespectsCardinalityCap(t *testing.T) {
	d := newDiscoverer(t, func(c *Config) { c.MaxCardinality = 2 })

	result := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "status", Type: schema.TypeText},
			{Name: "count", Type: schema.TypeInteger},
		},
		Rows: []map[string]any{
			{"status": "a", "count": int64(1)},
			{"status": "b", "count": int64(1)},
			{"status": "c", "count": int64(1)},
		},
		RowCount: 3,
	}
	require.Nil(t, d.DetectFlow(result, nil))
}

func TestDetectFlowIgnoresPlainResults(t *testing.T) {
	d := newDiscoverer(t, nil)

	require.Nil(t, d.DetectFlow(nil, nil))
	require.Nil(t, d.DetectFlow(&execute.QueryResult{}, nil))

	plain := &execute.QueryResult{
		Columns: []execute.ColumnDescriptor{
			{Name: "region", Type: schema.TypeText},
			{Name: "revenue", Type: schema.TypeDecimal},
		},
		Rows:     []map[string]any{{"region": "emea", "revenue": 10.0}},
		RowCount: 1,
	}
	require.Nil(t, d.DetectFlow(plain, nil))
}

func TestFlowSerialization(t *testing.T) {
	d := newDiscoverer(t, nil)

	f := d.DetectFlow(transitionResult(), nil)
	require.NotNil(t, f)

	payload, err := json.Marshal(f)
	require.NoError(t, err)
	body := string(payload)
	require.Contains(t, body, `"layout_direction":"horizontal"`)
	require.Contains(t, body, `"bottleneck":{"from":"shipped","to":"delivered"}`)
	require.Contains(t, body, `"id":"created","label":"created","role":"start"`)
	require.Contains(t, body, `"from":"paid","to":"shipped","count":115,"duration":1440`)
}

func TestStagesFromTransitions(t *testing.T) {
	pairs := [][2]string{
		{"paid", "shipped"},
		{"created", "paid"},
		{"shipped", "delivered"},
	}
	require.Equal(t, []string{"created", "paid", "shipped", "delivered"}, StagesFromTransitions(pairs))
}

func TestStagesFromTransitionsToleratesCycles(t *testing.T) {
	pairs := [][2]string{
		{"review", "changes_requested"},
		{"changes_requested", "review"},
		{"submitted", "review"},
		{"review", "review"},
		{"review", "approved"},
	}
	stages := StagesFromTransitions(pairs)
	require.Len(t, stages, 4)
	require.Equal(t, "submitted", stages[0])
	require.Contains(t, stages, "approved")
}

func TestStagesFromTransitionsNeedTwoStates(t *testing.T) {
	require.Nil(t, StagesFromTransitions(nil))
	require.Nil(t, StagesFromTransitions([][2]string{{"open", "open"}}))
	require.Nil(t, StagesFromTransitions([][2]string{{"", "paid"}}))
}

// TestDetectFlowOnGeneratedTransitions throws random transition tables
// at the builder, cycles and self-loops included. Every flow that comes
// back must keep its contract: unique non-empty node IDs, edge
// endpoints that name declared nodes, one merged edge per distinct
// pair, and counts that preserve the input total.
func TestDetectFlowOnGeneratedTransitions(t *testing.T) {
	d := newDiscoverer(t, nil)
	states := []string{"created", "queued", "active", "review", "approved", "shipped", "closed", "failed"}
	r := rand.New(rand.NewSource(3))

	for i := 0; i < 50; i++ {
		rowCount := 1 + r.Intn(30)
		rows := make([]map[string]any, 0, rowCount)
		total := 0.0
		pairs := map[EdgeRef]bool{}
		for range rowCount {
			from := states[r.Intn(len(states))]
			to := states[r.Intn(len(states))]
			n := int64(1 + r.Intn(50))
			total += float64(n)
			pairs[EdgeRef{From: from, To: to}] = true
			rows = append(rows, map[string]any{"from_status": from, "to_status": to, "count": n})
		}
		result := &execute.QueryResult{
			Columns: []execute.ColumnDescriptor{
				{Name: "from_status", Type: schema.TypeText},
				{Name: "to_status", Type: schema.TypeText},
				{Name: "count", Type: schema.TypeInteger},
			},
			Rows:     rows,
			RowCount: len(rows),
		}

		f := d.DetectFlow(result, nil)
		require.NotNil(t, f, "case %d", i)

		ids := make(map[string]bool, len(f.Nodes))
		for _, n := range f.Nodes {
			require.NotEmpty(t, n.ID, "case %d", i)
			require.False(t, ids[n.ID], "case %d: duplicate node %s", i, n.ID)
			ids[n.ID] = true
		}
		require.Len(t, f.Edges, len(pairs), "case %d: one edge per distinct pair", i)
		sum := 0.0
		for _, e := range f.Edges {
			require.True(t, ids[e.From], "case %d: edge source %s undeclared", i, e.From)
			require.True(t, ids[e.To], "case %d: edge target %s undeclared", i, e.To)
			sum += e.Count
		}
		require.Equal(t, total, sum, "case %d: merged counts lose transitions", i)
		require.Contains(t, []string{DirectionVertical, DirectionHorizontal}, f.Direction, "case %d", i)
	}
}

// TestLayeringOnGeneratedGraphs checks the layout pass on random
// graphs: the pop order covers every node exactly once, the layers
// partition the node set, and in acyclic graphs every edge points to a
// strictly deeper layer.
func TestLayeringOnGeneratedGraphs(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 80; i++ {
		size := 2 + r.Intn(10)
		nodes := make([]Node, size)
		for j := range nodes {
			nodes[j] = Node{ID: fmt.Sprintf("n%d", j)}
		}
		acyclic := r.Intn(2) == 0
		var edges []Edge
		for j := 0; j < r.Intn(2*size); j++ {
			a, b := r.Intn(size), r.Intn(size)
			if acyclic {
				if a == b {
					continue
				}
				if a > b {
					a, b = b, a
				}
			}
			edges = append(edges, Edge{From: nodes[a].ID, To: nodes[b].ID})
		}

		layers, order := layering(nodes, edges)

		seen := map[string]int{}
		for _, id := range order {
			seen[id]++
		}
		require.Len(t, order, size, "case %d: order must cover every node", i)
		for _, n := range nodes {
			require.Equal(t, 1, seen[n.ID], "case %d: node %s placed once", i, n.ID)
		}

		depth := map[string]int{}
		placed := 0
		for l, layer := range layers {
			for _, id := range layer {
				depth[id] = l
				placed++
			}
		}
		require.Equal(t, size, placed, "case %d: layers must partition the node set", i)

		if acyclic {
			for _, e := range edges {
				require.Less(t, depth[e.From], depth[e.To], "case %d: edge %s->%s must deepen", i, e.From, e.To)
			}
		}
	}
}
