package process

import (
	"fmt"
	"sort"
	"strings"

	"github.com/siftdata/sift/engine/pkg/execute"
)

// Role classifies a node's position in the flow.
type Role string

const (
	RoleStart   Role = "start"
	RoleTask    Role = "task"
	RoleGateway Role = "gateway"
	RoleEnd     Role = "end"
	RoleCurrent Role = "current"
)

const (
	DirectionVertical   = "vertical"
	DirectionHorizontal = "horizontal"
)

// Metrics carries per-node aggregates when the result provides them.
type Metrics struct {
	Count       float64 `json:"count,omitempty"`
	AvgDuration float64 `json:"avg_duration,omitempty"`
}

// Node is one state in a flow. The ID is the raw state value from the
// result; edges reference IDs.
type Node struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Role    Role    `json:"role"`
	Metrics Metrics `json:"metrics"`
}

// Edge is one observed transition between states.
type Edge struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Count    float64 `json:"count,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// EdgeRef names an edge by its endpoints.
type EdgeRef struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Flow is a renderable process graph. Every edge endpoint is the ID of
// a node in Nodes; a builder that cannot guarantee that produces no
// flow at all.
type Flow struct {
	Name       string   `json:"name"`
	Nodes      []Node   `json:"nodes"`
	Edges      []Edge   `json:"edges"`
	Bottleneck *EdgeRef `json:"bottleneck,omitempty"`
	Direction  string   `json:"layout_direction"`
}

// valid reports whether node IDs are unique and non-empty and every
// edge endpoint names a declared node.
func (f *Flow) valid() bool {
	ids := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" || ids[n.ID] {
			return false
		}
		ids[n.ID] = true
	}
	for _, e := range f.Edges {
		if !ids[e.From] || !ids[e.To] {
			return false
		}
	}
	return true
}

// DetectFlow inspects a result for transition or status-aggregate
// shapes and builds a Flow when one is present. Returns nil when the
// result does not carry process data, or when a builder cannot satisfy
// the node-reference invariant.
func (d *Discoverer) DetectFlow(result *execute.QueryResult, discovered []Discovered) *Flow {
	if result == nil || len(result.Rows) == 0 {
		return nil
	}
	fc := flowColumns(result)

	var flow *Flow
	switch {
	case fc.from != "" && fc.to != "":
		flow = buildTransition(result, fc, flowName(discovered))
	case fc.status != "" && fc.count != "":
		flow = d.buildAggregate(result, fc, discovered)
	default:
		return nil
	}
	if flow == nil {
		return nil
	}
	if !flow.valid() {
		d.log.Warn("process: flow dropped, dangling edge reference", "name", flow.Name)
		return nil
	}

	finish(flow)
	d.log.Debug("process: flow built",
		"name", flow.Name,
		"nodes", len(flow.Nodes),
		"edges", len(flow.Edges),
		"direction", flow.Direction)
	return flow
}

// flowName labels the flow after the discovered process when one is
// known for this connection.
func flowName(discovered []Discovered) string {
	if len(discovered) > 0 {
		return discovered[0].Name
	}
	return "Process Flow"
}

type flowCols struct {
	from, to, status, count, duration string
}

var fromNames = map[string]bool{"from": true, "source": true, "src": true}

var toNames = map[string]bool{"to": true, "target": true, "dst": true, "destination": true}

var countNames = map[string]bool{"count": true, "cnt": true, "n": true, "total": true, "transitions": true, "rows": true}

// flowColumns classifies result columns by name. Each column fills at
// most one slot; the first match per slot wins.
func flowColumns(result *execute.QueryResult) flowCols {
	var fc flowCols
	for _, col := range result.Columns {
		n := strings.ToLower(col.Name)
		switch {
		case fc.from == "" && (fromNames[n] || strings.HasPrefix(n, "from_") || strings.HasPrefix(n, "prev_") || strings.HasPrefix(n, "previous_")):
			fc.from = col.Name
		case fc.to == "" && (toNames[n] || strings.HasPrefix(n, "to_") || strings.HasPrefix(n, "next_")):
			fc.to = col.Name
		case fc.status == "" && statusName(n):
			fc.status = col.Name
		case fc.count == "" && col.Type.Numeric() && (countNames[n] || strings.HasSuffix(n, "_count")):
			fc.count = col.Name
		case fc.duration == "" && col.Type.Numeric() && strings.Contains(n, "duration"):
			fc.duration = col.Name
		}
	}
	return fc
}

// buildTransition turns (from, to, count?, duration?) rows into a
// graph. Nodes appear in row order; duplicate transitions merge with
// counts summed and durations averaged. Without a count column each
// row counts as one transition.
func buildTransition(result *execute.QueryResult, fc flowCols, name string) *Flow {
	type agg struct {
		count  float64
		durSum float64
		durN   int
	}

	var nodeOrder []string
	seen := make(map[string]bool)
	addNode := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		nodeOrder = append(nodeOrder, v)
	}

	var edgeOrder []EdgeRef
	edges := make(map[EdgeRef]*agg)

	for _, row := range result.Rows {
		from := cellString(row[fc.from])
		to := cellString(row[fc.to])
		if from == "" || to == "" {
			continue
		}
		addNode(from)
		addNode(to)

		key := EdgeRef{From: from, To: to}
		a := edges[key]
		if a == nil {
			a = &agg{}
			edges[key] = a
			edgeOrder = append(edgeOrder, key)
		}
		if fc.count != "" {
			if n, ok := cellNumber(row[fc.count]); ok {
				a.count += n
			}
		} else {
			a.count++
		}
		if fc.duration != "" {
			if n, ok := cellNumber(row[fc.duration]); ok {
				a.durSum += n
				a.durN++
			}
		}
	}
	if len(nodeOrder) == 0 {
		return nil
	}

	f := &Flow{Name: name}
	for _, id := range nodeOrder {
		f.Nodes = append(f.Nodes, Node{ID: id, Label: id, Role: RoleTask})
	}
	for _, key := range edgeOrder {
		a := edges[key]
		e := Edge{From: key.From, To: key.To, Count: a.count}
		if a.durN > 0 {
			e.Duration = a.durSum / float64(a.durN)
		}
		f.Edges = append(f.Edges, e)
	}
	return f
}

// buildAggregate turns (status, count) rows into nodes. Row order
// proves nothing about sequence, so edges appear only between stages
// whose order discovery established.
func (d *Discoverer) buildAggregate(result *execute.QueryResult, fc flowCols, discovered []Discovered) *Flow {
	type agg struct {
		count  float64
		durSum float64
		durN   int
	}

	var order []string
	byID := make(map[string]*agg)
	for _, row := range result.Rows {
		v := cellString(row[fc.status])
		if v == "" {
			continue
		}
		a := byID[v]
		if a == nil {
			a = &agg{}
			byID[v] = a
			order = append(order, v)
		}
		if n, ok := cellNumber(row[fc.count]); ok {
			a.count += n
		}
		if fc.duration != "" {
			if n, ok := cellNumber(row[fc.duration]); ok {
				a.durSum += n
				a.durN++
			}
		}
	}
	if len(order) == 0 {
		return nil
	}
	if len(order) > d.cfg.MaxCardinality {
		d.log.Debug("process: status cardinality above cap, not a flow",
			"column", fc.status,
			"distinct", len(order),
			"cap", d.cfg.MaxCardinality)
		return nil
	}

	stages, matchedName := matchStages(discovered, order)
	name := flowName(discovered)
	if matchedName != "" {
		name = matchedName
	}
	if len(stages) > 0 {
		order = orderByStages(order, stages, func(id string) float64 { return byID[id].count })
	} else {
		sort.SliceStable(order, func(i, j int) bool { return byID[order[i]].count > byID[order[j]].count })
	}

	f := &Flow{Name: name}
	for _, id := range order {
		a := byID[id]
		node := Node{ID: id, Label: id, Role: RoleTask, Metrics: Metrics{Count: a.count}}
		if a.durN > 0 {
			node.Metrics.AvgDuration = a.durSum / float64(a.durN)
		}
		f.Nodes = append(f.Nodes, node)
	}
	for i := 0; i+1 < len(stages); i++ {
		f.Edges = append(f.Edges, Edge{From: stages[i], To: stages[i+1]})
	}
	return f
}

// matchStages returns the first discovered stage sequence that covers
// at least two of the states present in the result, mapped back to the
// result's own spelling, along with the owning process name.
func matchStages(discovered []Discovered, present []string) ([]string, string) {
	byLower := make(map[string]string, len(present))
	for _, id := range present {
		byLower[strings.ToLower(id)] = id
	}
	for _, p := range discovered {
		var matched []string
		for _, stage := range p.Stages {
			if id, ok := byLower[strings.ToLower(stage)]; ok {
				matched = append(matched, id)
			}
		}
		if len(matched) >= 2 {
			return matched, p.Name
		}
	}
	return nil, ""
}

// orderByStages puts known stages first in stage order, then the rest
// by descending count.
func orderByStages(order, stages []string, count func(string) float64) []string {
	pos := make(map[string]int, len(stages))
	for i, s := range stages {
		pos[s] = i
	}
	var known, rest []string
	for _, id := range order {
		if _, ok := pos[id]; ok {
			known = append(known, id)
		} else {
			rest = append(rest, id)
		}
	}
	sort.SliceStable(known, func(i, j int) bool { return pos[known[i]] < pos[known[j]] })
	sort.SliceStable(rest, func(i, j int) bool { return count(rest[i]) > count(rest[j]) })
	return append(known, rest...)
}

// finish runs the shared post-build steps: topological layering for
// roles and layout direction, then the bottleneck annotation.
func finish(f *Flow) {
	layers, order := layering(f.Nodes, f.Edges)
	assignRoles(f, order)
	f.Direction = direction(layers)
	f.Bottleneck = bottleneck(f.Edges)
}

// bottleneck is the slowest observed transition, when durations exist.
func bottleneck(edges []Edge) *EdgeRef {
	best := -1
	for i, e := range edges {
		if e.Duration <= 0 {
			continue
		}
		if best < 0 || e.Duration > edges[best].Duration {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return &EdgeRef{From: edges[best].From, To: edges[best].To}
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func cellNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
