package process

// layering runs Kahn's algorithm over the edge set and groups node IDs
// by layer: a node sits one past its deepest predecessor. The returned
// order is the pop order, which respects both topology and first
// appearance. Nodes trapped on cycles never reach zero in-degree; they
// are appended as one final layer in declaration order so the layout
// still covers every node.
func layering(nodes []Node, edges []Edge) (layers [][]string, order []string) {
	indeg := make(map[string]int, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indeg[n.ID] = 0
	}
	for _, e := range edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	layer := make(map[string]int, len(nodes))
	var queue []string
	for _, n := range nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
			layer[n.ID] = 0
		}
	}

	placed := make(map[string]bool, len(nodes))
	depth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if placed[id] {
			continue
		}
		placed[id] = true
		order = append(order, id)
		if layer[id] > depth {
			depth = layer[id]
		}
		for _, next := range succ[id] {
			if layer[next] < layer[id]+1 {
				layer[next] = layer[id] + 1
			}
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	// Cycle leftovers.
	leftoverLayer := 0
	if len(order) > 0 {
		leftoverLayer = depth + 1
	}
	var leftover bool
	for _, n := range nodes {
		if placed[n.ID] {
			continue
		}
		layer[n.ID] = leftoverLayer
		order = append(order, n.ID)
		leftover = true
	}
	if leftover && leftoverLayer > depth {
		depth = leftoverLayer
	}

	layers = make([][]string, depth+1)
	for _, n := range nodes {
		l := layer[n.ID]
		layers[l] = append(layers[l], n.ID)
	}
	return layers, order
}

// StagesFromTransitions orders the distinct states observed in from/to
// transition pairs: topological where the graph allows it, first seen
// for the rest. Self-transitions are ignored. Returns nil when fewer
// than two states appear, since a single state carries no order.
func StagesFromTransitions(pairs [][2]string) []string {
	var nodes []Node
	var edges []Edge
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		nodes = append(nodes, Node{ID: id})
	}
	for _, pair := range pairs {
		from, to := pair[0], pair[1]
		if from == "" || to == "" || from == to {
			continue
		}
		add(from)
		add(to)
		edges = append(edges, Edge{From: from, To: to})
	}
	if len(nodes) < 2 {
		return nil
	}
	_, order := layering(nodes, edges)
	return order
}

// direction picks the flow axis: vertical by default, horizontal when
// the graph degenerates to a chain deeper than three layers, which
// reads better left to right.
func direction(layers [][]string) string {
	if len(layers) <= 3 {
		return DirectionVertical
	}
	for _, l := range layers {
		if len(l) > 1 {
			return DirectionVertical
		}
	}
	return DirectionHorizontal
}

// assignRoles marks the topological entry as start, the final sink as
// end, and fan-out points as gateways. A graph without edges carries
// no order, so every node stays a task.
func assignRoles(f *Flow, order []string) {
	if len(f.Edges) == 0 {
		return
	}
	outdeg := make(map[string]int, len(f.Nodes))
	for _, e := range f.Edges {
		outdeg[e.From]++
	}
	idx := make(map[string]int, len(f.Nodes))
	for i, n := range f.Nodes {
		idx[n.ID] = i
	}

	for i, n := range f.Nodes {
		if outdeg[n.ID] > 1 {
			f.Nodes[i].Role = RoleGateway
		}
	}
	if len(order) > 0 {
		f.Nodes[idx[order[0]]].Role = RoleStart
	}
	for i := len(order) - 1; i >= 0; i-- {
		if outdeg[order[i]] == 0 {
			f.Nodes[idx[order[i]]].Role = RoleEnd
			break
		}
	}
}
