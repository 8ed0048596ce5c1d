package graph

// queryService answers structural questions (shortest path, bounded
// subgraph expansion) against the node/edge managers. It holds no state of
// its own; it is handed the live managers by the facade under lock.
type queryService struct {
	nodes *nodeManager
	edges *edgeManager
}

func newQueryService(n *nodeManager, e *edgeManager) *queryService {
	return &queryService{nodes: n, edges: e}
}

// findPath returns the shortest path from src to tgt as a node-id slice,
// or nil if disconnected.
func (q *queryService) findPath(src, tgt string) []string {
	if src == tgt {
		return []string{src}
	}
	if _, ok := q.nodes.get(src); !ok {
		return nil
	}
	visited := map[string]bool{src: true}
	prev := map[string]string{}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range q.edges.neighbors(cur, "") {
			if visited[next] {
				continue
			}
			visited[next] = true
			prev[next] = cur
			if next == tgt {
				return reconstructPath(prev, src, tgt)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func reconstructPath(prev map[string]string, src, tgt string) []string {
	path := []string{tgt}
	cur := tgt
	for cur != src {
		cur = prev[cur]
		path = append([]string{cur}, path...)
	}
	return path
}

// Subgraph is the result of a bounded BFS expansion around a node.
type Subgraph struct {
	Nodes []*Node
	Edges []*Edge
}

// getSubgraph expands forward and backward from id to the given depth,
// returning the induced node/edge set.
func (q *queryService) getSubgraph(id string, depth int) Subgraph {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for d := 0; d < depth; d++ {
		var next []string
		for _, n := range frontier {
			for _, out := range q.edges.neighbors(n, "") {
				if !seen[out] {
					seen[out] = true
					next = append(next, out)
				}
			}
			for _, in := range q.inboundNeighbors(n) {
				if !seen[in] {
					seen[in] = true
					next = append(next, in)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	var sub Subgraph
	for id := range seen {
		if n, ok := q.nodes.get(id); ok {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, e := range q.edges.all() {
		if seen[e.Source] && seen[e.Target] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub
}

func (q *queryService) inboundNeighbors(id string) []string {
	var out []string
	for _, e := range q.edges.all() {
		if e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}
