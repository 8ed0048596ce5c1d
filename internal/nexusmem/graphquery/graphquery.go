// Package graphquery implements HippoRAG-style graph retrieval (C8):
// Personalized PageRank from query entities, PPR-weighted chunk ranking,
// multi-hop BFS, synonym expansion over similar_to edges, and entity
// neighborhoods. It queries a *graph.KnowledgeGraph but never mutates it.
package graphquery

import (
	"sort"

	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"gonum.org/v1/gonum/graph/simple"
)

const (
	DefaultAlpha      = 0.85
	DefaultMaxIter    = 100
	DefaultTolerance  = 1e-6
	DefaultMaxHops    = 3
	DefaultMaxSynonym = 5
)

// Engine answers PPR and traversal queries against a knowledge graph.
type Engine struct {
	g *graph.KnowledgeGraph
}

func New(g *graph.KnowledgeGraph) *Engine {
	return &Engine{g: g}
}

// view is a snapshot of the graph's structure as a gonum directed graph,
// plus the id<->int64 mapping power iteration needs. Built fresh per call
// since the knowledge graph may mutate between queries.
type view struct {
	ids   []string
	index map[string]int64
	dg    *simple.DirectedGraph
}

func (e *Engine) buildView() view {
	nodes := e.g.AllNodes()
	v := view{
		index: make(map[string]int64, len(nodes)),
		dg:    simple.NewDirectedGraph(),
	}
	for i, n := range nodes {
		v.ids = append(v.ids, n.ID)
		v.index[n.ID] = int64(i)
		v.dg.AddNode(simple.Node(int64(i)))
	}
	for _, e2 := range e.g.AllEdges() {
		src, okS := v.index[e2.Source]
		tgt, okT := v.index[e2.Target]
		if !okS || !okT {
			continue
		}
		if !v.dg.HasEdgeFromTo(src, tgt) {
			v.dg.SetEdge(simple.Edge{F: simple.Node(src), T: simple.Node(tgt)})
		}
	}
	return v
}

// PersonalizedPageRank runs PPR seeded uniformly over queryNodes, using a
// gonum directed graph for adjacency and hand-rolled power iteration (gonum
// has no reset-vector-biased PageRank primitive). Dangling nodes redirect
// their mass back into the personalization vector, matching networkx's
// convention. Returns an empty map, fail-soft, on non-convergence or when no
// query node is present in the graph.
func (e *Engine) PersonalizedPageRank(queryNodes []string, alpha float64, maxIter int, tol float64) map[string]float64 {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}
	if tol <= 0 {
		tol = DefaultTolerance
	}
	v := e.buildView()
	n := len(v.ids)
	if n == 0 {
		return map[string]float64{}
	}

	var valid []string
	for _, q := range queryNodes {
		if _, ok := v.index[q]; ok {
			valid = append(valid, q)
		}
	}
	if len(valid) == 0 {
		return map[string]float64{}
	}

	personalization := make([]float64, n)
	weight := 1.0 / float64(len(valid))
	for _, q := range valid {
		personalization[v.index[q]] = weight
	}

	outDegree := make([]float64, n)
	for i := 0; i < n; i++ {
		outDegree[i] = float64(len(e.successors(v, int64(i))))
	}

	rank := make([]float64, n)
	copy(rank, personalization)

	for iter := 0; iter < maxIter; iter++ {
		next := make([]float64, n)
		var danglingMass float64
		for i := 0; i < n; i++ {
			if outDegree[i] == 0 {
				danglingMass += rank[i]
				continue
			}
			share := rank[i] / outDegree[i]
			for _, succ := range e.successors(v, int64(i)) {
				next[succ] += share
			}
		}
		var delta float64
		for i := 0; i < n; i++ {
			val := alpha*(next[i]+danglingMass*personalization[i]) + (1-alpha)*personalization[i]
			delta += abs(val - rank[i])
			rank[i] = val
		}
		if delta < float64(n)*tol {
			break
		}
		if iter == maxIter-1 {
			// Did not converge within maxIter; fail soft per spec.
			return map[string]float64{}
		}
	}

	var total float64
	for _, r := range rank {
		total += r
	}
	out := make(map[string]float64, n)
	if total <= 0 {
		return out
	}
	for i, id := range v.ids {
		out[id] = rank[i] / total
	}
	return out
}

func (e *Engine) successors(v view, id int64) []int64 {
	it := v.dg.From(id)
	var out []int64
	for it.Next() {
		out = append(out, it.Node().ID())
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ChunkScore pairs a chunk node id with its aggregated PPR score.
type ChunkScore struct {
	ChunkID string
	Score   float64
}

// RankChunksByPPR sums the PPR scores of entities a chunk mentions (via
// outbound mentions edges) and returns the top-k chunks, descending.
func (e *Engine) RankChunksByPPR(pprScores map[string]float64, topK int) []ChunkScore {
	if len(pprScores) == 0 {
		return nil
	}
	var out []ChunkScore
	for _, n := range e.g.AllNodes() {
		if n.Type != graph.NodeChunk {
			continue
		}
		var sum float64
		for _, entity := range e.mentionedEntities(n.ID) {
			sum += pprScores[entity]
		}
		if sum > 0 {
			out = append(out, ChunkScore{ChunkID: n.ID, Score: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (e *Engine) mentionedEntities(chunkID string) []string {
	var out []string
	for _, edge := range e.g.EdgesFrom(chunkID, graph.EdgeMentions) {
		out = append(out, edge.Target)
	}
	return out
}

// EntityNeighbors returns outbound neighbors of entityID, optionally
// restricted to a single edge type.
func (e *Engine) EntityNeighbors(entityID string, edgeType graph.EdgeType) []string {
	if _, ok := e.g.Get(entityID); !ok {
		return nil
	}
	return e.g.Neighbors(entityID, edgeType)
}

// MultiHopResult is the outcome of a bounded BFS traversal.
type MultiHopResult struct {
	Entities  []string
	Paths     map[string][]string
	Distances map[string]int
}

// MultiHopSearch performs BFS from startNodes up to maxHops, optionally
// restricted to a set of edge types, collecting entity nodes encountered.
func (e *Engine) MultiHopSearch(startNodes []string, maxHops int, edgeTypes []graph.EdgeType) MultiHopResult {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	result := MultiHopResult{
		Paths:     map[string][]string{},
		Distances: map[string]int{},
	}
	entities := map[string]bool{}
	visited := map[string]bool{}
	type item struct {
		id   string
		dist int
		path []string
	}
	var queue []item
	for _, s := range startNodes {
		if _, ok := e.g.Get(s); !ok {
			continue
		}
		visited[s] = true
		result.Distances[s] = 0
		result.Paths[s] = []string{s}
		entities[s] = true
		queue = append(queue, item{s, 0, []string{s}})
	}

	allowed := map[graph.EdgeType]bool{}
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.dist >= maxHops {
			continue
		}
		for _, edge := range e.g.EdgesFrom(cur.id, "") {
			if len(allowed) > 0 && !allowed[edge.Type] {
				continue
			}
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			newDist := cur.dist + 1
			newPath := append(append([]string{}, cur.path...), edge.Target)
			result.Distances[edge.Target] = newDist
			result.Paths[edge.Target] = newPath
			if n, ok := e.g.Get(edge.Target); ok && n.Type == graph.NodeEntity {
				entities[edge.Target] = true
			}
			queue = append(queue, item{edge.Target, newDist, newPath})
		}
	}

	for id := range entities {
		result.Entities = append(result.Entities, id)
	}
	sort.Strings(result.Entities)
	return result
}

// ExpandWithSynonyms adds entities reachable via outbound similar_to edges
// (up to maxSynonyms per source entity) to the input set.
func (e *Engine) ExpandWithSynonyms(entityNodes []string, maxSynonyms int) []string {
	if maxSynonyms <= 0 {
		maxSynonyms = DefaultMaxSynonym
	}
	expanded := map[string]bool{}
	for _, id := range entityNodes {
		expanded[id] = true
	}
	for _, id := range entityNodes {
		if _, ok := e.g.Get(id); !ok {
			continue
		}
		count := 0
		for _, target := range e.g.Neighbors(id, graph.EdgeSimilarTo) {
			if count >= maxSynonyms {
				break
			}
			expanded[target] = true
			count++
		}
	}
	out := make([]string, 0, len(expanded))
	for id := range expanded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EntityNeighborhood returns the multi-hop neighborhood of entityID split
// into entity and (optionally) chunk node ids.
func (e *Engine) EntityNeighborhood(entityID string, hops int, includeChunks bool) (entities []string, chunks []string) {
	if hops <= 0 {
		hops = 1
	}
	res := e.MultiHopSearch([]string{entityID}, hops, nil)
	for _, id := range res.Entities {
		if id != entityID {
			entities = append(entities, id)
		}
	}
	if includeChunks {
		for id := range res.Paths {
			if n, ok := e.g.Get(id); ok && n.Type == graph.NodeChunk {
				chunks = append(chunks, id)
			}
		}
	}
	sort.Strings(chunks)
	return entities, chunks
}
