package graph

import (
	"sync"
	"time"
)

// KnowledgeGraph is a facade over the node manager, edge manager, query
// service, and persistence, all protected by a single re-entrant-by-design
// lock (we use sync.RWMutex and never call back into the facade from
// within a held lock, which gives the same safety without true
// reentrancy). See §4.3 and §5.
type KnowledgeGraph struct {
	mu    sync.RWMutex
	nodes *nodeManager
	edges *edgeManager
	query *queryService
	pers  *persistence
	now   NowFunc
}

// New constructs an empty KnowledgeGraph. now defaults to time.Now.
func New(now NowFunc) *KnowledgeGraph {
	if now == nil {
		now = time.Now
	}
	n := newNodeManager()
	e := newEdgeManager()
	return &KnowledgeGraph{
		nodes: n,
		edges: e,
		query: newQueryService(n, e),
		pers:  newPersistence(),
		now:   now,
	}
}

// --- Node operations ---

func (g *KnowledgeGraph) AddChunk(id string, metadata map[string]any) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes.addChunk(id, metadata)
	g.pers.markDirty()
	return n
}

func (g *KnowledgeGraph) AddEntity(id, entityType string, metadata map[string]any) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes.addEntity(id, entityType, metadata)
	g.pers.markDirty()
	return n
}

func (g *KnowledgeGraph) Get(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes.get(id)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (g *KnowledgeGraph) RemoveNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := g.nodes.remove(id)
	if removed {
		g.pers.markDirty()
	}
	return removed
}

func (g *KnowledgeGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes.count()
}

func (g *KnowledgeGraph) NodeCountByType(t NodeType) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes.countByType(t)
}

// --- Edge operations ---

func (g *KnowledgeGraph) AddRelationship(source string, typ EdgeType, target string, confidence float64, metadata map[string]any) *Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.edges.addRelationship(source, typ, target, confidence, metadata)
	g.pers.markDirty()
	return e
}

func (g *KnowledgeGraph) RemoveEdge(source, target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := g.edges.removeEdge(source, target)
	if removed {
		g.pers.markDirty()
	}
	return removed
}

func (g *KnowledgeGraph) Neighbors(id string, typ EdgeType) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges.neighbors(id, typ)
}

func (g *KnowledgeGraph) EdgesFrom(id string, typ EdgeType) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges.edgesFrom(id, typ)
}

func (g *KnowledgeGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges.count()
}

func (g *KnowledgeGraph) AllEdges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges.all()
}

func (g *KnowledgeGraph) AllNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes.nodes))
	for _, n := range g.nodes.nodes {
		out = append(out, n)
	}
	return out
}

// --- Query operations ---

func (g *KnowledgeGraph) FindPath(src, tgt string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.query.findPath(src, tgt)
}

func (g *KnowledgeGraph) GetSubgraph(id string, depth int) Subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.query.getSubgraph(id, depth)
}

// --- Persistence ---

// Save writes the node-link JSON document to path, honoring the dirty
// flag unless force is true. Returns whether a write actually occurred.
func (g *KnowledgeGraph) Save(path string, force bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pers.save(path, g.nodes, g.edges, force)
}

// Load replaces this graph's contents with what is stored at path,
// rewiring the node/query views against the freshly loaded managers.
func (g *KnowledgeGraph) Load(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pers.load(path, g.nodes, g.edges); err != nil {
		return err
	}
	g.query = newQueryService(g.nodes, g.edges)
	return nil
}

// --- Bayesian-style node/edge augmentations (§4.3) ---

func (g *KnowledgeGraph) IncrementFrequency(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.nodes.incrementFrequency(id)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

func (g *KnowledgeGraph) UpdateImportance(id string, explicitWeight float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	degree := g.edges.degree(id)
	err := g.nodes.updateImportance(id, degree, explicitWeight)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

func (g *KnowledgeGraph) UpdateDecayScore(id string, decayHalfLifeDays float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.nodes.updateDecayScore(id, g.now, decayHalfLifeDays)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

func (g *KnowledgeGraph) UpdateEdgeConfidence(source string, typ EdgeType, target string, newConfidence float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.edges.updateConfidence(source, typ, target, newConfidence)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

// UpdateEdgeConfidenceBayesian applies new = clip(0.1, 0.95, 0.7*prior +
// 0.3*posterior), used when fresh evidence (e.g. a Bayesian posterior)
// should move an edge's confidence without fully overriding it.
func (g *KnowledgeGraph) UpdateEdgeConfidenceBayesian(source string, typ EdgeType, target string, posterior float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.edges.updateConfidenceBayesian(source, typ, target, posterior)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

func (g *KnowledgeGraph) IncrementEdgeFrequency(source string, typ EdgeType, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.edges.incrementFrequency(source, typ, target)
	if err == nil {
		g.pers.markDirty()
	}
	return err
}

// LinkSimilarEntities computes cosine similarity between the entity at id
// and all candidate entity ids (supplied by the caller — typically
// entities from a weakly-connected component other than id's own) and adds
// similar_to edges to the top-K whose similarity is at or above threshold.
func (g *KnowledgeGraph) LinkSimilarEntities(id string, candidates map[string][]float32, vec []float32, topK int, threshold float64, simFn func(a, b []float32) float64) int {
	var cands []scoredCandidate
	for cid, cvec := range candidates {
		if cid == id {
			continue
		}
		sim := simFn(vec, cvec)
		if sim >= threshold {
			cands = append(cands, scoredCandidate{cid, sim})
		}
	}
	sortScoredDesc(cands)
	if topK > 0 && len(cands) > topK {
		cands = cands[:topK]
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range cands {
		g.edges.addRelationship(id, EdgeSimilarTo, c.id, c.sim, map[string]any{"similarity": c.sim})
		g.edges.addRelationship(c.id, EdgeSimilarTo, id, c.sim, map[string]any{"similarity": c.sim})
	}
	if len(cands) > 0 {
		g.pers.markDirty()
	}
	return len(cands)
}

type scoredCandidate struct {
	id  string
	sim float64
}

func sortScoredDesc(s []scoredCandidate) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].sim > s[j-1].sim; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
