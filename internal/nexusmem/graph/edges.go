package graph

import "fmt"

// edgeKey uniquely identifies a directed (source,type,target) relation;
// the graph permits at most one edge per key, with frequency counting
// repeated observations instead of duplicate edges.
type edgeKey struct {
	source string
	typ    EdgeType
	target string
}

// edgeManager owns the edge set and the outbound adjacency index used by
// neighbor lookups and BFS traversal.
type edgeManager struct {
	edges map[edgeKey]*Edge
	// out[source] -> list of edgeKeys, for O(degree) neighbor scans.
	out map[string][]edgeKey
}

func newEdgeManager() *edgeManager {
	return &edgeManager{edges: map[edgeKey]*Edge{}, out: map[string][]edgeKey{}}
}

func (em *edgeManager) addRelationship(source string, typ EdgeType, target string, confidence float64, metadata map[string]any) *Edge {
	k := edgeKey{source, typ, target}
	if e, ok := em.edges[k]; ok {
		e.Frequency++
		for mk, mv := range metadata {
			e.Metadata[mk] = mv
		}
		return e
	}
	if confidence <= 0 {
		confidence = 1.0
	}
	e := &Edge{Source: source, Target: target, Type: typ, Confidence: confidence, Frequency: 1, Metadata: cloneMeta(metadata)}
	em.edges[k] = e
	em.out[source] = append(em.out[source], k)
	return e
}

func (em *edgeManager) removeEdge(source, target string) bool {
	removed := false
	for typ := range edgeTypesAll {
		k := edgeKey{source, typ, target}
		if _, ok := em.edges[k]; ok {
			delete(em.edges, k)
			em.out[source] = removeKey(em.out[source], k)
			removed = true
		}
	}
	return removed
}

var edgeTypesAll = map[EdgeType]bool{
	EdgeReferences: true, EdgeMentions: true, EdgeSimilarTo: true, EdgeRelatedTo: true,
}

func removeKey(keys []edgeKey, target edgeKey) []edgeKey {
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// neighbors returns target ids reachable from id via an outbound edge,
// optionally restricted to a single edge type.
func (em *edgeManager) neighbors(id string, typ EdgeType) []string {
	var out []string
	for _, k := range em.out[id] {
		if typ != "" && k.typ != typ {
			continue
		}
		out = append(out, k.target)
	}
	return out
}

func (em *edgeManager) edgesFrom(id string, typ EdgeType) []*Edge {
	var out []*Edge
	for _, k := range em.out[id] {
		if typ != "" && k.typ != typ {
			continue
		}
		out = append(out, em.edges[k])
	}
	return out
}

func (em *edgeManager) count() int { return len(em.edges) }

func (em *edgeManager) degree(id string) int {
	d := len(em.out[id])
	for k := range em.edges {
		if k.target == id {
			d++
		}
	}
	return d
}

func (em *edgeManager) get(source string, typ EdgeType, target string) (*Edge, bool) {
	e, ok := em.edges[edgeKey{source, typ, target}]
	return e, ok
}

func (em *edgeManager) all() []*Edge {
	out := make([]*Edge, 0, len(em.edges))
	for _, e := range em.edges {
		out = append(out, e)
	}
	return out
}

func (em *edgeManager) incrementFrequency(source string, typ EdgeType, target string) error {
	e, ok := em.get(source, typ, target)
	if !ok {
		return fmt.Errorf("graph: unknown edge %s-%s->%s", source, typ, target)
	}
	e.Frequency++
	return nil
}

// updateConfidence sets an edge's confidence directly (used for structural
// updates where the caller has an authoritative new value).
func (em *edgeManager) updateConfidence(source string, typ EdgeType, target string, newConfidence float64) error {
	e, ok := em.get(source, typ, target)
	if !ok {
		return fmt.Errorf("graph: unknown edge %s-%s->%s", source, typ, target)
	}
	e.Confidence = clamp(newConfidence, 0, 1)
	return nil
}

// updateConfidenceBayesian blends the prior confidence with fresh evidence
// using the Bayesian-style update new = clip(0.1, 0.95, 0.7*prior + 0.3*posterior).
func (em *edgeManager) updateConfidenceBayesian(source string, typ EdgeType, target string, posterior float64) error {
	e, ok := em.get(source, typ, target)
	if !ok {
		return fmt.Errorf("graph: unknown edge %s-%s->%s", source, typ, target)
	}
	e.Confidence = clamp(0.7*e.Confidence+0.3*posterior, 0.1, 0.95)
	return nil
}
