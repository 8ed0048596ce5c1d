// Package bayesnet derives a pruned, confidence-filtered DAG and
// conditional probability tables from the knowledge graph (C10), cached by
// a structural hash of the source subgraph with a TTL.
package bayesnet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

const (
	DefaultMaxNodes          = 1000
	DefaultMinEdgeConfidence = 0.3
	DefaultCacheTTL          = time.Hour
)

// ErrNotDAG is returned when a candidate network contains a cycle.
var ErrNotDAG = fmt.Errorf("bayesnet: candidate network is not acyclic")

// States are the discrete values a variable can take. All variables in a
// network share this state space, matching the graph-informed confidence
// banding described below.
var States = []string{"low", "medium", "high"}

// Node is a variable in the belief network.
type Node struct {
	ID         string
	Parents    []string
	CPD        map[string]map[string]float64 // parentStateKey -> state -> p
	MarginalP  map[string]float64             // used when Parents is empty
}

// Network is a pruned DAG with estimated CPDs, ready for querying.
type Network struct {
	Nodes map[string]*Node
	Order []string // topological order
	Hash  string
}

type cacheEntry struct {
	network   *Network
	expiresAt time.Time
}

// Builder derives Networks from a knowledge graph, caching by structural
// hash with a TTL so repeated builds over an unchanged subgraph are free.
type Builder struct {
	g                 *graph.KnowledgeGraph
	maxNodes          int
	minEdgeConfidence float64
	ttl               time.Duration
	now               func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewBuilder(g *graph.KnowledgeGraph, maxNodes int, minEdgeConfidence float64, ttl time.Duration) *Builder {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if minEdgeConfidence <= 0 {
		minEdgeConfidence = DefaultMinEdgeConfidence
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Builder{
		g: g, maxNodes: maxNodes, minEdgeConfidence: minEdgeConfidence, ttl: ttl,
		now: time.Now, cache: map[string]cacheEntry{},
	}
}

// Build prunes the graph to maxNodes (ranked by degree*frequency), drops
// edges below minEdgeConfidence, validates the result is a DAG, estimates
// CPDs, and caches the result keyed by a structural hash. Returns
// (nil, ErrNotDAG) if the pruned candidate has a cycle.
func (b *Builder) Build() (*Network, error) {
	pruned := b.pruneNodes()
	edges := b.filterEdges(pruned)
	hash := structuralHash(pruned, edges)

	b.mu.Lock()
	if entry, ok := b.cache[hash]; ok && b.now().Before(entry.expiresAt) {
		b.mu.Unlock()
		return entry.network, nil
	}
	b.mu.Unlock()

	if !isDAG(pruned, edges) {
		return nil, ErrNotDAG
	}

	net := &Network{Nodes: map[string]*Node{}, Hash: hash}
	for _, id := range pruned {
		net.Nodes[id] = &Node{ID: id}
	}
	for _, e := range edges {
		child := net.Nodes[e.Target]
		child.Parents = append(child.Parents, e.Source)
	}
	net.Order = topoOrder(pruned, edges)
	b.estimateCPDs(net, edges)

	b.mu.Lock()
	b.cache[hash] = cacheEntry{network: net, expiresAt: b.now().Add(b.ttl)}
	b.mu.Unlock()
	return net, nil
}

// pruneNodes ranks all graph nodes by degree*frequency descending and
// keeps the top maxNodes ids.
func (b *Builder) pruneNodes() []string {
	type scored struct {
		id    string
		score int
	}
	var all []scored
	for _, n := range b.g.AllNodes() {
		degree := len(b.g.Neighbors(n.ID, "")) + len(b.inboundCount(n.ID))
		freq := n.Frequency
		if freq <= 0 {
			freq = 1
		}
		all = append(all, scored{n.ID, degree * freq})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	if len(all) > b.maxNodes {
		all = all[:b.maxNodes]
	}
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	sort.Strings(ids)
	return ids
}

func (b *Builder) inboundCount(id string) []string {
	var in []string
	for _, e := range b.g.AllEdges() {
		if e.Target == id {
			in = append(in, e.Source)
		}
	}
	return in
}

// filterEdges keeps only edges between retained nodes with confidence at
// or above minEdgeConfidence.
func (b *Builder) filterEdges(keep []string) []*graph.Edge {
	kept := map[string]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	var out []*graph.Edge
	for _, e := range b.g.AllEdges() {
		if !kept[e.Source] || !kept[e.Target] {
			continue
		}
		if e.Confidence < b.minEdgeConfidence {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isDAG(nodes []string, edges []*graph.Edge) bool {
	idx := map[string]int64{}
	dg := simple.NewDirectedGraph()
	for i, id := range nodes {
		idx[id] = int64(i)
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, e := range edges {
		dg.SetEdge(simple.Edge{F: simple.Node(idx[e.Source]), T: simple.Node(idx[e.Target])})
	}
	_, err := topo.Sort(dg)
	return err == nil
}

func topoOrder(nodes []string, edges []*graph.Edge) []string {
	idx := map[string]int64{}
	rev := map[int64]string{}
	dg := simple.NewDirectedGraph()
	for i, id := range nodes {
		idx[id] = int64(i)
		rev[int64(i)] = id
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, e := range edges {
		dg.SetEdge(simple.Edge{F: simple.Node(idx[e.Source]), T: simple.Node(idx[e.Target])})
	}
	sorted, err := topo.Sort(dg)
	if err != nil {
		return nodes
	}
	out := make([]string, 0, len(sorted))
	for _, n := range sorted {
		out = append(out, rev[n.ID()])
	}
	return out
}

func structuralHash(nodes []string, edges []*graph.Edge) string {
	h := sha256.New()
	for _, id := range nodes {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	keys := make([]string, len(edges))
	for i, e := range edges {
		keys[i] = fmt.Sprintf("%s>%s", e.Source, e.Target)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// estimateCPDs fills in each node's CPD (or marginal, for roots) using
// graph-informed confidence banding rather than synthetic random sampling:
// a node's own state distribution is derived from the mean confidence of
// its incoming edges (high confidence -> weight toward "high"), and
// conditional rows for non-root nodes blend the parent's assumed state
// into that same banding, weighted by edge confidence.
func (b *Builder) estimateCPDs(net *Network, edges []*graph.Edge) {
	confidenceByTarget := map[string][]float64{}
	for _, e := range edges {
		confidenceByTarget[e.Target] = append(confidenceByTarget[e.Target], e.Confidence)
	}

	for _, id := range net.Order {
		n := net.Nodes[id]
		if len(n.Parents) == 0 {
			n.MarginalP = bandedDistribution(meanOf(confidenceByTarget[id]))
			continue
		}
		n.CPD = map[string]map[string]float64{}
		parentConfidences := confidenceByTarget[id]
		meanConf := meanOf(parentConfidences)
		for _, parentKey := range parentStateCombinations(len(n.Parents)) {
			bias := stateBias(parentKey)
			n.CPD[parentKey] = bandedDistribution(clamp01(meanConf + bias))
		}
	}
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// bandedDistribution turns a scalar confidence-like value in [0,1] into a
// probability distribution over States, concentrating mass on the band the
// value falls into while leaving nonzero mass on its neighbors.
func bandedDistribution(v float64) map[string]float64 {
	v = clamp01(v)
	low, med, high := 0.1, 0.1, 0.1
	switch {
	case v < 0.34:
		low = 0.7
		med = 0.2
	case v < 0.67:
		med = 0.7
		low = 0.15
		high = 0.15
	default:
		high = 0.7
		med = 0.2
	}
	total := low + med + high
	return map[string]float64{"low": low / total, "medium": med / total, "high": high / total}
}

// parentStateCombinations enumerates every joint assignment of n parents
// over States, encoded as a comma-joined key, e.g. "low,high".
func parentStateCombinations(n int) []string {
	if n == 0 {
		return []string{""}
	}
	var out []string
	var rec func(prefix []string, depth int)
	rec = func(prefix []string, depth int) {
		if depth == n {
			key := ""
			for i, s := range prefix {
				if i > 0 {
					key += ","
				}
				key += s
			}
			out = append(out, key)
			return
		}
		for _, s := range States {
			rec(append(prefix, s), depth+1)
		}
	}
	rec(nil, 0)
	return out
}

// stateBias nudges a CPD row's effective confidence up or down depending
// on how "high"-weighted the parent assignment key is, so conditioning on
// high-state parents shifts the child distribution upward.
func stateBias(parentKey string) float64 {
	if parentKey == "" {
		return 0
	}
	var score float64
	var n int
	start := 0
	for i := 0; i <= len(parentKey); i++ {
		if i == len(parentKey) || parentKey[i] == ',' {
			state := parentKey[start:i]
			switch state {
			case "high":
				score += 0.2
			case "low":
				score -= 0.2
			}
			n++
			start = i + 1
		}
	}
	if n == 0 {
		return 0
	}
	return score / float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
