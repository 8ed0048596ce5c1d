// Package tiers implements the three retrieval tiers (C12 vector, C13
// graph, C14 Bayesian) that the Nexus SOP fans a query out to. Each tier
// returns a uniform Candidate shape so fusion never needs to know which
// backend produced a result.
package tiers

import (
	"context"
	"sort"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/graphquery"
	"github.com/nexuscore/memnexus/internal/nexusmem/probengine"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

// TierName identifies which retrieval tier produced a Candidate.
type TierName string

const (
	TierVector   TierName = "vector"
	TierGraph    TierName = "graph"
	TierBayesian TierName = "bayesian"
)

// Candidate is the common shape every tier emits, grounded on the
// teacher's RetrievedItem.
type Candidate struct {
	ChunkID  string
	Text     string
	Score    float64
	Metadata map[string]any
	Tier     TierName
}

const (
	DefaultKVector = 50
	DefaultMaxHops = 3
)

// VectorTier embeds the query once and queries the vector index for the
// top K nearest chunks, with no metadata filter by default.
type VectorTier struct {
	Embedder   embedder.Embedder
	Index      vectorindex.VectorIndex
	Collection string
	K          int
}

func NewVectorTier(e embedder.Embedder, idx vectorindex.VectorIndex, collection string, k int) *VectorTier {
	if k <= 0 {
		k = DefaultKVector
	}
	if collection == "" {
		collection = vectorindex.DefaultCollection
	}
	return &VectorTier{Embedder: e, Index: idx, Collection: collection, K: k}
}

func (t *VectorTier) Retrieve(ctx context.Context, query string, filter vectorindex.Predicate) ([]Candidate, error) {
	vecs, err := t.Embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	results, err := t.Index.Query(ctx, t.Collection, vecs[0], t.K, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{
			ChunkID:  r.ID,
			Text:     r.Text,
			Score:    r.Similarity,
			Metadata: stringMapToAny(r.Metadata),
			Tier:     TierVector,
		})
	}
	return out, nil
}

func stringMapToAny(md map[string]string) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func textFromMetadata(md map[string]any) string {
	if md == nil {
		return ""
	}
	if s, ok := md["text"].(string); ok {
		return s
	}
	return ""
}

// GraphTier extracts entities from the query, matches them against the
// knowledge graph, and ranks chunks by Personalized PageRank.
type GraphTier struct {
	Extractor entities.Extractor
	Graph     *graph.KnowledgeGraph
	Query     *graphquery.Engine
	MultiHop  bool
	MaxHops   int
	TopK      int
}

func NewGraphTier(extractor entities.Extractor, g *graph.KnowledgeGraph, q *graphquery.Engine, multiHop bool, topK int) *GraphTier {
	if topK <= 0 {
		topK = DefaultKVector
	}
	return &GraphTier{Extractor: extractor, Graph: g, Query: q, MultiHop: multiHop, MaxHops: DefaultMaxHops, TopK: topK}
}

func (t *GraphTier) Retrieve(ctx context.Context, query string) []Candidate {
	spans, err := t.Extractor.Extract(ctx, query, nil)
	if err != nil {
		return nil
	}
	var seeds []string
	for _, s := range spans {
		id := entities.Normalize(s.Text)
		if _, ok := t.Graph.Get(id); ok {
			seeds = append(seeds, id)
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	if t.MultiHop {
		expanded := t.Query.MultiHopSearch(seeds, t.MaxHops, nil)
		seeds = expanded.Entities
	}

	scores := t.Query.PersonalizedPageRank(seeds, 0, 0, 0)
	ranked := t.Query.RankChunksByPPR(scores, t.TopK)

	out := make([]Candidate, 0, len(ranked))
	for _, r := range ranked {
		n, ok := t.Graph.Get(r.ChunkID)
		md := map[string]any{}
		if ok {
			md = n.Metadata
		}
		out = append(out, Candidate{
			ChunkID:  r.ChunkID,
			Text:     textFromMetadata(md),
			Score:    r.Score,
			Metadata: md,
			Tier:     TierGraph,
		})
	}
	return out
}

// BayesianTier resolves a posterior over the first matched query entity and
// scales the score of chunks mentioning it.
type BayesianTier struct {
	Extractor entities.Extractor
	Graph     *graph.KnowledgeGraph
	Engine    *probengine.Engine // nil means "no network available"
	Timeout   time.Duration
}

func NewBayesianTier(extractor entities.Extractor, g *graph.KnowledgeGraph, eng *probengine.Engine, timeout time.Duration) *BayesianTier {
	if timeout <= 0 {
		timeout = probengine.DefaultTimeout
	}
	return &BayesianTier{Extractor: extractor, Graph: g, Engine: eng, Timeout: timeout}
}

func (t *BayesianTier) Retrieve(ctx context.Context, query string, evidence map[string]string) []Candidate {
	if t.Engine == nil {
		return nil
	}
	spans, err := t.Extractor.Extract(ctx, query, nil)
	if err != nil {
		return nil
	}
	var entityID string
	for _, s := range spans {
		id := entities.Normalize(s.Text)
		if _, ok := t.Graph.Get(id); ok {
			entityID = id
			break
		}
	}
	if entityID == "" {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	results := t.Engine.QueryConditional(qctx, []string{entityID}, evidence)
	if qctx.Err() != nil {
		return nil
	}
	res, ok := results[entityID]
	if !ok {
		return nil
	}
	_, posterior := topState(res.Probabilities)

	var out []Candidate
	for _, chunkID := range t.mentioningChunks(entityID) {
		n, ok := t.Graph.Get(chunkID)
		md := map[string]any{}
		if ok {
			md = n.Metadata
		}
		out = append(out, Candidate{
			ChunkID:  chunkID,
			Text:     textFromMetadata(md),
			Score:    posterior,
			Metadata: md,
			Tier:     TierBayesian,
		})
	}
	return out
}

func (t *BayesianTier) mentioningChunks(entityID string) []string {
	var out []string
	for _, n := range t.Graph.AllNodes() {
		if n.Type != graph.NodeChunk {
			continue
		}
		for _, e := range t.Graph.EdgesFrom(n.ID, graph.EdgeMentions) {
			if e.Target == entityID {
				out = append(out, n.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func topState(dist map[string]float64) (string, float64) {
	var states []string
	for s := range dist {
		states = append(states, s)
	}
	sort.Strings(states)
	best := ""
	bestP := -1.0
	for _, s := range states {
		if dist[s] > bestP {
			best, bestP = s, dist[s]
		}
	}
	return best, bestP
}
