// Package api implements QueryAPI (§6): the single pure-Go contract an
// upstream agent runtime calls against. It deliberately carries no
// HTTP/stdio transport of its own — that binding lives outside this
// module — and does nothing but route calls to the wired components.
package api

import (
	"context"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/consolidate"
	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/eventlog"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/graphquery"
	"github.com/nexuscore/memnexus/internal/nexusmem/kvstore"
	"github.com/nexuscore/memnexus/internal/nexusmem/lifecycle"
	"github.com/nexuscore/memnexus/internal/nexusmem/memorystore"
	"github.com/nexuscore/memnexus/internal/nexusmem/nexus"
	"github.com/nexuscore/memnexus/internal/nexusmem/probengine"
	"github.com/nexuscore/memnexus/internal/nexusmem/tiers"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

// Options wires every dependency QueryAPI needs. Any field may be nil; the
// corresponding method degrades to an empty/zero result rather than
// panicking, matching the tiers' own never-fail-the-whole-query posture.
type Options struct {
	VectorTier   *tiers.VectorTier
	Processor    *nexus.Processor
	Store        *memorystore.Service
	Detector     *nexus.Detector
	Graph        *graph.KnowledgeGraph
	GraphQuery   *graphquery.Engine
	Extractor    entities.Extractor
	Prob         *probengine.Engine
	Lifecycle    *lifecycle.Manager
	Embedder     embedder.Embedder
	KV           *kvstore.Store
	Consolidator *consolidate.Consolidator
	Events       *eventlog.Log
}

// QueryAPI is the facade described in §6: VectorSearch, UnifiedSearch,
// MemoryStore, DetectMode, GraphQuery, EntityExtraction,
// HippoRAGRetrieve, BayesianInference, LifecycleStatus,
// ObservationTimeline.
type QueryAPI struct {
	opts Options
}

func New(opts Options) *QueryAPI { return &QueryAPI{opts: opts} }

// VectorSearch routes a query through the full SOP (C15) — fan-out, fuse,
// confidence filter, rerank and budget-cap — and flattens the result to a
// single candidate slice, optionally filtered by metadata predicate on the
// vector tier. It does not bypass the pipeline: a bare vector-tier lookup
// with no fusion or tier provenance would contradict §6, where
// `vector_search` is documented as SOP-routed.
func (a *QueryAPI) VectorSearch(ctx context.Context, query string, filter vectorindex.Predicate) ([]tiers.Candidate, error) {
	if a.opts.Processor == nil {
		return nil, nil
	}
	resp := a.opts.Processor.Process(ctx, nexus.Request{Query: query, Filter: filter})
	return append(resp.Core, resp.Extended...), nil
}

// UnifiedSearch is an alias of VectorSearch (§6), reserved for future
// parameter divergence; both run the same SOP call.
func (a *QueryAPI) UnifiedSearch(ctx context.Context, req nexus.Request) nexus.Response {
	if a.opts.Processor == nil {
		return nexus.Response{}
	}
	return a.opts.Processor.Process(ctx, req)
}

// MemoryStore ingests one chunk of text via the C19 pipeline.
func (a *QueryAPI) MemoryStore(ctx context.Context, req memorystore.StoreRequest) (memorystore.StoreResult, error) {
	if a.opts.Store == nil {
		return memorystore.StoreResult{}, nil
	}
	return a.opts.Store.Store(ctx, req)
}

// DetectMode classifies a query into execution/planning/brainstorming
// without running the full pipeline (C18, standalone).
func (a *QueryAPI) DetectMode(query string) nexus.DetectedMode {
	if a.opts.Detector == nil {
		return nexus.DetectedMode{}
	}
	return a.opts.Detector.DetectMode(query)
}

// GraphQueryResult bundles the knowledge-graph query surface (C8) exposed
// through a single call: personalized PageRank over the seed nodes, the
// chunks that rank highest under it, and a bounded multi-hop traversal.
type GraphQueryResult struct {
	PPRScores    map[string]float64
	TopChunks    []graphquery.ChunkScore
	MultiHop     graphquery.MultiHopResult
}

// GraphQuery runs PersonalizedPageRank from the given seed entities, ranks
// chunks by the resulting scores, and returns a bounded multi-hop
// traversal from the same seeds.
func (a *QueryAPI) GraphQuery(seedEntities []string, topK, maxHops int) GraphQueryResult {
	if a.opts.GraphQuery == nil {
		return GraphQueryResult{}
	}
	scores := a.opts.GraphQuery.PersonalizedPageRank(seedEntities, 0.85, 100, 1e-6)
	chunks := a.opts.GraphQuery.RankChunksByPPR(scores, topK)
	hops := a.opts.GraphQuery.MultiHopSearch(seedEntities, maxHops, nil)
	return GraphQueryResult{PPRScores: scores, TopChunks: chunks, MultiHop: hops}
}

// EntityExtraction runs the wired NER extractor (C3) over free text.
func (a *QueryAPI) EntityExtraction(ctx context.Context, text string, wantTypes []entities.Type) ([]entities.Span, error) {
	if a.opts.Extractor == nil {
		return nil, nil
	}
	return a.opts.Extractor.Extract(ctx, text, wantTypes)
}

// HippoRAGRetrieve runs the graph tier's HippoRAG-style PPR retrieval in
// isolation, for callers that want graph-only evidence without the full
// fused SOP.
func (a *QueryAPI) HippoRAGRetrieve(seedEntities []string, topK int) []graphquery.ChunkScore {
	if a.opts.GraphQuery == nil {
		return nil
	}
	scores := a.opts.GraphQuery.PersonalizedPageRank(seedEntities, 0.85, 100, 1e-6)
	return a.opts.GraphQuery.RankChunksByPPR(scores, topK)
}

// BayesianInference runs the probabilistic engine (C11) directly: posterior
// marginals for queryVars given evidence.
func (a *QueryAPI) BayesianInference(ctx context.Context, queryVars []string, evidence map[string]string) map[string]probengine.QueryResult {
	if a.opts.Prob == nil {
		return nil
	}
	if len(evidence) == 0 {
		return a.opts.Prob.QueryMarginal(ctx, queryVars)
	}
	return a.opts.Prob.QueryConditional(ctx, queryVars, evidence)
}

// LifecycleStatus reports per-stage chunk counts and Active-tier cohesion
// (C16/C17 observability).
func (a *QueryAPI) LifecycleStatus(ctx context.Context) (lifecycle.Stats, error) {
	if a.opts.Lifecycle == nil {
		return lifecycle.Stats{}, nil
	}
	return a.opts.Lifecycle.GetStageStats(ctx, a.opts.Embedder)
}

// ConsolidateEntities runs the knowledge-graph entity consolidator (C9)
// once: duplicate-variant detection, canonical selection, and edge
// redirection. A merge emits an entity_consolidated event when an event
// log is wired.
func (a *QueryAPI) ConsolidateEntities(ctx context.Context) (consolidate.Stats, error) {
	if a.opts.Consolidator == nil {
		return consolidate.Stats{}, nil
	}
	stats := a.opts.Consolidator.ConsolidateAll()
	if stats.EntitiesMerged > 0 && a.opts.Events != nil {
		_, _ = a.opts.Events.LogEvent(ctx, eventlog.EntityConsolidated, map[string]any{
			"groups_found":        stats.GroupsFound,
			"entities_merged":     stats.EntitiesMerged,
			"canonical_entities":  stats.CanonicalEntities,
			"consolidation_rate":  stats.ConsolidationRate,
			"initial_entity_count": stats.InitialEntityCount,
		}, time.Now())
	}
	return stats, nil
}

// ObservationTimeline returns the recorded observations for a session
// (optionally filtered by project/type) that occurred at or after `after`.
func (a *QueryAPI) ObservationTimeline(sessionID, project, obsType string, after time.Time, limit int) []kvstore.Observation {
	if a.opts.KV == nil {
		return nil
	}
	return a.opts.KV.GetObservations(sessionID, project, obsType, after, limit)
}
