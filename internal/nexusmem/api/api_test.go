package api

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/bayesnet"
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
	"github.com/nexuscore/memnexus/internal/nexusmem/tags"
	"github.com/nexuscore/memnexus/internal/nexusmem/tiers"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

func TestQueryAPIZeroValueDegradesGracefully(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	if got, err := a.VectorSearch(ctx, "q", nil); got != nil || err != nil {
		t.Fatalf("expected nil/nil, got %v %v", got, err)
	}
	if resp := a.UnifiedSearch(ctx, nexus.Request{Query: "q"}); len(resp.Core) != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
	if got := a.DetectMode("hello"); got.Mode != "" {
		t.Fatalf("expected zero-value mode, got %+v", got)
	}
	if got := a.GraphQuery(nil, 5, 2); got.PPRScores != nil {
		t.Fatalf("expected empty graph query result, got %+v", got)
	}
	if got, err := a.EntityExtraction(ctx, "text", nil); got != nil || err != nil {
		t.Fatalf("expected nil/nil, got %v %v", got, err)
	}
	if got := a.BayesianInference(ctx, []string{"a"}, nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if stats, err := a.LifecycleStatus(ctx); stats != (lifecycle.Stats{}) || err != nil {
		t.Fatalf("expected zero stats, got %+v %v", stats, err)
	}
	if got := a.ObservationTimeline("s", "p", "", time.Time{}, 10); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if stats, err := a.ConsolidateEntities(ctx); stats != (consolidate.Stats{}) || err != nil {
		t.Fatalf("expected zero stats, got %+v %v", stats, err)
	}
}

func TestQueryAPIConsolidateEntitiesMergesDuplicatesAndLogsEvent(t *testing.T) {
	ctx := context.Background()
	g := graph.New(nil)
	g.AddEntity("nasa rule 10", "concept", map[string]any{"text": "NASA Rule 10"})
	g.AddEntity("nasa_rule_10", "concept", map[string]any{"text": "NASA_Rule_10"})

	dir := t.TempDir()
	evLog, err := eventlog.Open(dir + "/events.db")
	if err != nil {
		t.Fatalf("open eventlog: %v", err)
	}
	defer evLog.Close()

	a := New(Options{Consolidator: consolidate.New(g, 0), Events: evLog})

	stats, err := a.ConsolidateEntities(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if stats.EntitiesMerged != 1 {
		t.Fatalf("expected one entity merged, got %+v", stats)
	}
	if g.NodeCountByType(graph.NodeEntity) != 1 {
		t.Fatalf("expected duplicates merged down to one entity node")
	}

	events, err := evLog.QueryByTimerange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), []eventlog.Type{eventlog.EntityConsolidated})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one entity_consolidated event, got %d", len(events))
	}
}

func TestQueryAPIVectorSearchRoutesThroughSOP(t *testing.T) {
	ctx := context.Background()
	emb := embedder.NewDeterministic(16, true)
	idx := vectorindex.NewMemory()
	idx.CreateOrOpen(ctx, "memory_chunks", 16)
	vecs, _ := emb.EmbedBatch(ctx, []string{"Tesla was founded by Elon Musk"})
	idx.Insert(ctx, "memory_chunks", []vectorindex.Item{{ID: "c1", Vector: vecs[0], Text: "Tesla was founded by Elon Musk", Metadata: map[string]string{"text": "Tesla was founded by Elon Musk"}}})

	vt := tiers.NewVectorTier(emb, idx, "memory_chunks", 5)
	proc := nexus.New(vt, nil, nil, nil, nil)
	a := New(Options{VectorTier: vt, Processor: proc})

	got, err := a.VectorSearch(ctx, "Tesla", nil)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != "c1" {
		t.Fatalf("expected one candidate c1, got %+v", got)
	}
	if got[0].Tier != tiers.TierVector {
		t.Fatalf("expected tier provenance from the SOP, got %+v", got[0])
	}
}

func TestQueryAPIDetectModeDelegatesToDetector(t *testing.T) {
	a := New(Options{Detector: nexus.NewDetector()})
	got := a.DetectMode("please fix the build")
	if got.Mode != nexus.ModeExecution {
		t.Fatalf("expected execution mode, got %+v", got)
	}
}

func TestQueryAPIGraphQueryRanksSeedEntities(t *testing.T) {
	g := graph.New(nil)
	g.AddEntity("tesla", "ORG", nil)
	g.AddChunk("chunk1", map[string]any{"text": "about tesla"})
	g.AddRelationship("chunk1", graph.EdgeMentions, "tesla", 1, nil)

	a := New(Options{Graph: g, GraphQuery: graphquery.New(g)})
	got := a.GraphQuery([]string{"tesla"}, 5, 2)
	if len(got.PPRScores) == 0 {
		t.Fatal("expected non-empty PPR scores")
	}
	if len(got.TopChunks) == 0 {
		t.Fatal("expected at least one ranked chunk")
	}
}

func TestQueryAPIEntityExtractionDelegatesToExtractor(t *testing.T) {
	a := New(Options{Extractor: entities.RegexExtractor{}})
	got, err := a.EntityExtraction(context.Background(), "Tesla was founded by Elon Musk", nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one extracted span")
	}
}

func sampleNetwork() *bayesnet.Network {
	return &bayesnet.Network{
		Order: []string{"a"},
		Nodes: map[string]*bayesnet.Node{
			"a": {ID: "a", MarginalP: map[string]float64{"low": 0.2, "high": 0.8}},
		},
	}
}

func TestQueryAPIBayesianInferenceMarginalWhenNoEvidence(t *testing.T) {
	a := New(Options{Prob: probengine.New(sampleNetwork())})
	got := a.BayesianInference(context.Background(), []string{"a"}, nil)
	if _, ok := got["a"]; !ok {
		t.Fatalf("expected result for variable a, got %+v", got)
	}
}

func TestQueryAPILifecycleStatusDelegatesToManager(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	idx.CreateOrOpen(ctx, "memory_chunks", 4)
	idx.Insert(ctx, "memory_chunks", []vectorindex.Item{{ID: "c1", Vector: []float32{0.1, 0.2, 0.3, 0.4}, Text: "x", Metadata: map[string]string{"stage": "active"}}})
	kv := newMemKV()
	mgr := lifecycle.NewManager(idx, "memory_chunks", kv)

	a := New(Options{Lifecycle: mgr})
	stats, err := a.LifecycleStatus(ctx)
	if err != nil {
		t.Fatalf("lifecycle status: %v", err)
	}
	if stats.Active != 1 {
		t.Fatalf("expected 1 active chunk, got %+v", stats)
	}
}

func TestQueryAPIObservationTimelineDelegatesToKV(t *testing.T) {
	dir := t.TempDir()
	kv, err := kvstore.Open(dir + "/kv.db")
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	defer kv.Close()

	now := time.Now()
	if err := kv.RecordObservation(kvstore.Observation{SessionID: "s1", Project: "p1", Type: "note", Content: "hi", Timestamp: now}); err != nil {
		t.Fatalf("record: %v", err)
	}

	a := New(Options{KV: kv})
	got := a.ObservationTimeline("s1", "p1", "", now.Add(-time.Minute), 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(got))
	}
}

func TestQueryAPIMemoryStoreDelegatesToService(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	idx.CreateOrOpen(ctx, vectorindex.DefaultCollection, 16)
	svc := memorystore.New(memorystore.Options{
		Embedder: embedder.NewDeterministic(16, true), Index: idx,
		Extractor: entities.RegexExtractor{}, Graph: graph.New(nil), TagPolicy: tags.AutoFill,
	})

	a := New(Options{Store: svc})
	result, err := a.MemoryStore(ctx, memorystore.StoreRequest{Text: "a note"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
}

type memKV struct{ data map[string]string }

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(key string) (string, bool) { v, ok := m.data[key]; return v, ok }
func (m *memKV) Set(key, value string) error    { m.data[key] = value; return nil }
func (m *memKV) Delete(key string) error         { delete(m.data, key); return nil }
func (m *memKV) Keys(prefix string) []string {
	var out []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}
