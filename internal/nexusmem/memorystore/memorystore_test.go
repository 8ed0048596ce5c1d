package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/eventlog"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/lifecycle"
	"github.com/nexuscore/memnexus/internal/nexusmem/tags"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

func newService(t *testing.T, policy tags.Policy) (*Service, *vectorindex.Memory, *graph.KnowledgeGraph) {
	t.Helper()
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	if err := idx.CreateOrOpen(ctx, vectorindex.DefaultCollection, 16); err != nil {
		t.Fatalf("create: %v", err)
	}
	g := graph.New(nil)
	svc := New(Options{
		Embedder:  embedder.NewDeterministic(16, true),
		Index:     idx,
		Extractor: entities.RegexExtractor{},
		Graph:     g,
		TagPolicy: policy,
	})
	return svc, idx, g
}

func TestStoreStrictPolicyRejectsMissingTags(t *testing.T) {
	svc, _, _ := newService(t, tags.Strict)
	_, err := svc.Store(context.Background(), StoreRequest{Text: "Tesla was founded by Elon Musk"})
	if err == nil {
		t.Fatal("expected strict policy to reject a request with no mandatory tags")
	}
}

func TestStoreAutoFillPopulatesDocumentedDefaults(t *testing.T) {
	svc, idx, _ := newService(t, tags.AutoFill)
	before := time.Now()
	result, err := svc.Store(context.Background(), StoreRequest{Text: "Tesla was founded by Elon Musk"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}

	wantFilled := map[string]bool{"who": true, "when": true, "project": true, "why": true}
	if len(result.TagsAutoFilled) != len(wantFilled) {
		t.Fatalf("expected all four mandatory tags auto-filled, got %v", result.TagsAutoFilled)
	}
	for _, f := range result.TagsAutoFilled {
		if !wantFilled[f] {
			t.Fatalf("unexpected auto-filled tag %q", f)
		}
	}

	if result.Metadata["who"] != "unknown:mcp-client" {
		t.Fatalf("expected who=unknown:mcp-client, got %q", result.Metadata["who"])
	}
	if result.Metadata["project"] != "untagged" {
		t.Fatalf("expected project=untagged, got %q", result.Metadata["project"])
	}
	if result.Metadata["why"] != "unspecified" {
		t.Fatalf("expected why=unspecified, got %q", result.Metadata["why"])
	}
	whenParsed, err := time.Parse(time.RFC3339, result.Metadata["when"])
	if err != nil {
		t.Fatalf("expected when to parse as RFC3339, got %q: %v", result.Metadata["when"], err)
	}
	if whenParsed.Before(before.Add(-time.Minute)) || whenParsed.After(time.Now().Add(time.Minute)) {
		t.Fatalf("expected when to be approximately now, got %v", whenParsed)
	}

	if result.TextLength != len("Tesla was founded by Elon Musk") {
		t.Fatalf("unexpected text length %d", result.TextLength)
	}
	if idx.Count(vectorindex.DefaultCollection) != 1 {
		t.Fatalf("expected chunk inserted into vector index")
	}
}

func TestStoreWithFullTagsAutoFillsNothing(t *testing.T) {
	svc, _, _ := newService(t, tags.AutoFill)
	result, err := svc.Store(context.Background(), StoreRequest{
		Text: "the launch is scheduled for next week", Who: "alice", When: time.Now(), Project: "nexus", Why: "planning",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(result.TagsAutoFilled) != 0 {
		t.Fatalf("expected no auto-filled tags when all mandatory fields are supplied, got %v", result.TagsAutoFilled)
	}
}

func TestStoreAddsChunkAndEntityNodesToGraph(t *testing.T) {
	svc, _, g := newService(t, tags.AutoFill)
	_, err := svc.Store(context.Background(), StoreRequest{Text: "Tesla was founded by Elon Musk"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if g.NodeCountByType(graph.NodeChunk) != 1 {
		t.Fatalf("expected one chunk node, got %d", g.NodeCountByType(graph.NodeChunk))
	}
	if g.NodeCountByType(graph.NodeEntity) == 0 {
		t.Fatal("expected at least one entity node extracted from text")
	}
}

func TestStoreLogsChunkAddedEvent(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	idx.CreateOrOpen(ctx, vectorindex.DefaultCollection, 16)
	g := graph.New(nil)

	dir := t.TempDir()
	evLog, err := eventlog.Open(dir + "/events.db")
	if err != nil {
		t.Fatalf("open eventlog: %v", err)
	}
	defer evLog.Close()

	svc := New(Options{
		Embedder: embedder.NewDeterministic(16, true), Index: idx,
		Extractor: entities.RegexExtractor{}, Graph: g, Events: evLog, TagPolicy: tags.AutoFill,
	})

	if _, err := svc.Store(ctx, StoreRequest{Text: "a plain note"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	events, err := evLog.QueryByTimerange(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), []eventlog.Type{eventlog.ChunkAdded})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one chunk_added event, got %d", len(events))
	}
}

func TestStoreTriggersLifecycleSweepWithoutFailingOnEmptySweep(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemory()
	idx.CreateOrOpen(ctx, vectorindex.DefaultCollection, 16)
	kv := newNoopKV()
	mgr := lifecycle.NewManager(idx, vectorindex.DefaultCollection, kv)

	svc := New(Options{
		Embedder: embedder.NewDeterministic(16, true), Index: idx,
		Extractor: entities.RegexExtractor{}, Graph: graph.New(nil), Lifecycle: mgr, TagPolicy: tags.AutoFill,
	})

	if _, err := svc.Store(ctx, StoreRequest{Text: "fresh note"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if idx.Count(vectorindex.DefaultCollection) != 1 {
		t.Fatalf("expected the freshly stored chunk to remain active, not swept away")
	}
}

func TestStoreChunkIDIsContentDerivedAndIdempotent(t *testing.T) {
	svc, idx, _ := newService(t, tags.AutoFill)
	ctx := context.Background()

	first, err := svc.Store(ctx, StoreRequest{Text: "Tesla was founded by Elon Musk"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	second, err := svc.Store(ctx, StoreRequest{Text: "Tesla was founded by Elon Musk"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if first.ChunkID != second.ChunkID {
		t.Fatalf("expected re-ingesting identical text to derive the same chunk id, got %q vs %q", first.ChunkID, second.ChunkID)
	}
	if idx.Count(vectorindex.DefaultCollection) != 1 {
		t.Fatalf("expected re-ingestion to upsert rather than duplicate, got %d chunks", idx.Count(vectorindex.DefaultCollection))
	}

	third, err := svc.Store(ctx, StoreRequest{Text: "a different note entirely"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if third.ChunkID == first.ChunkID {
		t.Fatal("expected distinct text to derive a distinct chunk id")
	}
}

type noopKV struct{ data map[string]string }

func newNoopKV() *noopKV { return &noopKV{data: map[string]string{}} }

func (k *noopKV) Get(key string) (string, bool) { v, ok := k.data[key]; return v, ok }
func (k *noopKV) Set(key, value string) error    { k.data[key] = value; return nil }
func (k *noopKV) Delete(key string) error         { delete(k.data, key); return nil }
func (k *noopKV) Keys(prefix string) []string {
	var out []string
	for key := range k.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key)
		}
	}
	return out
}
