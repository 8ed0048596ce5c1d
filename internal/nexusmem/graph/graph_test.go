package graph

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddChunkAndEntity(t *testing.T) {
	g := New(nil)
	c := g.AddChunk("chunk-1", map[string]any{"text": "hello"})
	if c.Type != NodeChunk {
		t.Fatalf("expected chunk node, got %v", c.Type)
	}
	e := g.AddEntity("entity-tesla", "ORG", map[string]any{"name": "Tesla"})
	if e.Type != NodeEntity || e.EntityType != "ORG" {
		t.Fatalf("unexpected entity node: %+v", e)
	}
	if g.NodeCount() != 2 {
		t.Fatalf("expected 2 nodes, got %d", g.NodeCount())
	}
	if g.NodeCountByType(NodeChunk) != 1 || g.NodeCountByType(NodeEntity) != 1 {
		t.Fatalf("unexpected per-type counts")
	}
}

func TestAddChunkIdempotentMerge(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", map[string]any{"a": 1})
	g.AddChunk("c1", map[string]any{"b": 2})
	if g.NodeCount() != 1 {
		t.Fatalf("expected single merged node, got %d", g.NodeCount())
	}
	n, ok := g.Get("c1")
	if !ok {
		t.Fatal("expected node to exist")
	}
	if n.Metadata["a"] != 1 || n.Metadata["b"] != 2 {
		t.Fatalf("expected merged metadata, got %+v", n.Metadata)
	}
}

func TestAddRelationshipDuplicateIncrementsFrequency(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", nil)
	g.AddEntity("e1", "ORG", nil)
	g.AddRelationship("c1", EdgeMentions, "e1", 0.9, nil)
	g.AddRelationship("c1", EdgeMentions, "e1", 0.9, nil)
	if g.EdgeCount() != 1 {
		t.Fatalf("expected single deduped edge, got %d", g.EdgeCount())
	}
	edges := g.EdgesFrom("c1", EdgeMentions)
	if len(edges) != 1 || edges[0].Frequency != 2 {
		t.Fatalf("expected frequency 2 after duplicate add, got %+v", edges)
	}
}

func TestRemoveEdgeAndNode(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", nil)
	g.AddEntity("e1", "ORG", nil)
	g.AddRelationship("c1", EdgeMentions, "e1", 0.9, nil)
	if !g.RemoveEdge("c1", "e1") {
		t.Fatal("expected edge removal to succeed")
	}
	if g.EdgeCount() != 0 {
		t.Fatalf("expected no edges left, got %d", g.EdgeCount())
	}
	if !g.RemoveNode("e1") {
		t.Fatal("expected node removal to succeed")
	}
	if g.RemoveNode("e1") {
		t.Fatal("expected second removal to be a no-op")
	}
}

func TestFindPath(t *testing.T) {
	g := New(nil)
	g.AddChunk("a", nil)
	g.AddChunk("b", nil)
	g.AddChunk("c", nil)
	g.AddRelationship("a", EdgeReferences, "b", 1, nil)
	g.AddRelationship("b", EdgeReferences, "c", 1, nil)

	path := g.FindPath("a", "c")
	want := []string{"a", "b", "c"}
	if len(path) != len(want) {
		t.Fatalf("expected path %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, path)
		}
	}

	if got := g.FindPath("c", "a"); got != nil {
		t.Fatalf("expected no path against edge direction, got %v", got)
	}
}

func TestGetSubgraph(t *testing.T) {
	g := New(nil)
	g.AddChunk("hub", nil)
	g.AddChunk("n1", nil)
	g.AddChunk("n2", nil)
	g.AddChunk("far", nil)
	g.AddRelationship("hub", EdgeReferences, "n1", 1, nil)
	g.AddRelationship("n2", EdgeReferences, "hub", 1, nil)
	g.AddRelationship("n1", EdgeReferences, "far", 1, nil)

	sub := g.GetSubgraph("hub", 1)
	ids := map[string]bool{}
	for _, n := range sub.Nodes {
		ids[n.ID] = true
	}
	if !ids["hub"] || !ids["n1"] || !ids["n2"] {
		t.Fatalf("expected hub, n1, n2 within depth 1, got %+v", ids)
	}
	if ids["far"] {
		t.Fatalf("did not expect far within depth 1: %+v", ids)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", map[string]any{"text": "hello world"})
	g.AddEntity("e1", "PERSON", map[string]any{"name": "Ada"})
	g.AddRelationship("c1", EdgeMentions, "e1", 0.8, map[string]any{"span": "0-3"})

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	wrote, err := g.Save(path, true)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !wrote {
		t.Fatal("expected forced save to write")
	}

	g2 := New(nil)
	if err := g2.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	if g2.NodeCount() != g.NodeCount() || g2.EdgeCount() != g.EdgeCount() {
		t.Fatalf("node/edge counts diverged after round trip: (%d,%d) vs (%d,%d)",
			g2.NodeCount(), g2.EdgeCount(), g.NodeCount(), g.EdgeCount())
	}
	n, ok := g2.Get("e1")
	if !ok || n.EntityType != "PERSON" || n.Metadata["name"] != "Ada" {
		t.Fatalf("entity attributes did not survive round trip: %+v", n)
	}
	edges := g2.EdgesFrom("c1", EdgeMentions)
	if len(edges) != 1 || edges[0].Confidence != 0.8 || edges[0].Metadata["span"] != "0-3" {
		t.Fatalf("edge attributes did not survive round trip: %+v", edges)
	}
}

func TestSaveSkipsWhenNotDirty(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	if _, err := g.Save(path, true); err != nil {
		t.Fatalf("initial save: %v", err)
	}
	wrote, err := g.Save(path, false)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if wrote {
		t.Fatal("expected no-op save when graph is not dirty")
	}
}

func TestUpdateImportanceAndDecay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := base
	g := New(func() time.Time { return clk })
	g.AddChunk("c1", nil)
	g.AddChunk("c2", nil)
	g.AddRelationship("c1", EdgeReferences, "c2", 1, nil)

	if err := g.IncrementFrequency("c1"); err != nil {
		t.Fatalf("increment frequency: %v", err)
	}
	if err := g.UpdateImportance("c1", 0.5); err != nil {
		t.Fatalf("update importance: %v", err)
	}
	n, _ := g.Get("c1")
	if n.Importance <= 0 || n.Importance > 1 {
		t.Fatalf("expected importance in (0,1], got %v", n.Importance)
	}

	g2 := New(func() time.Time { return clk })
	nd := g2.AddChunk("d1", nil)
	nd.LastAccessed = base
	clk = base.Add(30 * 24 * time.Hour)
	if err := g2.UpdateDecayScore("d1", 30); err != nil {
		t.Fatalf("update decay: %v", err)
	}
	after, _ := g2.Get("d1")
	if after.DecayScore < 0.49 || after.DecayScore > 0.51 {
		t.Fatalf("expected half-life decay near 0.5, got %v", after.DecayScore)
	}
}

func TestUpdateEdgeConfidenceBayesianClips(t *testing.T) {
	g := New(nil)
	g.AddChunk("c1", nil)
	g.AddChunk("c2", nil)
	g.AddRelationship("c1", EdgeReferences, "c2", 0.95, nil)
	if err := g.UpdateEdgeConfidenceBayesian("c1", EdgeReferences, "c2", 1.0); err != nil {
		t.Fatalf("bayesian update: %v", err)
	}
	edges := g.EdgesFrom("c1", EdgeReferences)
	if len(edges) != 1 {
		t.Fatalf("expected one edge, got %d", len(edges))
	}
	if edges[0].Confidence > 0.95 {
		t.Fatalf("expected confidence clipped to <= 0.95, got %v", edges[0].Confidence)
	}
}

func TestLinkSimilarEntitiesTopK(t *testing.T) {
	g := New(nil)
	g.AddEntity("origin", "ORG", nil)
	g.AddEntity("close-1", "ORG", nil)
	g.AddEntity("close-2", "ORG", nil)
	g.AddEntity("far", "ORG", nil)

	candidates := map[string][]float32{
		"close-1": {1, 0, 0},
		"close-2": {0.99, 0.01, 0},
		"far":     {0, 1, 0},
	}
	sim := func(a, b []float32) float64 {
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
	linked := g.LinkSimilarEntities("origin", candidates, []float32{1, 0, 0}, 1, 0.85, sim)
	if linked != 1 {
		t.Fatalf("expected exactly 1 link under topK=1, got %d", linked)
	}
	neighbors := g.Neighbors("origin", EdgeSimilarTo)
	if len(neighbors) != 1 || neighbors[0] != "close-1" {
		t.Fatalf("expected origin linked to close-1, got %v", neighbors)
	}
	reverse := g.Neighbors("close-1", EdgeSimilarTo)
	if len(reverse) != 1 || reverse[0] != "origin" {
		t.Fatalf("expected symmetric similar_to edge, got %v", reverse)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	g := New(nil)
	if err := g.Load(filepath.Join(os.TempDir(), "does-not-exist-graph.json")); err == nil {
		t.Fatal("expected error loading nonexistent file")
	}
}
