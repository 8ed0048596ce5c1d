package tiers

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/bayesnet"
	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/graphquery"
	"github.com/nexuscore/memnexus/internal/nexusmem/probengine"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

func TestVectorTierRetrieve(t *testing.T) {
	ctx := context.Background()
	emb := embedder.NewDeterministic(16, true)
	idx := vectorindex.NewMemory()
	if err := idx.CreateOrOpen(ctx, "memory_chunks", 16); err != nil {
		t.Fatalf("create: %v", err)
	}
	vecs, _ := emb.EmbedBatch(ctx, []string{"Tesla builds electric cars"})
	if err := idx.Insert(ctx, "memory_chunks", []vectorindex.Item{{
		ID: "c1", Vector: vecs[0], Text: "Tesla builds electric cars", Metadata: map[string]string{"text": "Tesla builds electric cars"},
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tier := NewVectorTier(emb, idx, "memory_chunks", 5)
	cands, err := tier.Retrieve(ctx, "Tesla builds electric cars", nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(cands) != 1 || cands[0].ChunkID != "c1" || cands[0].Tier != TierVector {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
}

func TestGraphTierRetrieveNoMatchedEntities(t *testing.T) {
	g := graph.New(nil)
	q := graphquery.New(g)
	tier := NewGraphTier(entities.RegexExtractor{}, g, q, false, 10)
	cands := tier.Retrieve(context.Background(), "nothing matches here")
	if cands != nil {
		t.Fatalf("expected nil candidates with no matching entities, got %+v", cands)
	}
}

func TestGraphTierRetrieveRanksMentioningChunks(t *testing.T) {
	g := graph.New(nil)
	g.AddEntity("tesla", "ORG", nil)
	g.AddChunk("chunk-1", map[string]any{"text": "about Tesla"})
	g.AddRelationship("chunk-1", graph.EdgeMentions, "tesla", 1, nil)

	q := graphquery.New(g)
	tier := NewGraphTier(entities.RegexExtractor{}, g, q, false, 10)
	cands := tier.Retrieve(context.Background(), "Tell me about Tesla")
	if len(cands) != 1 || cands[0].ChunkID != "chunk-1" || cands[0].Tier != TierGraph {
		t.Fatalf("expected chunk-1 ranked via graph tier, got %+v", cands)
	}
}

func TestBayesianTierNilEngineReturnsEmpty(t *testing.T) {
	g := graph.New(nil)
	tier := NewBayesianTier(entities.RegexExtractor{}, g, nil, 0)
	cands := tier.Retrieve(context.Background(), "Tesla", nil)
	if cands != nil {
		t.Fatalf("expected nil candidates with no Bayesian engine wired, got %+v", cands)
	}
}

func TestBayesianTierScalesScoreByPosterior(t *testing.T) {
	g := graph.New(nil)
	g.AddEntity("tesla", "ORG", nil)
	g.AddChunk("chunk-1", map[string]any{"text": "about Tesla"})
	g.AddRelationship("chunk-1", graph.EdgeMentions, "tesla", 1, nil)

	net := &bayesnet.Network{
		Nodes: map[string]*bayesnet.Node{
			"tesla": {ID: "tesla", MarginalP: map[string]float64{"low": 0.1, "medium": 0.1, "high": 0.8}},
		},
	}
	eng := probengine.New(net)
	tier := NewBayesianTier(entities.RegexExtractor{}, g, eng, time.Second)
	cands := tier.Retrieve(context.Background(), "Tesla", nil)
	if len(cands) != 1 || cands[0].ChunkID != "chunk-1" {
		t.Fatalf("expected chunk-1 scaled by posterior, got %+v", cands)
	}
	if cands[0].Score != 0.8 {
		t.Fatalf("expected posterior-scaled score 0.8, got %v", cands[0].Score)
	}
}

func TestBayesianTierTimeoutDegradesToEmpty(t *testing.T) {
	g := graph.New(nil)
	g.AddEntity("tesla", "ORG", nil)
	net := &bayesnet.Network{Nodes: map[string]*bayesnet.Node{
		"tesla": {ID: "tesla", MarginalP: map[string]float64{"low": 1}},
	}}
	eng := probengine.New(net)
	tier := NewBayesianTier(entities.RegexExtractor{}, g, eng, time.Nanosecond)

	time.Sleep(time.Millisecond)
	cands := tier.Retrieve(context.Background(), "Tesla", nil)
	if cands != nil {
		t.Fatalf("expected degradation to empty on timeout, got %+v", cands)
	}
}
