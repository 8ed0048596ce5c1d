package nexus

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/graphquery"
	"github.com/nexuscore/memnexus/internal/nexusmem/tiers"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

func buildVectorTier(t *testing.T) *tiers.VectorTier {
	t.Helper()
	ctx := context.Background()
	emb := embedder.NewDeterministic(16, true)
	idx := vectorindex.NewMemory()
	if err := idx.CreateOrOpen(ctx, "memory_chunks", 16); err != nil {
		t.Fatalf("create: %v", err)
	}
	texts := []string{"Tesla was founded by Elon Musk", "bananas are yellow fruit"}
	vecs, _ := emb.EmbedBatch(ctx, texts)
	for i, text := range texts {
		id := "chunk-vec-" + string(rune('1'+i))
		if err := idx.Insert(ctx, "memory_chunks", []vectorindex.Item{{
			ID: id, Vector: vecs[i], Text: text, Metadata: map[string]string{"text": text},
		}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return tiers.NewVectorTier(emb, idx, "memory_chunks", 5)
}

func buildGraphTier(g *graph.KnowledgeGraph) *tiers.GraphTier {
	q := graphquery.New(g)
	return tiers.NewGraphTier(entities.RegexExtractor{}, g, q, false, 10)
}

func TestProcessEndToEndTeslaScenario(t *testing.T) {
	g := graph.New(nil)
	g.AddEntity("tesla", "ORG", nil)
	g.AddChunk("chunk-graph-1", map[string]any{"text": "Tesla was founded by Elon Musk"})
	g.AddRelationship("chunk-graph-1", graph.EdgeMentions, "tesla", 1, nil)

	vt := buildVectorTier(t)
	gt := buildGraphTier(g)

	p := New(vt, gt, nil, nil, NewDetector())
	resp := p.Process(context.Background(), Request{Query: "Tesla was founded by Elon Musk", Mode: ModeExecution})

	all := append(append([]tiers.Candidate{}, resp.Core...), resp.Extended...)
	if len(all) == 0 {
		t.Fatal("expected at least one candidate from vector+graph fan-out")
	}
	seen := map[string]bool{}
	for _, c := range all {
		if seen[c.ChunkID] {
			t.Fatalf("duplicate chunk id %s across core+extended", c.ChunkID)
		}
		seen[c.ChunkID] = true
	}
	if resp.Stats.TotalMs < 0 {
		t.Fatalf("expected non-negative total latency, got %v", resp.Stats.TotalMs)
	}
	var sum float64
	for _, s := range resp.Stats.Steps {
		sum += s.Ms
	}
	if sum != resp.Stats.TotalMs {
		t.Fatalf("expected total_ms to equal sum of step latencies: sum=%v total=%v", sum, resp.Stats.TotalMs)
	}
}

func TestProcessRespectsModeCoreSize(t *testing.T) {
	vt := buildVectorTier(t)
	p := New(vt, nil, nil, nil, nil)
	resp := p.Process(context.Background(), Request{Query: "Tesla was founded by Elon Musk", Mode: ModeExecution, ConfidenceThreshold: -1})
	if len(resp.Core) > profileFor(ModeExecution).CoreSize {
		t.Fatalf("expected core capped at execution core size, got %d", len(resp.Core))
	}
}

func TestProcessNilTiersDegradeToEmptyResult(t *testing.T) {
	p := New(nil, nil, nil, nil, nil)
	resp := p.Process(context.Background(), Request{Query: "anything", Mode: ModeExecution})
	if len(resp.Core) != 0 || len(resp.Extended) != 0 {
		t.Fatalf("expected empty result when no tiers are wired, got core=%+v extended=%+v", resp.Core, resp.Extended)
	}
}

func TestProcessExplicitModeBeatsDetector(t *testing.T) {
	p := New(nil, nil, nil, nil, NewDetector())
	resp := p.Process(context.Background(), Request{Query: "brainstorm some ideas", Mode: ModeExecution})
	for _, s := range resp.Stats.Steps {
		if s.Step == "route" {
			t.Fatal("expected no route step when an explicit mode is supplied")
		}
	}
}

func TestDetectModeExecutionCue(t *testing.T) {
	d := NewDetector()
	got := d.DetectMode("please fix the failing build")
	if got.Mode != ModeExecution {
		t.Fatalf("expected execution mode, got %v", got)
	}
}

func TestDetectModeBrainstormingCue(t *testing.T) {
	d := NewDetector()
	got := d.DetectMode("let's brainstorm some ideas for the launch")
	if got.Mode != ModeBrainstorming {
		t.Fatalf("expected brainstorming mode, got %v", got)
	}
}

func TestDetectModeDefaultsToPlanning(t *testing.T) {
	d := NewDetector()
	got := d.DetectMode("what is the status of the migration")
	if got.Mode != ModePlanning {
		t.Fatalf("expected planning mode as default, got %v", got)
	}
}

func TestFuseDeduplicatesKeepingHighestScore(t *testing.T) {
	vector := []tiers.Candidate{{ChunkID: "c1", Text: "hello", Score: 0.4, Tier: tiers.TierVector}}
	graphC := []tiers.Candidate{{ChunkID: "c1", Text: "hello", Score: 0.9, Tier: tiers.TierGraph}}
	out := fuse(vector, graphC, nil, TierWeights{Vector: 1, Graph: 1, Bayesian: 1}.normalized())
	if len(out) != 1 {
		t.Fatalf("expected dedup to one candidate, got %d", len(out))
	}
	if out[0].Score <= 0 {
		t.Fatalf("expected positive fused score, got %v", out[0].Score)
	}
}

func TestFilterByConfidenceMonotoneEmptyInEmptyOut(t *testing.T) {
	out := filterByConfidence(nil, DefaultConfidenceThreshold)
	if out != nil {
		t.Fatalf("expected nil out for nil in, got %+v", out)
	}
}

func TestFilterByConfidenceDropsBelowThreshold(t *testing.T) {
	in := []tiers.Candidate{{ChunkID: "a", Score: 0.1}, {ChunkID: "b", Score: 0.5}}
	out := filterByConfidence(in, 0.3)
	if len(out) != 1 || out[0].ChunkID != "b" {
		t.Fatalf("expected only b to survive threshold 0.3, got %+v", out)
	}
}

func TestBudgetCapRespectsTokenBudget(t *testing.T) {
	longText := make([]byte, 400)
	for i := range longText {
		longText[i] = 'a'
	}
	in := []tiers.Candidate{
		{ChunkID: "a", Score: 0.9, Text: string(longText)},
		{ChunkID: "b", Score: 0.8, Text: string(longText)},
		{ChunkID: "c", Score: 0.7, Text: string(longText)},
	}
	core, extended := budgetCap(in, 150, profileFor(ModeBrainstorming))
	total := len(core) + len(extended)
	if total != 1 {
		t.Fatalf("expected only the first 100-token candidate to fit a 150-token budget, got %d", total)
	}
}

func TestBudgetCapSplitsCoreAndExtendedByModeProfile(t *testing.T) {
	var in []tiers.Candidate
	for i := 0; i < 8; i++ {
		in = append(in, tiers.Candidate{ChunkID: string(rune('a' + i)), Score: float64(8 - i), Text: "x"})
	}
	core, extended := budgetCap(in, DefaultTokenBudget, profileFor(ModeExecution))
	if len(core) != profileFor(ModeExecution).CoreSize {
		t.Fatalf("expected core capped at execution core size 5, got %d", len(core))
	}
	if len(extended) != 3 {
		t.Fatalf("expected remaining 3 candidates in extended, got %d", len(extended))
	}
}

func TestFanOutWithNoTiersWiredReturnsNil(t *testing.T) {
	p := New(nil, nil, nil, nil, nil)
	vector, graphC, bayesian := p.fanOut(context.Background(), Request{Query: "q"}, DefaultTopK)
	if vector != nil || graphC != nil || bayesian != nil {
		t.Fatalf("expected nil results when no tiers are wired, got %v %v %v", vector, graphC, bayesian)
	}
}

func TestEstimateTokensCeilsLengthOverFour(t *testing.T) {
	if got := estimateTokens("abcde"); got != 2 {
		t.Fatalf("expected ceil(5/4)=2, got %d", got)
	}
	if got := estimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestProcessTracksStepLatenciesSummingToTotal(t *testing.T) {
	p := New(nil, nil, nil, nil, nil)
	resp := p.Process(context.Background(), Request{Query: "q", Mode: ModePlanning})
	if len(resp.Stats.Steps) == 0 {
		t.Fatal("expected recorded step latencies")
	}
	var sum float64
	for _, s := range resp.Stats.Steps {
		sum += s.Ms
	}
	if sum != resp.Stats.TotalMs {
		t.Fatalf("expected step latencies to sum to total %v, got %v", resp.Stats.TotalMs, sum)
	}
	_ = time.Millisecond // latency values are wall-clock, so only their sum is checked
}
