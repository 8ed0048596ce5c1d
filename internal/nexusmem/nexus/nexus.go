// Package nexus implements the five-step retrieval SOP (C15) plus the
// mode detector and query router (C18): route, parallel tier fan-out,
// fuse, confidence filter, rerank and budget-cap.
package nexus

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/tiers"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

// Mode governs per-tier budgets and the final result split.
type Mode string

const (
	ModeExecution     Mode = "execution"
	ModePlanning      Mode = "planning"
	ModeBrainstorming Mode = "brainstorming"
)

// modeProfile carries the core/extended sizing for a mode.
type modeProfile struct {
	CoreSize     int
	ExtendedSize int
}

var modeProfiles = map[Mode]modeProfile{
	ModeExecution:     {CoreSize: 5, ExtendedSize: 5},
	ModePlanning:      {CoreSize: 10, ExtendedSize: 10},
	ModeBrainstorming: {CoreSize: 20, ExtendedSize: 20},
}

func profileFor(m Mode) modeProfile {
	if p, ok := modeProfiles[m]; ok {
		return p
	}
	return modeProfiles[ModeExecution]
}

const (
	DefaultTopK               = 50
	DefaultTokenBudget        = 10000
	DefaultConfidenceThreshold = 0.3
)

// Reranker optionally re-scores fused candidates against the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []tiers.Candidate) ([]tiers.Candidate, error)
}

// TierWeights blends per-tier scores during fusion. Zero-valued weights
// default to equal weighting, normalized to sum 1.
type TierWeights struct {
	Vector   float64
	Graph    float64
	Bayesian float64
}

func (w TierWeights) normalized() TierWeights {
	if w.Vector == 0 && w.Graph == 0 && w.Bayesian == 0 {
		w = TierWeights{Vector: 1, Graph: 1, Bayesian: 1}
	}
	total := w.Vector + w.Graph + w.Bayesian
	if total == 0 {
		return TierWeights{}
	}
	return TierWeights{Vector: w.Vector / total, Graph: w.Graph / total, Bayesian: w.Bayesian / total}
}

func (w TierWeights) forTier(t tiers.TierName) float64 {
	switch t {
	case tiers.TierVector:
		return w.Vector
	case tiers.TierGraph:
		return w.Graph
	case tiers.TierBayesian:
		return w.Bayesian
	default:
		return 0
	}
}

// Request is the input to Process, per the Route step.
type Request struct {
	Query             string
	Mode              Mode // empty lets the detector decide
	TopK              int
	TokenBudget       int
	ConfidenceThreshold float64
	Weights           TierWeights
	Evidence          map[string]string
	Filter            vectorindex.Predicate // applied to the vector tier only
}

// StepLatency records one SOP step's wall time in milliseconds.
type StepLatency struct {
	Step string
	Ms   float64
}

// PipelineStats summarizes one Process call.
type PipelineStats struct {
	Steps          []StepLatency
	TotalMs        float64
	TiersAttempted int
	CandidateCount int
}

// Response is the SOP's output.
type Response struct {
	Core     []tiers.Candidate
	Extended []tiers.Candidate
	Stats    PipelineStats
}

// Processor runs the five-step SOP against the three wired tiers.
type Processor struct {
	Vector   *tiers.VectorTier
	Graph    *tiers.GraphTier
	Bayesian *tiers.BayesianTier
	Rerank   Reranker
	Detector *Detector
}

func New(vector *tiers.VectorTier, graph *tiers.GraphTier, bayesian *tiers.BayesianTier, rerank Reranker, detector *Detector) *Processor {
	return &Processor{Vector: vector, Graph: graph, Bayesian: bayesian, Rerank: rerank, Detector: detector}
}

// Process runs the full SOP: route, parallel fan-out, fuse, filter,
// rerank+budget-cap.
func (p *Processor) Process(ctx context.Context, req Request) Response {
	var stats PipelineStats
	track := func(step string, fn func()) {
		t0 := time.Now()
		fn()
		ms := float64(time.Since(t0).Microseconds()) / 1000.0
		stats.Steps = append(stats.Steps, StepLatency{Step: step, Ms: ms})
		stats.TotalMs += ms
	}

	mode := req.Mode
	if mode == "" && p.Detector != nil {
		track("route", func() {
			mode = p.Detector.DetectMode(req.Query).Mode
		})
	}
	if mode == "" {
		mode = ModeExecution
	}
	profile := profileFor(mode)

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	tokenBudget := req.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	var vectorCands, graphCands, bayesianCands []tiers.Candidate
	track("fan_out", func() {
		vectorCands, graphCands, bayesianCands = p.fanOut(ctx, req, topK)
	})
	stats.TiersAttempted = 3

	var fused []tiers.Candidate
	track("fuse", func() {
		fused = fuse(vectorCands, graphCands, bayesianCands, req.Weights.normalized())
	})

	var filtered []tiers.Candidate
	track("confidence_filter", func() {
		filtered = filterByConfidence(fused, threshold)
	})
	stats.CandidateCount = len(filtered)

	var core, extended []tiers.Candidate
	track("rerank_and_budget", func() {
		reranked := filtered
		if p.Rerank != nil && len(filtered) > 0 {
			if out, err := p.Rerank.Rerank(ctx, req.Query, filtered); err == nil {
				reranked = out
			}
		}
		core, extended = budgetCap(reranked, tokenBudget, profile)
	})

	return Response{Core: core, Extended: extended, Stats: stats}
}

// fanOut dispatches the three tiers concurrently; any tier that is unwired
// or errors contributes the empty slice, never failing the whole query.
func (p *Processor) fanOut(ctx context.Context, req Request, topK int) (vector, graphC, bayesian []tiers.Candidate) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer recoverTo(&vector)
		if p.Vector == nil {
			return
		}
		if cands, err := p.Vector.Retrieve(ctx, req.Query, req.Filter); err == nil {
			vector = cands
		}
	}()

	go func() {
		defer wg.Done()
		defer recoverTo(&graphC)
		if p.Graph == nil {
			return
		}
		graphC = p.Graph.Retrieve(ctx, req.Query)
	}()

	go func() {
		defer wg.Done()
		defer recoverTo(&bayesian)
		if p.Bayesian == nil {
			return
		}
		bayesian = p.Bayesian.Retrieve(ctx, req.Query, req.Evidence)
	}()

	wg.Wait()
	return vector, graphC, bayesian
}

// recoverTo converts a panicking tier into an empty result, matching the
// spec's "never fail the whole query" mandate for tier exceptions.
func recoverTo(out *[]tiers.Candidate) {
	if r := recover(); r != nil {
		*out = nil
	}
}

// fuse concatenates the three tier outputs, deduplicates by chunk id
// keeping the highest weighted score, and records tier provenance.
func fuse(vector, graphC, bayesian []tiers.Candidate, weights TierWeights) []tiers.Candidate {
	best := map[string]tiers.Candidate{}
	apply := func(cands []tiers.Candidate) {
		for _, c := range cands {
			weighted := c
			weighted.Score = c.Score * weights.forTier(c.Tier)
			if existing, ok := best[c.ChunkID]; !ok || weighted.Score > existing.Score {
				best[c.ChunkID] = weighted
			}
		}
	}
	apply(vector)
	apply(graphC)
	apply(bayesian)

	out := make([]tiers.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// filterByConfidence drops candidates below threshold; monotone (empty in
// implies empty out).
func filterByConfidence(cands []tiers.Candidate, threshold float64) []tiers.Candidate {
	if len(cands) == 0 {
		return nil
	}
	out := make([]tiers.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= threshold {
			out = append(out, c)
		}
	}
	return out
}

// budgetCap takes items in descending score order while accumulating an
// estimated token count, then splits into core/extended by the mode
// profile.
func budgetCap(cands []tiers.Candidate, tokenBudget int, profile modeProfile) (core, extended []tiers.Candidate) {
	var spent int
	var kept []tiers.Candidate
	for _, c := range cands {
		cost := estimateTokens(c.Text)
		if spent+cost > tokenBudget {
			break
		}
		spent += cost
		kept = append(kept, c)
	}
	if len(kept) > profile.CoreSize {
		core = kept[:profile.CoreSize]
		rest := kept[profile.CoreSize:]
		if len(rest) > profile.ExtendedSize {
			rest = rest[:profile.ExtendedSize]
		}
		extended = rest
	} else {
		core = kept
	}
	return core, extended
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// DetectedMode is the ModeDetector's verdict.
type DetectedMode struct {
	Mode         Mode
	Confidence   float64
	TokenBudget  int
	CoreSize     int
	ExtendedSize int
}

// Detector classifies free-form queries into a Mode by lightweight lexical
// cues, used when the caller does not supply an explicit mode.
type Detector struct{}

func NewDetector() *Detector { return &Detector{} }

var (
	executionCues     = []string{"fix", "implement", "run", "execute", "debug", "build"}
	brainstormingCues = []string{"brainstorm", "ideas", "explore", "what if", "imagine", "options"}
)

// DetectMode scores a query against lexical cue lists; planning is the
// default when no cue matches, reflecting its role as the middle ground
// between narrow execution and open-ended brainstorming.
func (d *Detector) DetectMode(query string) DetectedMode {
	lower := strings.ToLower(query)
	mode := ModePlanning
	confidence := 0.5

	for _, cue := range executionCues {
		if strings.Contains(lower, cue) {
			mode = ModeExecution
			confidence = 0.8
			break
		}
	}
	if mode == ModePlanning {
		for _, cue := range brainstormingCues {
			if strings.Contains(lower, cue) {
				mode = ModeBrainstorming
				confidence = 0.8
				break
			}
		}
	}

	profile := profileFor(mode)
	return DetectedMode{
		Mode: mode, Confidence: confidence, TokenBudget: DefaultTokenBudget,
		CoreSize: profile.CoreSize, ExtendedSize: profile.ExtendedSize,
	}
}
