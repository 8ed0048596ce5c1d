// Package probengine answers conditional, marginal, and MAP queries over a
// bayesnet.Network (C11), bounded by a per-query timeout and degrading
// gracefully on expiry.
package probengine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/bayesnet"
)

// DefaultTimeout is the per-query deadline mandated for Bayesian inference.
const DefaultTimeout = time.Second

// QueryResult is the outcome of a conditional or marginal query for one
// variable: its posterior distribution and Shannon entropy in bits.
type QueryResult struct {
	Probabilities map[string]float64
	Entropy       float64
}

// Engine answers queries against a fixed network snapshot.
type Engine struct {
	net *bayesnet.Network
}

func New(net *bayesnet.Network) *Engine {
	return &Engine{net: net}
}

// QueryConditional computes, for each variable in queryVars, the posterior
// distribution given the supplied evidence (a var->state assignment).
// Evidence on a queried variable's direct parents selects the CPD row looked
// up; evidence on any other variable is ignored for that variable's query.
// When ctx is done, it stops and returns the results gathered so far; the
// caller runs it under a context with the engine's timeout and discards
// the result on ctx.Err() != nil (§5's 1-second Bayesian guard).
func (e *Engine) QueryConditional(ctx context.Context, queryVars []string, evidence map[string]string) map[string]QueryResult {
	out := map[string]QueryResult{}
	for _, v := range queryVars {
		select {
		case <-ctx.Done():
			return out
		default:
		}
		node, ok := e.net.Nodes[v]
		if !ok {
			continue
		}
		dist := e.posterior(node, evidence)
		out[v] = QueryResult{Probabilities: dist, Entropy: entropy(dist)}
	}
	return out
}

// QueryMarginal is QueryConditional with no evidence.
func (e *Engine) QueryMarginal(ctx context.Context, queryVars []string) map[string]QueryResult {
	return e.QueryConditional(ctx, queryVars, nil)
}

func (e *Engine) posterior(node *bayesnet.Node, evidence map[string]string) map[string]float64 {
	if len(node.Parents) == 0 {
		return node.MarginalP
	}
	key := parentKey(node.Parents, evidence)
	if dist, ok := node.CPD[key]; ok {
		return dist
	}
	// Fall back to an even blend across all CPD rows if the exact parent
	// assignment implied by evidence was never estimated.
	return averageRows(node.CPD)
}

// parentKey builds the CPD row key for a node's parents from evidence,
// defaulting unobserved parents to "medium".
func parentKey(parents []string, evidence map[string]string) string {
	key := ""
	for i, p := range parents {
		state, ok := evidence[p]
		if !ok {
			state = "medium"
		}
		if i > 0 {
			key += ","
		}
		key += state
	}
	return key
}

func averageRows(rows map[string]map[string]float64) map[string]float64 {
	sum := map[string]float64{}
	for _, row := range rows {
		for state, p := range row {
			sum[state] += p
		}
	}
	n := float64(len(rows))
	if n == 0 {
		return sum
	}
	for state := range sum {
		sum[state] /= n
	}
	return sum
}

// entropy computes Shannon entropy in bits, treating p=0 contributions as 0
// (the standard 0*log2(0) = 0 convention).
func entropy(dist map[string]float64) float64 {
	var h float64
	for _, p := range dist {
		if p <= 0 {
			continue
		}
		h -= p * math.Log2(p)
	}
	return h
}

// Explanation is the result of MAP inference: the most probable joint
// state assignment consistent with evidence, and its joint probability.
type Explanation struct {
	Assignment  map[string]string
	Probability float64
}

// GetMostProbableExplanation approximates MAP inference with a greedy pass
// over the network's topological order: each variable (in topo order, so
// parents are always assigned before children) takes the state with
// maximum probability given its parents' chosen states and any supplied
// evidence, and the joint probability accumulates their product. The pass
// is not an exhaustive search, so the returned assignment is not
// guaranteed to be the joint maximum.
func (e *Engine) GetMostProbableExplanation(ctx context.Context, evidence map[string]string) Explanation {
	assignment := map[string]string{}
	for k, v := range evidence {
		assignment[k] = v
	}
	prob := 1.0
	for _, id := range e.net.Order {
		select {
		case <-ctx.Done():
			return Explanation{Assignment: assignment, Probability: prob}
		default:
		}
		if _, fixed := evidence[id]; fixed {
			continue
		}
		node := e.net.Nodes[id]
		dist := e.posteriorFromAssignment(node, assignment)
		state, p := argmax(dist)
		assignment[id] = state
		prob *= p
	}
	return Explanation{Assignment: assignment, Probability: prob}
}

func (e *Engine) posteriorFromAssignment(node *bayesnet.Node, assignment map[string]string) map[string]float64 {
	if len(node.Parents) == 0 {
		return node.MarginalP
	}
	return e.posterior(node, assignment)
}

func argmax(dist map[string]float64) (string, float64) {
	var states []string
	for s := range dist {
		states = append(states, s)
	}
	sort.Strings(states)
	best := states[0]
	bestP := dist[best]
	for _, s := range states[1:] {
		if dist[s] > bestP {
			best = s
			bestP = dist[s]
		}
	}
	return best, bestP
}
