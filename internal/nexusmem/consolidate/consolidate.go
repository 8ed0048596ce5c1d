// Package consolidate merges duplicate entity nodes in a knowledge graph
// (C9): near-duplicate detection by normalized string similarity, canonical
// selection by degree, and edge redirection onto the canonical entity.
package consolidate

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
)

// DefaultSimilarityThreshold matches the ratio cutoff used to decide two
// entity names refer to the same real-world thing.
const DefaultSimilarityThreshold = 0.85

// jaroWinklerPrefilter gates the more expensive ratio computation: two
// strings scoring below this on Jaro-Winkler cannot possibly clear the
// Ratcliff/Obershelp threshold above, in practice.
const jaroWinklerPrefilter = 0.7

// Consolidator finds and merges duplicate entities.
type Consolidator struct {
	g         *graph.KnowledgeGraph
	threshold float64
}

func New(g *graph.KnowledgeGraph, threshold float64) *Consolidator {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Consolidator{g: g, threshold: threshold}
}

// normalize lowercases, collapses underscores to spaces, and trims — the
// same normalization the graph applies before comparing entity text.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", " ")
	return strings.TrimSpace(s)
}

// similarity computes a Ratcliff/Obershelp-style ratio (the same metric
// difflib.SequenceMatcher.ratio() implements: 2*M/T over matching
// subsequence blocks) between two normalized strings.
func similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1.0
	}
	matches := matchingBlocks(na, nb)
	total := len(na) + len(nb)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matches) / float64(total)
}

// matchingBlocks sums the lengths of all recursively-found longest common
// contiguous substrings between a and b, mirroring SequenceMatcher's block
// algorithm without its junk-character heuristics.
func matchingBlocks(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingBlocks(a[:i], b[:j])
	total += matchingBlocks(a[i+size:], b[j+size:])
	return total
}

func longestMatch(a, b string) (besti, bestj, bestsize int) {
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > bestsize {
				besti, bestj, bestsize = i, j, k
			}
		}
	}
	return besti, bestj, bestsize
}

// FindDuplicateGroups groups entity nodes whose normalized names score at
// or above the similarity threshold, single-link clustering one pass
// through the entity list (each entity joins at most one group, keyed by
// the first unprocessed member it matches).
func (c *Consolidator) FindDuplicateGroups() [][]string {
	var entityIDs []string
	for _, n := range c.g.AllNodes() {
		if n.Type == graph.NodeEntity {
			entityIDs = append(entityIDs, n.ID)
		}
	}
	sort.Strings(entityIDs)

	processed := map[string]bool{}
	var groups [][]string
	for i, e1 := range entityIDs {
		if processed[e1] {
			continue
		}
		group := []string{e1}
		processed[e1] = true
		for _, e2 := range entityIDs[i+1:] {
			if processed[e2] {
				continue
			}
			if jw := matchr.JaroWinkler(normalize(e1), normalize(e2), true); jw < jaroWinklerPrefilter {
				continue
			}
			if similarity(e1, e2) >= c.threshold {
				group = append(group, e2)
				processed[e2] = true
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// selectCanonical scores each member of the group by total degree
// (in-degree + out-degree) and returns the highest-scoring name, ties
// broken by lexical order for determinism.
func (c *Consolidator) selectCanonical(group []string) string {
	best := group[0]
	bestScore := -1
	for _, id := range group {
		score := len(c.g.Neighbors(id, "")) + len(c.inboundOf(id))
		if score > bestScore || (score == bestScore && id < best) {
			best = id
			bestScore = score
		}
	}
	return best
}

func (c *Consolidator) inboundOf(id string) []string {
	var in []string
	for _, e := range c.g.AllEdges() {
		if e.Target == id {
			in = append(in, e.Source)
		}
	}
	return in
}

// MergeGroup merges a group of duplicate entity ids into the canonical
// entity: in-edges and out-edges of non-canonical members are redirected
// onto the canonical id, metadata is union-merged (first writer wins per
// key, matching the original's "don't overwrite" rule), and non-canonical
// nodes are removed. Returns the canonical entity id. Idempotent: running
// MergeGroup again on an already-merged group (now length 1) is a no-op.
func (c *Consolidator) MergeGroup(group []string) string {
	if len(group) < 2 {
		if len(group) == 1 {
			return group[0]
		}
		return ""
	}
	canonical := c.selectCanonical(group)

	merged := map[string]any{}
	for _, id := range group {
		if n, ok := c.g.Get(id); ok {
			for k, v := range n.Metadata {
				if _, exists := merged[k]; !exists {
					merged[k] = v
				}
			}
		}
	}
	if len(merged) > 0 {
		c.g.AddEntity(canonical, "", merged)
	}

	for _, id := range group {
		if id == canonical {
			continue
		}
		for _, e := range c.g.AllEdges() {
			switch {
			case e.Target == id && e.Source != canonical:
				c.g.AddRelationship(e.Source, e.Type, canonical, e.Confidence, e.Metadata)
			case e.Source == id && e.Target != canonical:
				c.g.AddRelationship(canonical, e.Type, e.Target, e.Confidence, e.Metadata)
			}
			if e.Source == id || e.Target == id {
				c.g.RemoveEdge(e.Source, e.Target)
			}
		}
		c.g.RemoveNode(id)
	}
	return canonical
}

// Stats summarizes a consolidation pass.
type Stats struct {
	GroupsFound        int
	EntitiesMerged     int
	CanonicalEntities  []string
	ConsolidationRate  float64
	InitialEntityCount int
}

// ConsolidateAll runs the full find-then-merge pipeline once.
func (c *Consolidator) ConsolidateAll() Stats {
	initial := c.g.NodeCountByType(graph.NodeEntity)
	groups := c.FindDuplicateGroups()

	stats := Stats{GroupsFound: len(groups), InitialEntityCount: initial}
	for _, group := range groups {
		canonical := c.MergeGroup(group)
		stats.CanonicalEntities = append(stats.CanonicalEntities, canonical)
		stats.EntitiesMerged += len(group) - 1
	}
	if initial > 0 {
		stats.ConsolidationRate = float64(stats.EntitiesMerged) / float64(initial)
	}
	return stats
}
