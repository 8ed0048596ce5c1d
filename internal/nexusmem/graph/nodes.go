package graph

import (
	"fmt"
	"math"
)

// nodeManager owns the node set. All mutation happens under the facade's
// single lock; this type has no locking of its own.
type nodeManager struct {
	nodes map[string]*Node
	// Adjacency is not kept here; edgeManager owns it.
}

func newNodeManager() *nodeManager {
	return &nodeManager{nodes: map[string]*Node{}}
}

func (nm *nodeManager) addChunk(id string, metadata map[string]any) *Node {
	n, ok := nm.nodes[id]
	if !ok {
		n = &Node{ID: id, Type: NodeChunk, Metadata: cloneMeta(metadata)}
		nm.nodes[id] = n
		return n
	}
	for k, v := range metadata {
		n.Metadata[k] = v
	}
	return n
}

func (nm *nodeManager) addEntity(id, entityType string, metadata map[string]any) *Node {
	n, ok := nm.nodes[id]
	if !ok {
		n = &Node{ID: id, Type: NodeEntity, EntityType: entityType, Metadata: cloneMeta(metadata)}
		nm.nodes[id] = n
		return n
	}
	if entityType != "" {
		n.EntityType = entityType
	}
	for k, v := range metadata {
		n.Metadata[k] = v
	}
	return n
}

func (nm *nodeManager) get(id string) (*Node, bool) {
	n, ok := nm.nodes[id]
	return n, ok
}

func (nm *nodeManager) remove(id string) bool {
	if _, ok := nm.nodes[id]; !ok {
		return false
	}
	delete(nm.nodes, id)
	return true
}

func (nm *nodeManager) count() int { return len(nm.nodes) }

func (nm *nodeManager) countByType(t NodeType) int {
	n := 0
	for _, v := range nm.nodes {
		if v.Type == t {
			n++
		}
	}
	return n
}

// incrementFrequency bumps a node's observed-frequency counter, used by
// importance/decay scoring.
func (nm *nodeManager) incrementFrequency(id string) error {
	n, ok := nm.nodes[id]
	if !ok {
		return fmt.Errorf("graph: unknown node %q", id)
	}
	n.Frequency++
	return nil
}

// updateImportance recomputes a node's importance from a weighted formula
// combining degree (supplied by the facade, which knows the edge set),
// frequency, and an explicit caller-supplied weight.
func (nm *nodeManager) updateImportance(id string, degree int, explicitWeight float64) error {
	n, ok := nm.nodes[id]
	if !ok {
		return fmt.Errorf("graph: unknown node %q", id)
	}
	degreeScore := 1 - 1/float64(degree+1)
	freqScore := 1 - 1/float64(n.Frequency+1)
	n.Importance = clamp(0.4*degreeScore+0.3*freqScore+0.3*explicitWeight, 0, 1)
	return nil
}

// updateDecayScore recomputes a time-since-last-access based decay score;
// a node accessed `now` scores 1.0, and the score halves every
// decayHalfLifeDays (30 when zero or negative).
func (nm *nodeManager) updateDecayScore(id string, now NowFunc, decayHalfLifeDays float64) error {
	n, ok := nm.nodes[id]
	if !ok {
		return fmt.Errorf("graph: unknown node %q", id)
	}
	if n.LastAccessed.IsZero() {
		n.DecayScore = 1
		return nil
	}
	elapsedDays := now().Sub(n.LastAccessed).Hours() / 24
	if decayHalfLifeDays <= 0 {
		decayHalfLifeDays = 30
	}
	n.DecayScore = clamp(math.Exp2(-elapsedDays/decayHalfLifeDays), 0, 1)
	return nil
}
