package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// linkDoc is the node-link JSON wire format described in §6:
// {"nodes":[{id,type,...}], "links":[{source,target,type,...}]}.
type linkDoc struct {
	Nodes []nodeDoc `json:"nodes"`
	Links []linkRec `json:"links"`
}

type nodeDoc struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	EntityType   string         `json:"entity_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Frequency    int            `json:"frequency,omitempty"`
	Importance   float64        `json:"importance,omitempty"`
	LastAccessed string         `json:"last_accessed,omitempty"`
	DecayScore   float64        `json:"decay_score,omitempty"`
}

type linkRec struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Frequency  int            `json:"frequency"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// persistence writes and reads the node-link JSON document, gated by a
// dirty flag so unchanged graphs skip redundant disk writes.
type persistence struct {
	dirty bool
}

func newPersistence() *persistence { return &persistence{} }

func (p *persistence) markDirty() { p.dirty = true }

// save writes the graph to path via write-then-rename for atomicity. When
// force is false and the graph is not dirty, save is a no-op returning
// (false, nil).
func (p *persistence) save(path string, nodes *nodeManager, edges *edgeManager, force bool) (bool, error) {
	if !force && !p.dirty {
		return false, nil
	}
	doc := toLinkDoc(nodes, edges)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, fmt.Errorf("graph: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".graph-*.json.tmp")
	if err != nil {
		return false, fmt.Errorf("graph: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, fmt.Errorf("graph: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("graph: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("graph: rename into place: %w", err)
	}
	p.dirty = false
	return true, nil
}

// load replaces the contents of nodes/edges with what is stored at path.
func (p *persistence) load(path string, nodes *nodeManager, edges *edgeManager) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("graph: read: %w", err)
	}
	var doc linkDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("graph: unmarshal: %w", err)
	}
	nodes.nodes = map[string]*Node{}
	edges.edges = map[edgeKey]*Edge{}
	edges.out = map[string][]edgeKey{}
	for _, nd := range doc.Nodes {
		n := &Node{
			ID: nd.ID, Type: NodeType(nd.Type), EntityType: nd.EntityType,
			Metadata: nd.Metadata, Frequency: nd.Frequency, Importance: nd.Importance,
			DecayScore: nd.DecayScore,
		}
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
		if nd.LastAccessed != "" {
			if t, err := time.Parse(time.RFC3339, nd.LastAccessed); err == nil {
				n.LastAccessed = t
			}
		}
		nodes.nodes[n.ID] = n
	}
	for _, l := range doc.Links {
		k := edgeKey{l.Source, EdgeType(l.Type), l.Target}
		e := &Edge{Source: l.Source, Target: l.Target, Type: EdgeType(l.Type), Confidence: l.Confidence, Frequency: l.Frequency, Metadata: l.Metadata}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		edges.edges[k] = e
		edges.out[l.Source] = append(edges.out[l.Source], k)
	}
	p.dirty = false
	return nil
}

func toLinkDoc(nodes *nodeManager, edges *edgeManager) linkDoc {
	doc := linkDoc{}
	for _, n := range nodes.nodes {
		nd := nodeDoc{
			ID: n.ID, Type: string(n.Type), EntityType: n.EntityType,
			Metadata: n.Metadata, Frequency: n.Frequency, Importance: n.Importance,
			DecayScore: n.DecayScore,
		}
		if !n.LastAccessed.IsZero() {
			nd.LastAccessed = n.LastAccessed.UTC().Format("2006-01-02T15:04:05Z")
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, e := range edges.all() {
		doc.Links = append(doc.Links, linkRec{
			Source: e.Source, Target: e.Target, Type: string(e.Type),
			Confidence: e.Confidence, Frequency: e.Frequency, Metadata: e.Metadata,
		})
	}
	return doc
}
