package vectorindex

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Memory is an in-process VectorIndex used for tests and for deployments
// with no external ANN backend wired. It implements exact brute-force
// k-NN, which is correct (if not scalable) and exercises the same
// Predicate language and distance-normalization contract as Qdrant.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]record
}

type record struct {
	id       string
	vector   []float32
	text     string
	metadata map[string]string
}

// NewMemory constructs an empty in-memory vector index.
func NewMemory() *Memory {
	return &Memory{collections: map[string][]record{}}
}

func (m *Memory) CreateOrOpen(ctx context.Context, collection string, vectorSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = nil
	}
	return nil
}

func (m *Memory) Insert(ctx context.Context, collection string, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.collections[collection]
	byID := indexByID(recs)
	for _, it := range items {
		r := record{id: it.ID, vector: it.Vector, text: it.Text, metadata: it.Metadata}
		if i, ok := byID[it.ID]; ok {
			recs[i] = r
		} else {
			recs = append(recs, r)
			byID[it.ID] = len(recs) - 1
		}
	}
	m.collections[collection] = recs
	return nil
}

func (m *Memory) Update(ctx context.Context, collection string, ids []string, patch Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.collections[collection]
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range recs {
		if !want[recs[i].id] {
			continue
		}
		if patch.Vector != nil {
			recs[i].vector = patch.Vector
		}
		if patch.Text != "" {
			recs[i].text = patch.Text
		}
		if patch.Metadata != nil {
			if recs[i].metadata == nil {
				recs[i].metadata = map[string]string{}
			}
			for k, v := range patch.Metadata {
				recs[i].metadata[k] = v
			}
		}
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.collections[collection]
	if len(recs) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := recs[:0]
	for _, r := range recs {
		if !want[r.id] {
			out = append(out, r)
		}
	}
	m.collections[collection] = out
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, vector []float32, k int, where Predicate) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.collections[collection]
	type scored struct {
		r    record
		dist float64
	}
	var cands []scored
	for _, r := range recs {
		if !matches(r.metadata, where) {
			continue
		}
		cands = append(cands, scored{r: r, dist: cosineDistance(vector, r.vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: c.r.id, Text: c.r.text, Metadata: c.r.metadata, Similarity: NormalizeDistance(c.dist)}
	}
	return out, nil
}

// Count reports the number of stored vectors in a collection; used by
// lifecycle round-trip tests.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func indexByID(recs []record) map[string]int {
	m := make(map[string]int, len(recs))
	for i, r := range recs {
		m[r.id] = i
	}
	return m
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cos
}

// matches evaluates a Predicate against a metadata map. Supports exact
// match, $gte/$gt/$lte/$lt comparisons (lexicographic on strings; a
// non-string operand compares as ""), and $and/$or composition.
func matches(meta map[string]string, where Predicate) bool {
	if len(where) == 0 {
		return true
	}
	for k, v := range where {
		switch k {
		case "$and":
			subs, ok := v.([]Predicate)
			if !ok {
				continue
			}
			for _, sub := range subs {
				if !matches(meta, sub) {
					return false
				}
			}
		case "$or":
			subs, ok := v.([]Predicate)
			if !ok {
				continue
			}
			any := false
			for _, sub := range subs {
				if matches(meta, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			if !matchField(meta[k], v) {
				return false
			}
		}
	}
	return true
}

func matchField(actual string, spec any) bool {
	switch s := spec.(type) {
	case string:
		return actual == s
	case map[string]any:
		for op, want := range s {
			wantStr, _ := want.(string)
			switch op {
			case "$gte":
				if strings.Compare(actual, wantStr) < 0 {
					return false
				}
			case "$gt":
				if strings.Compare(actual, wantStr) <= 0 {
					return false
				}
			case "$lte":
				if strings.Compare(actual, wantStr) > 0 {
					return false
				}
			case "$lt":
				if strings.Compare(actual, wantStr) >= 0 {
					return false
				}
			}
		}
		return true
	default:
		return actual == toString(spec)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}
