// Package lifecycle implements the four-stage memory lifecycle (C16
// LifecycleManager) and its background scheduler (C17): Active → Demoted
// → Archived → Rehydratable, with rekindling back to Active on query match
// and similarity-based consolidation of the Active tier.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/consolidate"
	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/eventlog"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

// Stage is one of the four named lifecycle stages.
type Stage string

const (
	StageActive       Stage = "active"
	StageDemoted      Stage = "demoted"
	StageArchived     Stage = "archived"
	StageRehydratable Stage = "rehydratable"
)

// ScoreMultiplier is the per-stage score-dampening factor applied to a
// chunk's retrieval score (exact values confirmed against the original
// implementation: 50% demoted, 10% archived, 1% rehydratable).
var ScoreMultiplier = map[Stage]float64{
	StageActive:       1.0,
	StageDemoted:      0.5,
	StageArchived:     0.1,
	StageRehydratable: 0.01,
}

// Day-thresholds governing stage transitions. Demotion and archival fire
// only once the age exceeds the threshold (strict ">"); the rehydrate step
// fires once the age reaches its threshold (">=").
const (
	DefaultDemoteThresholdDays    = 7
	DefaultArchiveThresholdDays   = 30
	DefaultRehydrateThresholdDays = 90
)

const archivePrefix = "archived:"
const rehydratablePrefix = "rehydratable:"
const metadataSuffix = ":metadata"

// KVStore is the small key/value capability (C6) the Archived and
// Rehydratable stages are persisted in. kvstore.Store satisfies this.
type KVStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Keys(prefix string) []string
}

// FileReader rehydrates the full text backing an archived chunk from its
// original source location (an Obsidian vault path, in this system's
// external interfaces). Defaults to reading from the local filesystem.
type FileReader interface {
	ReadFile(path string) (string, error)
}

// NowFunc is an injectable clock, mirroring the KnowledgeGraph's pattern.
type NowFunc func() time.Time

// archivedRecord is the JSON payload stored at "archived:<id>:metadata".
type archivedRecord struct {
	FilePath   string            `json:"file_path"`
	ArchivedAt time.Time         `json:"archived_at"`
	Metadata   map[string]string `json:"metadata"`
}

// Manager owns the transitions between lifecycle stages for chunks stored
// in a VectorIndex collection, with Archived/Rehydratable payloads parked
// in a KVStore once a chunk leaves the vector index.
type Manager struct {
	Index      vectorindex.VectorIndex
	Collection string
	KV         KVStore
	Files      FileReader
	Now        NowFunc

	DemoteThresholdDays    int
	ArchiveThresholdDays   int
	RehydrateThresholdDays int
}

// NewManager constructs a Manager with spec-default thresholds.
func NewManager(idx vectorindex.VectorIndex, collection string, kv KVStore) *Manager {
	return &Manager{
		Index:                  idx,
		Collection:             collection,
		KV:                     kv,
		Now:                    time.Now,
		DemoteThresholdDays:    DefaultDemoteThresholdDays,
		ArchiveThresholdDays:   DefaultArchiveThresholdDays,
		RehydrateThresholdDays: DefaultRehydrateThresholdDays,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

type staleChunk struct {
	id           string
	text         string
	metadata     map[string]string
	decayScore   float64
}

// DemoteStaleChunks transitions Active chunks whose last_accessed predates
// the threshold into Demoted. When more chunks are stale than maxPerSweep
// (0 = unbounded), the lowest decay-weighted-relevance chunks demote first
// — spec.md is silent on tie-breaking order; this adopts the teacher's
// relevance-decay formula (age decay × log-scaled access-count boost) as
// the ranking rule.
func (m *Manager) DemoteStaleChunks(ctx context.Context, maxPerSweep int) (int, error) {
	threshold := m.DemoteThresholdDays
	if threshold <= 0 {
		threshold = DefaultDemoteThresholdDays
	}
	cutoff := m.now().Add(-time.Duration(threshold) * 24 * time.Hour).UTC().Format(time.RFC3339)

	results, err := m.Index.Query(ctx, m.Collection, nil, 0, vectorindex.Predicate{
		"$and": []vectorindex.Predicate{
			{"stage": "active"},
			{"last_accessed": map[string]any{"$lt": cutoff}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: query stale chunks: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	candidates := make([]staleChunk, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, staleChunk{id: r.ID, text: r.Text, metadata: r.Metadata, decayScore: relevanceScore(r.Metadata, m.now())})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].decayScore < candidates[j].decayScore })
	if maxPerSweep > 0 && len(candidates) > maxPerSweep {
		candidates = candidates[:maxPerSweep]
	}

	demotedAt := m.now().UTC().Format(time.RFC3339)
	for _, c := range candidates {
		err := m.Index.Update(ctx, m.Collection, []string{c.id}, vectorindex.Item{Metadata: map[string]string{
			"stage":             string(StageDemoted),
			"score_multiplier":  fmt.Sprintf("%v", ScoreMultiplier[StageDemoted]),
			"demoted_at":        demotedAt,
		}})
		if err != nil {
			return 0, fmt.Errorf("lifecycle: demote %s: %w", c.id, err)
		}
	}
	return len(candidates), nil
}

// relevanceScore mirrors the teacher's relevanceBasedPrune formula: an
// exponential age decay combined with a log-scaled access-count boost.
func relevanceScore(meta map[string]string, now time.Time) float64 {
	accessed, err := time.Parse(time.RFC3339, meta["last_accessed"])
	if err != nil {
		accessed = now
	}
	daysSince := now.Sub(accessed).Hours() / 24
	decay := math.Pow(0.99, daysSince)
	accessCount := 0.0
	if v, ok := meta["access_count"]; ok {
		fmt.Sscanf(v, "%f", &accessCount)
	}
	boost := 1.0 + 0.1*math.Log1p(accessCount)
	return decay * boost
}

// ArchiveDemotedChunks transitions Demoted chunks past the archive
// threshold into Archived: the full text is compressed to a one-sentence
// summary (100:1 target ratio), the summary and original metadata are
// parked in the KVStore under "archived:<id>"/"archived:<id>:metadata",
// and the vector is deleted from the index.
func (m *Manager) ArchiveDemotedChunks(ctx context.Context) (int, error) {
	threshold := m.ArchiveThresholdDays
	if threshold <= 0 {
		threshold = DefaultArchiveThresholdDays
	}
	cutoff := m.now().Add(-time.Duration(threshold) * 24 * time.Hour).UTC().Format(time.RFC3339)

	results, err := m.Index.Query(ctx, m.Collection, nil, 0, vectorindex.Predicate{
		"$and": []vectorindex.Predicate{
			{"stage": "demoted"},
			{"demoted_at": map[string]any{"$lt": cutoff}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: query demoted chunks: %w", err)
	}

	var archived int
	var ids []string
	for _, r := range results {
		summary := summarize(r.Text)
		rec := archivedRecord{
			FilePath:   r.Metadata["file_path"],
			ArchivedAt: m.now().UTC(),
			Metadata:   r.Metadata,
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return archived, fmt.Errorf("lifecycle: marshal archived metadata: %w", err)
		}
		if err := m.KV.Set(archivePrefix+r.ID, summary); err != nil {
			return archived, fmt.Errorf("lifecycle: store archived summary %s: %w", r.ID, err)
		}
		if err := m.KV.Set(archivePrefix+r.ID+metadataSuffix, string(payload)); err != nil {
			return archived, fmt.Errorf("lifecycle: store archived metadata %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
		archived++
	}
	if len(ids) > 0 {
		if err := m.Index.Delete(ctx, m.Collection, ids); err != nil {
			return archived, fmt.Errorf("lifecycle: delete archived vectors: %w", err)
		}
	}
	return archived, nil
}

// summarize compresses full_text to roughly a 100:1 ratio by keeping only
// the first sentence and hard-truncating if that is still too long.
func summarize(fullText string) string {
	if fullText == "" {
		return ""
	}
	summary := fullText
	for i := 0; i+2 <= len(fullText); i++ {
		if fullText[i] == '.' && i+1 < len(fullText) && fullText[i+1] == ' ' {
			summary = fullText[:i+1]
			break
		}
	}
	target := len(fullText) / 100
	if target < 10 {
		target = 10
	}
	if len(summary) > target {
		if target > 3 {
			summary = summary[:target-3] + "..."
		} else {
			summary = summary[:target]
		}
	}
	return summary
}

// MakeRehydratable transitions Archived entries past the rehydrate
// threshold into Rehydratable. Rehydratable keeps an empty placeholder key,
// not the summary payload, and moves the metadata record (source file path)
// to rehydratable:<id>:metadata so Rekindle can still reload the text.
func (m *Manager) MakeRehydratable(ctx context.Context) (int, error) {
	threshold := m.RehydrateThresholdDays
	if threshold <= 0 {
		threshold = DefaultRehydrateThresholdDays
	}
	cutoff := m.now().Add(-time.Duration(threshold) * 24 * time.Hour)

	var promoted int
	for _, key := range m.KV.Keys(archivePrefix) {
		if hasSuffix(key, metadataSuffix) {
			continue
		}
		id := key[len(archivePrefix):]
		metaStr, ok := m.KV.Get(archivePrefix + id + metadataSuffix)
		if !ok {
			continue
		}
		var rec archivedRecord
		if err := json.Unmarshal([]byte(metaStr), &rec); err != nil {
			continue
		}
		if rec.ArchivedAt.After(cutoff) {
			continue
		}
		if err := m.KV.Set(rehydratablePrefix+id, ""); err != nil {
			return promoted, fmt.Errorf("lifecycle: mark rehydratable %s: %w", id, err)
		}
		if err := m.KV.Set(rehydratablePrefix+id+metadataSuffix, metaStr); err != nil {
			return promoted, fmt.Errorf("lifecycle: move metadata %s: %w", id, err)
		}
		if err := m.KV.Delete(archivePrefix + id); err != nil {
			return promoted, fmt.Errorf("lifecycle: delete archived payload %s: %w", id, err)
		}
		if err := m.KV.Delete(archivePrefix + id + metadataSuffix); err != nil {
			return promoted, fmt.Errorf("lifecycle: delete archived metadata %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Rekindle rehydrates a chunk back to Active: it reads from the Archived
// namespace first, falling back to Rehydratable (confirmed priority order
// against the original implementation), re-reads the full text from its
// source file, re-inserts it into the vector index with the supplied
// embedding, and removes both namespaces' keys for the id.
func (m *Manager) Rekindle(ctx context.Context, chunkID string, embedding []float32) (bool, error) {
	metaStr, fromArchived := m.KV.Get(archivePrefix + chunkID + metadataSuffix)
	if !fromArchived {
		metaStr, _ = m.KV.Get(rehydratablePrefix + chunkID + metadataSuffix)
	}

	var filePath string
	var metadata map[string]string
	if metaStr != "" {
		var rec archivedRecord
		if err := json.Unmarshal([]byte(metaStr), &rec); err == nil {
			filePath = rec.FilePath
			metadata = rec.Metadata
		}
	}
	if filePath == "" {
		return false, nil
	}
	if m.Files == nil {
		return false, nil
	}
	fullText, err := m.Files.ReadFile(filePath)
	if err != nil {
		return false, nil
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["stage"] = string(StageActive)
	metadata["score_multiplier"] = fmt.Sprintf("%v", ScoreMultiplier[StageActive])
	now := m.now().UTC().Format(time.RFC3339)
	metadata["last_accessed"] = now
	metadata["rekindled_at"] = now

	if err := m.Index.Insert(ctx, m.Collection, []vectorindex.Item{{
		ID: chunkID, Vector: embedding, Text: fullText, Metadata: metadata,
	}}); err != nil {
		return false, fmt.Errorf("lifecycle: reinsert rekindled chunk %s: %w", chunkID, err)
	}

	_ = m.KV.Delete(archivePrefix + chunkID)
	_ = m.KV.Delete(archivePrefix + chunkID + metadataSuffix)
	_ = m.KV.Delete(rehydratablePrefix + chunkID)
	_ = m.KV.Delete(rehydratablePrefix + chunkID + metadataSuffix)
	return true, nil
}

// ConsolidateSimilar merges pairs of Active chunks whose re-embedded texts
// exceed the cosine similarity threshold (default 0.95): the first chunk
// absorbs the second's text and metadata (union tags, max score, newest
// timestamp) and the second is deleted.
func (m *Manager) ConsolidateSimilar(ctx context.Context, emb embedder.Embedder, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = 0.95
	}
	results, err := m.Index.Query(ctx, m.Collection, nil, 0, vectorindex.Predicate{"stage": "active"})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: query active chunks: %w", err)
	}
	if len(results) < 2 {
		return 0, nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: embed active chunks: %w", err)
	}

	processed := map[string]bool{}
	var consolidated int
	for i := range results {
		if processed[results[i].ID] {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			if processed[results[j].ID] {
				continue
			}
			sim := embedder.CosineSimilarity(vecs[i], vecs[j])
			if sim < threshold {
				continue
			}
			merged := mergeMetadata(results[i].Metadata, results[j].Metadata)
			mergedText := results[i].Text + "\n\n" + results[j].Text
			if err := m.Index.Update(ctx, m.Collection, []string{results[i].ID}, vectorindex.Item{
				Text: mergedText, Metadata: merged,
			}); err != nil {
				return consolidated, fmt.Errorf("lifecycle: merge %s<-%s: %w", results[i].ID, results[j].ID, err)
			}
			if err := m.Index.Delete(ctx, m.Collection, []string{results[j].ID}); err != nil {
				return consolidated, fmt.Errorf("lifecycle: delete merged %s: %w", results[j].ID, err)
			}
			processed[results[j].ID] = true
			consolidated++
		}
	}
	return consolidated, nil
}

// mergeMetadata unions the tags of both chunks — b's keys fill in anything
// a doesn't have, a wins on overlap — then keeps the newer last_accessed
// and the max confidence score, per §3's "union tags, take max score"
// consolidation rule.
func mergeMetadata(a, b map[string]string) map[string]string {
	merged := make(map[string]string, len(a)+len(b)+1)
	for k, v := range b {
		merged[k] = v
	}
	for k, v := range a {
		merged[k] = v
	}
	if a["last_accessed"] < b["last_accessed"] {
		merged["last_accessed"] = b["last_accessed"]
	}
	if max, ok := maxScore(a["confidence"], b["confidence"]); ok {
		merged["confidence"] = max
	}
	merged["consolidated"] = "true"
	return merged
}

// maxScore compares two string-encoded floats and returns the larger,
// falling back to whichever one parses when the other doesn't.
func maxScore(a, b string) (string, bool) {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		if fa >= fb {
			return a, true
		}
		return b, true
	case errA == nil:
		return a, true
	case errB == nil:
		return b, true
	default:
		return "", false
	}
}

// Stats reports per-stage counts plus the Active tier's average pairwise
// embedding similarity (purely additive observability, beyond the bare
// counts the core lifecycle invariants require).
type Stats struct {
	Active                int
	Demoted               int
	Archived              int
	Rehydratable          int
	Total                 int
	ActiveAvgSimilarity   float64
}

// GetStageStats counts chunks in each of the four stages. When emb is
// non-nil, it also re-embeds the Active tier to compute its average
// pairwise cosine similarity; a nil emb skips that (optional) field.
func (m *Manager) GetStageStats(ctx context.Context, emb embedder.Embedder) (Stats, error) {
	var stats Stats
	var activeTexts []string
	for _, stage := range []Stage{StageActive, StageDemoted} {
		results, err := m.Index.Query(ctx, m.Collection, nil, 0, vectorindex.Predicate{"stage": string(stage)})
		if err != nil {
			return stats, fmt.Errorf("lifecycle: stats query %s: %w", stage, err)
		}
		switch stage {
		case StageActive:
			stats.Active = len(results)
			for _, r := range results {
				activeTexts = append(activeTexts, r.Text)
			}
		case StageDemoted:
			stats.Demoted = len(results)
		}
	}
	if emb != nil && len(activeTexts) >= 2 {
		if vecs, err := emb.EmbedBatch(ctx, activeTexts); err == nil {
			stats.ActiveAvgSimilarity = averagePairwiseSimilarity(vecs)
		}
	}
	for _, key := range m.KV.Keys(archivePrefix) {
		if !hasSuffix(key, metadataSuffix) {
			stats.Archived++
		}
	}
	for _, key := range m.KV.Keys(rehydratablePrefix) {
		if !hasSuffix(key, metadataSuffix) {
			stats.Rehydratable++
		}
	}
	stats.Total = stats.Active + stats.Demoted + stats.Archived + stats.Rehydratable
	return stats, nil
}

func averagePairwiseSimilarity(vecs [][]float32) float64 {
	var total float64
	var pairs int
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			total += embedder.CosineSimilarity(vecs[i], vecs[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// Scheduler runs the lifecycle sweeps on a fixed cadence in the
// background: demotion every tick, archival every ArchiveEvery ticks,
// rehydratable-promotion and KV cleanup on the CleanupEvery boundary, and
// (when Consolidator is wired) entity consolidation every ConsolidateEvery
// ticks, logging an entity_consolidated event on any merge if Events is
// also wired. Zero values for Every/ArchiveEvery/CleanupEvery/
// ConsolidateEvery fall back to spec defaults (hourly tick, archive every
// 6th tick, cleanup every 24th, consolidate every 12th).
type Scheduler struct {
	Manager          *Manager
	Consolidator     *consolidate.Consolidator
	Events           *eventlog.Log
	Interval         time.Duration
	ArchiveEvery     int
	CleanupEvery     int
	ConsolidateEvery int
	OnError          func(step string, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	DefaultSchedulerInterval      = time.Hour
	DefaultArchiveEveryNTicks     = 6
	DefaultCleanupEveryNTicks     = 24
	DefaultConsolidateEveryNTicks = 12
)

// Start launches the background ticker goroutine. Calling Start on an
// already-running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	archiveEvery := s.ArchiveEvery
	if archiveEvery <= 0 {
		archiveEvery = DefaultArchiveEveryNTicks
	}
	cleanupEvery := s.CleanupEvery
	if cleanupEvery <= 0 {
		cleanupEvery = DefaultCleanupEveryNTicks
	}
	consolidateEvery := s.ConsolidateEvery
	if consolidateEvery <= 0 {
		consolidateEvery = DefaultConsolidateEveryNTicks
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var tick int
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				tick++
				s.runTick(runCtx, tick, archiveEvery, cleanupEvery, consolidateEvery)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to exit. Calling
// Stop on a Scheduler that was never started is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) runTick(ctx context.Context, tick, archiveEvery, cleanupEvery, consolidateEvery int) {
	if _, err := s.Manager.DemoteStaleChunks(ctx, 0); err != nil {
		s.reportError("demote", err)
	}
	if tick%archiveEvery == 0 {
		if _, err := s.Manager.ArchiveDemotedChunks(ctx); err != nil {
			s.reportError("archive", err)
		}
	}
	if tick%cleanupEvery == 0 {
		if _, err := s.Manager.MakeRehydratable(ctx); err != nil {
			s.reportError("make_rehydratable", err)
		}
	}
	if tick%consolidateEvery == 0 && s.Consolidator != nil {
		stats := s.Consolidator.ConsolidateAll()
		if stats.EntitiesMerged > 0 && s.Events != nil {
			if _, err := s.Events.LogEvent(ctx, eventlog.EntityConsolidated, map[string]any{
				"groups_found":         stats.GroupsFound,
				"entities_merged":      stats.EntitiesMerged,
				"canonical_entities":   stats.CanonicalEntities,
				"consolidation_rate":   stats.ConsolidationRate,
				"initial_entity_count": stats.InitialEntityCount,
			}, s.Manager.now()); err != nil {
				s.reportError("consolidate_log", err)
			}
		}
	}
}

func (s *Scheduler) reportError(step string, err error) {
	if s.OnError != nil {
		s.OnError(step, err)
	}
}
