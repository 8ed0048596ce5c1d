// Package memorystore implements the ingest path (C19 MemoryStoreService):
// tag validation, confidence derivation, embedding, vector indexing, entity
// extraction, knowledge-graph update, event logging, and a post-store
// lifecycle sweep — in the exact order spec'd so a failure partway through
// never leaves an orphan vector with no graph linkage.
package memorystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
	"github.com/nexuscore/memnexus/internal/nexusmem/entities"
	"github.com/nexuscore/memnexus/internal/nexusmem/eventlog"
	"github.com/nexuscore/memnexus/internal/nexusmem/graph"
	"github.com/nexuscore/memnexus/internal/nexusmem/lifecycle"
	"github.com/nexuscore/memnexus/internal/nexusmem/tags"
	"github.com/nexuscore/memnexus/internal/nexusmem/vectorindex"
)

// Options configures a Service. Embedder, Index, Extractor, and Graph are
// required; Events and Lifecycle are optional (a nil Events skips logging,
// a nil Lifecycle skips the post-store sweep).
type Options struct {
	Embedder  embedder.Embedder
	Index     vectorindex.VectorIndex
	Collection string

	Extractor entities.Extractor
	Graph     *graph.KnowledgeGraph

	Events    *eventlog.Log
	Lifecycle *lifecycle.Manager

	TagPolicy    tags.Policy
	DefaultAgent string
	DefaultProject string

	LinkSimilarEntities bool
	SimilarityTopK      int
	SimilarityThreshold float64

	Now func() time.Time
}

// Service implements the store() ingest operation.
type Service struct {
	opts Options
}

func New(opts Options) *Service {
	if opts.Collection == "" {
		opts.Collection = vectorindex.DefaultCollection
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{opts: opts}
}

// StoreRequest is the user-facing input to Store: the raw text plus the
// WHO/WHEN/PROJECT/WHY quadruple and any caller-supplied extras.
type StoreRequest struct {
	Text string

	Who     string
	When    time.Time
	Project string
	Why     string

	AgentName     string
	AgentCategory string
	Intent        string
	SourceType    tags.SourceType

	Extras map[string]string
}

// StoreResult is returned from a successful Store call.
type StoreResult struct {
	Success        bool
	ChunkID        string
	StoredAt       time.Time
	TextLength     int
	Metadata       map[string]string
	TagsAutoFilled []string
}

// Store ingests one chunk of text. Order, fixed by the concurrency model:
// normalize/validate tags → derive tags → compute confidence → embed once
// → vector insert → entity extraction → graph update (chunk node + mention
// edges, optional similarity linking) → event log → one lifecycle sweep.
func (s *Service) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	now := s.opts.Now()

	mandatory := tags.Mandatory{
		Who: req.Who, When: req.When, Project: req.Project, Why: req.Why,
		AgentName: req.AgentName, AgentCategory: req.AgentCategory,
		Intent: req.Intent, SourceType: req.SourceType,
	}
	if mandatory.Project == "" {
		mandatory.Project = s.opts.DefaultProject
	}

	filled, autoFilled, err := tags.ApplyPolicy(mandatory, s.opts.TagPolicy, now, s.opts.DefaultAgent)
	if err != nil {
		return StoreResult{}, fmt.Errorf("memorystore: %w", err)
	}

	envelope := tags.Envelope{Mandatory: filled, Extras: req.Extras}
	metadata := tags.ToMetadata(envelope)
	metadata["confidence"] = fmt.Sprintf("%v", tags.Confidence(filled.SourceType))
	metadata["stage"] = "active"
	metadata["last_accessed"] = now.UTC().Format(time.RFC3339)
	metadata["text"] = req.Text

	vecs, err := s.opts.Embedder.EmbedBatch(ctx, []string{req.Text})
	if err != nil {
		return StoreResult{}, fmt.Errorf("memorystore: embed: %w", err)
	}
	vector := vecs[0]

	chunkID := contentChunkID(req.Text)
	if err := s.opts.Index.Insert(ctx, s.opts.Collection, []vectorindex.Item{{
		ID: chunkID, Vector: vector, Text: req.Text, Metadata: metadata,
	}}); err != nil {
		return StoreResult{}, fmt.Errorf("memorystore: vector insert: %w", err)
	}

	s.updateGraph(ctx, chunkID, req.Text, metadata, vector)

	if s.opts.Events != nil {
		_, _ = s.opts.Events.LogEvent(ctx, eventlog.ChunkAdded, map[string]any{
			"chunk_id": chunkID, "project": filled.Project, "who": filled.Who,
		}, now)
	}

	if s.opts.Lifecycle != nil {
		_, _ = s.opts.Lifecycle.DemoteStaleChunks(ctx, 0)
		_, _ = s.opts.Lifecycle.ArchiveDemotedChunks(ctx)
	}

	return StoreResult{
		Success: true, ChunkID: chunkID, StoredAt: now,
		TextLength: len(req.Text), Metadata: metadata, TagsAutoFilled: autoFilled,
	}, nil
}

// updateGraph extracts entities from the text and wires the chunk into the
// knowledge graph: a chunk node, mentions edges to every matched entity,
// and (optionally) similar_to edges to the most similar existing entities.
// Extraction failures degrade to a chunk with no entity linkage rather
// than failing the whole store call — entity extraction is best-effort.
func (s *Service) updateGraph(ctx context.Context, chunkID, text string, metadata map[string]string, vector []float32) {
	if s.opts.Graph == nil {
		return
	}
	s.opts.Graph.AddChunk(chunkID, metadataToAny(metadata))

	if s.opts.Extractor == nil {
		return
	}
	spans, err := s.opts.Extractor.Extract(ctx, text, nil)
	if err != nil {
		return
	}
	for _, span := range spans {
		entityID := entities.Normalize(span.Text)
		if entityID == "" {
			continue
		}
		s.opts.Graph.AddEntity(entityID, string(span.Type), map[string]any{"text": span.Text})
		s.opts.Graph.AddRelationship(chunkID, graph.EdgeMentions, entityID, span.Confidence, nil)

		if s.opts.LinkSimilarEntities {
			s.opts.Graph.LinkSimilarEntities(entityID, nil, vector, s.opts.SimilarityTopK, s.opts.SimilarityThreshold, embedder.CosineSimilarity)
		}
	}
}

// contentChunkID derives a stable chunk id from text content (§3: "content-
// derived"), so re-ingesting identical text upserts the same vector/graph
// entry rather than creating a duplicate.
func contentChunkID(text string) string {
	h := sha256.Sum256([]byte(text))
	return "chunk_" + hex.EncodeToString(h[:])
}

func metadataToAny(md map[string]string) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
