// Package chunker splits ingest text into size-bounded, overlap-aware
// fragments (C1). It strips a leading YAML-ish frontmatter block and
// supports a default paragraph-greedy packer plus an optional
// embedding-similarity semantic mode.
package chunker

import (
	"context"
	"errors"
	"strings"

	"github.com/nexuscore/memnexus/internal/nexusmem/embedder"
)

// ErrEmptyInput is returned when Chunk is called with blank text.
var ErrEmptyInput = errors.New("chunker: empty input")

// Options configures a Chunk call. Zero MinChunkSize and MaxChunkSize fall
// back to 128 and 512 tokens. Overlap has no default: zero (or a negative
// value) means no overlap between consecutive chunks.
type Options struct {
	MinChunkSize int
	MaxChunkSize int
	Overlap      int
	// Semantic enables sentence-grouping by embedding similarity. Requires
	// Embedder to be non-nil; otherwise it silently falls back to the
	// greedy packer.
	Semantic          bool
	SimilarityThresh  float64
	Embedder          embedder.Embedder
}

func (o Options) withDefaults() Options {
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = 128
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 512
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.SimilarityThresh <= 0 {
		o.SimilarityThresh = 0.82
	}
	return o
}

// Fragment is one produced chunk.
type Fragment struct {
	Text       string
	Source     string
	ChunkIndex int
	Metadata   map[string]string
}

// charsPerToken approximates a token as 4 characters, matching the
// teacher's chunker and the SOP's token-budget estimator so the two
// heuristics agree.
const charsPerToken = 4

// Chunk splits text into Fragments. The source key is carried onto every
// fragment's metadata as file_path for lifecycle rekindling to locate the
// original.
func Chunk(ctx context.Context, text string, source string, opt Options) ([]Fragment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	opt = opt.withDefaults()

	front, body := stripFrontmatter(text)

	var frags []Fragment
	if opt.Semantic && opt.Embedder != nil {
		f, err := semanticChunk(ctx, body, opt)
		if err != nil {
			// Semantic mode degrades to the greedy packer on any error
			// rather than failing ingestion outright.
			f = greedyPack(body, opt)
		}
		frags = f
	} else {
		frags = greedyPack(body, opt)
	}

	for i := range frags {
		frags[i].Source = source
		frags[i].ChunkIndex = i
		if frags[i].Metadata == nil {
			frags[i].Metadata = map[string]string{}
		}
		for k, v := range front {
			frags[i].Metadata[k] = v
		}
		frags[i].Metadata["file_path"] = source
	}
	return frags, nil
}

// stripFrontmatter removes a leading `---\nkey: value\n---` block and
// returns it as a metadata map (empty on malformed or absent frontmatter —
// this never errors).
func stripFrontmatter(text string) (map[string]string, string) {
	meta := map[string]string{}
	trimmed := strings.TrimLeft(text, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		return meta, text
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, text
	}
	block := rest[:end]
	body := rest[end+4:]
	body = strings.TrimPrefix(body, "\n")
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		meta[key] = val
	}
	return meta, body
}

// greedyPack splits on blank lines (paragraphs) and greedily appends while
// under MaxChunkSize tokens, emitting a chunk once full. The final
// fragment may be shorter than MinChunkSize.
func greedyPack(body string, opt Options) []Fragment {
	paras := splitParagraphs(body)
	maxChars := opt.MaxChunkSize * charsPerToken
	overlapChars := opt.Overlap * charsPerToken

	var out []Fragment
	var buf strings.Builder
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s == "" {
			return
		}
		out = append(out, Fragment{Text: s})
		buf.Reset()
	}
	for _, p := range paras {
		if buf.Len() > 0 && buf.Len()+len(p)+2 > maxChars {
			flush()
			if overlapChars > 0 && len(out) > 0 {
				tail := out[len(out)-1].Text
				if len(tail) > overlapChars {
					tail = tail[len(tail)-overlapChars:]
				}
				buf.WriteString(tail)
				buf.WriteString("\n\n")
			}
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	if len(out) == 0 {
		return out
	}
	return out
}

func splitParagraphs(body string) []string {
	raw := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// semanticChunk groups adjacent sentences whose pairwise embeddings have
// cosine similarity at or above SimilarityThresh into the same fragment,
// still respecting MaxChunkSize as a hard cap.
func semanticChunk(ctx context.Context, body string, opt Options) ([]Fragment, error) {
	sentences := splitSentences(body)
	if len(sentences) == 0 {
		return nil, nil
	}
	vecs, err := opt.Embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return nil, err
	}
	maxChars := opt.MaxChunkSize * charsPerToken

	var out []Fragment
	var buf strings.Builder
	var prevVec []float32
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			out = append(out, Fragment{Text: s})
		}
		buf.Reset()
		prevVec = nil
	}
	for i, s := range sentences {
		sim := 1.0
		if prevVec != nil {
			sim = embedder.CosineSimilarity(prevVec, vecs[i])
		}
		boundary := prevVec != nil && sim < opt.SimilarityThresh
		if boundary || (buf.Len() > 0 && buf.Len()+len(s)+1 > maxChars) {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(s)
		prevVec = vecs[i]
	}
	flush()
	return out, nil
}

func splitSentences(body string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range body {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(cur.String())
			if s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
