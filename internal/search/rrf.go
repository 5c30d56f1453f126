// Package search implements Hybrid Search (C7): dense (vector) and
// lexical retrieval over skill and document chunk corpora, fused by
// Reciprocal Rank Fusion. The fusion itself is pure and side-effect
// free so it is testable without a database; retrieval is behind
// small interfaces backed by internal/store in production.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360studio/taskcore/internal/taskerr"
)

// K is RRF's rank-damping constant, fixed at 60.
const K = 60

// ChunkRef identifies one chunk within a corpus, used for ranking and
// the deterministic tiebreak.
type ChunkRef struct {
	OwnerID    string
	ChunkIndex int
}

// RankedList is one retrieval list's ordering over ChunkRefs, best first.
type RankedList []ChunkRef

// Hit is one fused result with per-list membership for explainability.
type Hit struct {
	ChunkRef
	Text        string
	Score       float64
	InVector    bool
	InLexical   bool
	VectorRank  int // 1-based; 0 means absent
	LexicalRank int
}

// Fuse combines a vector-ranked list and a lexical-ranked list via
// Reciprocal Rank Fusion: score(d) = sum over lists of 1/(K+rank(d)).
// A document present in only one list still scores via that single
// term. Ties break deterministically by OwnerID then ChunkIndex.
// texts supplies the chunk text for display; it may be nil.
func Fuse(vector, lexical RankedList, texts map[ChunkRef]string, k int) []Hit {
	scores := make(map[ChunkRef]*Hit)

	get := func(ref ChunkRef) *Hit {
		h, ok := scores[ref]
		if !ok {
			h = &Hit{ChunkRef: ref, Text: texts[ref]}
			scores[ref] = h
		}
		return h
	}

	for i, ref := range vector {
		h := get(ref)
		rank := i + 1
		h.InVector = true
		h.VectorRank = rank
		h.Score += 1.0 / float64(K+rank)
	}
	for i, ref := range lexical {
		h := get(ref)
		rank := i + 1
		h.InLexical = true
		h.LexicalRank = rank
		h.Score += 1.0 / float64(K+rank)
	}

	out := make([]Hit, 0, len(scores))
	for _, h := range scores {
		out = append(out, *h)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Embedder computes a dense embedding for a query string. Production
// implementations wrap an LLM embedding provider; tests use a
// deterministic stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Retriever is the narrowed store surface Search depends on, keyed by
// the corpus selector (skills or documents_of_client).
type Retriever interface {
	VectorSearch(ctx context.Context, corpus string, query []float32, m int) ([]RetrievedChunk, error)
	LexicalSearch(ctx context.Context, corpus string, query string, m int) ([]RetrievedChunk, error)
}

// RetrievedChunk is a single-list retrieval hit from the store, before fusion.
type RetrievedChunk struct {
	OwnerID    string
	ChunkIndex int
	Text       string
}

// Search ties embedding, retrieval, and fusion together.
type Search struct {
	embedder Embedder
	store    Retriever
}

// New builds a Search engine.
func New(embedder Embedder, store Retriever) *Search {
	return &Search{embedder: embedder, store: store}
}

// Query runs the full hybrid pipeline: embed, retrieve top-m from both
// lists, fuse, and return the top-k hits. m defaults to 20 and k to 10
// when zero.
func (s *Search) Query(ctx context.Context, corpus, query string, k, m int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	if m <= 0 {
		m = 20
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) != s.embedder.Dimension() {
		return nil, taskerr.New(taskerr.KindValidation,
			fmt.Sprintf("embedding dimension mismatch: got %d, want %d", len(vec), s.embedder.Dimension()))
	}

	vectorHits, err := s.store.VectorSearch(ctx, corpus, vec, m)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	lexicalHits, err := s.store.LexicalSearch(ctx, corpus, query, m)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	if len(vectorHits) == 0 && len(lexicalHits) == 0 {
		return nil, nil
	}

	texts := map[ChunkRef]string{}
	var vecList, lexList RankedList
	for _, h := range vectorHits {
		ref := ChunkRef{OwnerID: h.OwnerID, ChunkIndex: h.ChunkIndex}
		texts[ref] = h.Text
		vecList = append(vecList, ref)
	}
	for _, h := range lexicalHits {
		ref := ChunkRef{OwnerID: h.OwnerID, ChunkIndex: h.ChunkIndex}
		texts[ref] = h.Text
		lexList = append(lexList, ref)
	}

	return Fuse(vecList, lexList, texts, k), nil
}
