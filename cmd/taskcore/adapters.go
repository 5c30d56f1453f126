package main

import (
	"context"

	"github.com/c360studio/taskcore/internal/search"
	"github.com/c360studio/taskcore/internal/store"
)

// storeRetriever adapts *store.Store's Corpus-typed embedding search to
// search.Retriever's plain-string corpus selector.
type storeRetriever struct {
	st *store.Store
}

func (r storeRetriever) VectorSearch(ctx context.Context, corpus string, query []float32, m int) ([]search.RetrievedChunk, error) {
	scored, err := r.st.VectorSearch(ctx, store.Corpus(corpus), query, m)
	if err != nil {
		return nil, err
	}
	return toRetrievedChunks(scored), nil
}

func (r storeRetriever) LexicalSearch(ctx context.Context, corpus string, query string, m int) ([]search.RetrievedChunk, error) {
	scored, err := r.st.LexicalSearch(ctx, store.Corpus(corpus), query, m)
	if err != nil {
		return nil, err
	}
	return toRetrievedChunks(scored), nil
}

func toRetrievedChunks(scored []store.Scored) []search.RetrievedChunk {
	out := make([]search.RetrievedChunk, len(scored))
	for i, s := range scored {
		out[i] = search.RetrievedChunk{OwnerID: s.OwnerID, ChunkIndex: s.ChunkIndex, Text: s.Text}
	}
	return out
}
