package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/c360studio/taskcore/internal/taskerr"
)

// Corpus selects which embedding table a search targets.
type Corpus string

const (
	CorpusSkills    Corpus = "skills"
	CorpusDocuments Corpus = "documents"
)

func (c Corpus) table() (string, error) {
	switch c {
	case CorpusSkills:
		return "skill_embeddings", nil
	case CorpusDocuments:
		return "document_embeddings", nil
	default:
		return "", taskerr.New(taskerr.KindValidation, fmt.Sprintf("unknown corpus %q", c))
	}
}

// Chunk is one embedded unit of text, owned by a skill or document ID.
type Chunk struct {
	OwnerID    string
	ChunkIndex int
	Text       string
}

// PutEmbedding stores (or replaces) one chunk's embedding.
func (s *Store) PutEmbedding(ctx context.Context, corpus Corpus, c Chunk, vec []float32) error {
	table, err := corpus.table()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (owner_id, chunk_index, chunk_text, embedding)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner_id, chunk_index) DO UPDATE
			SET chunk_text = EXCLUDED.chunk_text, embedding = EXCLUDED.embedding`, table),
		c.OwnerID, c.ChunkIndex, c.Text, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// Scored is one retrieval hit with its owning chunk and rank-source score.
type Scored struct {
	OwnerID    string
	ChunkIndex int
	Text       string
	Score      float64
}

// VectorSearch returns the top-m chunks in corpus nearest query by
// cosine distance.
func (s *Store) VectorSearch(ctx context.Context, corpus Corpus, query []float32, m int) ([]Scored, error) {
	table, err := corpus.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT owner_id, chunk_index, chunk_text, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, table),
		pgvector.NewVector(query), m)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

// LexicalSearch returns the top-m chunks in corpus ranked by Postgres
// full-text search relevance against query.
func (s *Store) LexicalSearch(ctx context.Context, corpus Corpus, query string, m int) ([]Scored, error) {
	table, err := corpus.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT owner_id, chunk_index, chunk_text,
			ts_rank_cd(to_tsvector('english', chunk_text), plainto_tsquery('english', $1)) AS score
		FROM %s
		WHERE to_tsvector('english', chunk_text) @@ plainto_tsquery('english', $1)
		ORDER BY score DESC LIMIT $2`, table),
		query, m)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

func scanScored(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Scored, error) {
	var out []Scored
	for rows.Next() {
		var r Scored
		if err := rows.Scan(&r.OwnerID, &r.ChunkIndex, &r.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("scan scored row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
