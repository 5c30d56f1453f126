package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder embeds query text via an OpenAI-compatible embeddings
// endpoint. text-embedding-3-small's 1536 dimensions match the fixed D
// baked into the embedding table schema.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbedder builds an embedder over an API key.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
		dim:    1536,
	}
}

// Dimension returns D, the fixed embedding width for this install.
func (e *OpenAIEmbedder) Dimension() int { return e.dim }

// Embed computes a dense embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response had no data")
	}
	return resp.Data[0].Embedding, nil
}

// MockEmbedder produces a deterministic, hash-derived vector for any
// input, used when MOCK_LLM=true so tests never depend on network
// access or API credentials.
type MockEmbedder struct {
	dim int
}

// NewMockEmbedder builds a deterministic embedder of the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim}
}

// Dimension returns D.
func (m *MockEmbedder) Dimension() int { return m.dim }

// Embed hashes text into a seed and derives a unit vector from it, so
// identical text always embeds identically, which is enough to
// exercise ranking logic in tests. Texts that differ at all hash to
// unrelated vectors.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dim)
	state := seed
	var sumSq float64
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407
		v := float32(int64(state>>40)%10000) / 10000.0
		vec[i] = v
		sumSq += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
