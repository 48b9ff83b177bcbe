package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"
)

// GenaiEmbedder implements embedding.Embedder on the Gemini embeddings API.
type GenaiEmbedder struct {
	client *genai.Client
	model  string
}

var _ embedding.Embedder = (*GenaiEmbedder)(nil)

// NewGenaiEmbedder returns an embedder for modelName (e.g. embedding-001).
func NewGenaiEmbedder(client *genai.Client, modelName string) (*GenaiEmbedder, error) {
	if client == nil {
		return nil, errors.New("genai client required")
	}
	if modelName == "" {
		modelName = "embedding-001"
	}
	return &GenaiEmbedder{client: client, model: modelName}, nil
}

// EmbedStrings returns one vector per text, in input order.
func (e *GenaiEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
