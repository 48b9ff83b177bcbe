// Package index holds the in-memory similarity index of one session.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"docassist/internal/models"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"
)

const (
	embedBatchSize   = 32
	embedConcurrency = 4
)

// Meta identifies the session an index belongs to.
type Meta struct {
	SessionID   string
	Owner       int64
	ContentType models.ContentType
	Title       string
}

// Index is an immutable brute-force cosine index over the chunks of one document.
type Index struct {
	Meta
	text     string
	chunks   []*schema.Document
	vectors  [][]float64
	embedder embedding.Embedder
}

// Build embeds chunks and returns the index. text is the raw document the chunks came from.
func Build(ctx context.Context, emb embedding.Embedder, meta Meta, text string, chunks []string) (*Index, error) {
	if emb == nil {
		return nil, errors.New("embedder required")
	}
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to index")
	}

	vectors := make([][]float64, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		g.Go(func() error {
			out, err := emb.EmbedStrings(gctx, chunks[start:end])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(out) != end-start {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(out))
			}
			for i, v := range out {
				vectors[start+i] = normalize(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]*schema.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &schema.Document{
			ID:       fmt.Sprintf("%s#%d", meta.SessionID, i),
			Content:  c,
			MetaData: map[string]any{"chunk": i},
		}
	}
	return &Index{Meta: meta, text: text, chunks: docs, vectors: vectors, embedder: emb}, nil
}

// Len returns the number of chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Text returns the raw document text the index was built from.
func (ix *Index) Text() string { return ix.text }

// Chunks returns the chunk texts in document order.
func (ix *Index) Chunks() []string {
	out := make([]string, len(ix.chunks))
	for i, d := range ix.chunks {
		out[i] = d.Content
	}
	return out
}

// Head returns up to n chunk texts from the start of the document.
func (ix *Index) Head(n int) []string {
	if n <= 0 || n > len(ix.chunks) {
		n = len(ix.chunks)
	}
	return ix.Chunks()[:n]
}

// Search returns the k chunks most similar to query, best first. Each result
// carries its cosine score (schema.Document.Score).
func (ix *Index) Search(ctx context.Context, query string, k int) ([]*schema.Document, error) {
	if k <= 0 {
		k = 4
	}
	qv, err := ix.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(qv))
	}
	q := normalize(qv[0])

	order := make([]int, len(ix.vectors))
	scores := make([]float64, len(ix.vectors))
	for i, v := range ix.vectors {
		order[i] = i
		scores[i] = dot(v, q)
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if k > len(order) {
		k = len(order)
	}

	results := make([]*schema.Document, 0, k)
	for _, i := range order[:k] {
		src := ix.chunks[i]
		meta := make(map[string]any, len(src.MetaData)+1)
		for key, v := range src.MetaData {
			meta[key] = v
		}
		doc := &schema.Document{ID: src.ID, Content: src.Content, MetaData: meta}
		results = append(results, doc.WithScore(scores[i]))
	}
	return results, nil
}

func dot(a, b []float64) float64 {
	n := min(len(a), len(b))
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
