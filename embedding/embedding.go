// Package embedding defines the interface to external embedding
// providers and a resilience decorator for calling them.
package embedding

import "context"

// Embedder turns text into vectors. Implementations wrap a concrete
// provider (an HTTP API, a local model, a test stub).
type Embedder interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments embeds a batch of documents. The result has one
	// vector per input, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Func adapts a single-text embedding function to the Embedder
// interface, embedding batches sequentially.
type Func func(ctx context.Context, text string) ([]float32, error)

// EmbedQuery implements Embedder.
func (f Func) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// EmbedDocuments implements Embedder.
func (f Func) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
