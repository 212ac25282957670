// Package embedding provides the embedding provider boundary: a unified
// provider interface, retry and rate-limit wrappers, a two-level vector
// cache, and an asynchronous pipeline that keeps provider latency out of
// store operations.
package embedding

import "context"

// Provider maps text to fixed-length numeric vectors. Implementations wrap
// an external embedding capability and are expected to be safe for
// concurrent use.
type Provider interface {
	// Embed generates an embedding for a single input.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embeddings for multiple inputs in one call.
	// The result is index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the provider's output vector length.
	Dimensions() int

	// Name returns the provider name for logging.
	Name() string
}
