// Package inference defines the contract for the in-process inference
// backend and ships an OpenAI-compatible HTTP adapter for hosts whose
// "in-process" engine is reached over a local socket. Retry and circuit
// breaking live in the resilience engine, not here.
package inference

import "context"

// ChunkFunc receives one streamed slice of output.
type ChunkFunc func(chunk string)

// Engine is the inference collaborator consumed by the core.
type Engine interface {
	// Generate produces the full completion for a prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateStream produces the completion incrementally, invoking
	// onChunk for each slice, and returns the assembled text.
	GenerateStream(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error)
}

// EngineFunc adapts a plain generate function to Engine. Streaming
// degenerates to a single chunk.
type EngineFunc func(ctx context.Context, prompt string) (string, error)

func (f EngineFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func (f EngineFunc) GenerateStream(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
	text, err := f(ctx, prompt)
	if err != nil {
		return "", err
	}
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}
