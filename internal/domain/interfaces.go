package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Inferencer abstracts the opaque text-generation collaborator. It is
// unreliable: it may return an error, hang past its context, or produce
// malformed output. It is never trusted to manage credits.
type Inferencer interface {
	// Infer generates a response for the given input. The worker pool
	// bounds every call with its own timeout context.
	Infer(ctx context.Context, input string) (string, error)
}

// InferencerFunc adapts a plain function into an Inferencer.
type InferencerFunc func(ctx context.Context, input string) (string, error)

// Infer calls f.
func (f InferencerFunc) Infer(ctx context.Context, input string) (string, error) {
	return f(ctx, input)
}
