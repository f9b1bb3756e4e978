// Package backend defines the generative backend collaborator consumed by
// the fix loop, and a Gemini implementation of it. The fix loop only ever
// sees the Generator interface and the three failure kinds; everything
// else about the provider is private to this package.
package backend

import (
	"context"
	"errors"
)

// Failure kinds. The fix loop maps all backend errors onto these three
// sentinels (via errors.Is) to decide whether a retry makes sense.
var (
	// ErrRateLimited means the provider rejected the call due to quota
	// or rate limiting. Retryable after backoff.
	ErrRateLimited = errors.New("backend rate limited")

	// ErrTimeout means the call exceeded its deadline or the transport
	// gave up. Retryable after backoff.
	ErrTimeout = errors.New("backend timeout")

	// ErrInvalid means the provider answered but the response was
	// malformed or empty. Retryable: regeneration may produce usable
	// output.
	ErrInvalid = errors.New("backend returned invalid output")
)

// FixRequest carries everything the backend needs to propose a repair for
// one diagnostic.
type FixRequest struct {
	// FileID identifies the file being repaired, for prompt context only.
	FileID string

	// Language is the language/loader identifier (e.g. "java").
	Language string

	// Diagnostic is the raw compiler or lint message.
	Diagnostic string

	// ContextWindow is the bounded source excerpt around the diagnostic.
	ContextWindow string

	// Content is the full current text of the file.
	Content string
}

// Generator produces a corrected version of a file's content for a
// diagnostic. On success the returned string is the complete corrected
// file text. On failure the error wraps one of the package sentinels.
type Generator interface {
	GenerateFix(ctx context.Context, req FixRequest) (string, error)
}
