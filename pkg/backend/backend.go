// Package backend wraps the LLM inference engine behind a uniform
// interface: a blocking text generation call and a log-probability
// scoring call.
package backend

import (
	"context"
	"errors"
)

// ErrBackend marks failed model invocations: transport errors, timeouts,
// non-2xx responses, and malformed or out-of-bounds model output.
var ErrBackend = errors.New("backend error")

// maxOutputBytes is the sanity bound on generated text. Output past it is
// treated as malformed rather than forwarded.
const maxOutputBytes = 64 * 1024

// Backend is the black-box model invocation contract. Implementations are
// not required to be safe for concurrent calls: each worker slot owns its
// own instance and serializes access to it.
type Backend interface {
	// Generate produces a completion for the assembled prompt, bounded by
	// maxTokens. The returned text is trimmed of backend formatting
	// artifacts.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)

	// Score returns per-token log probabilities for each target continuation
	// of the prompt, one slice per target.
	Score(ctx context.Context, prompt string, targets []string) ([][]float64, error)
}
