package llm

import (
	"context"
)

// StreamClient is the capability every model provider must offer: given a
// model and prompt, produce a lazy sequence of stream events ending in a
// terminal Done or Error event.
type StreamClient interface {
	// StreamCompletion starts a streaming completion request. The returned
	// channel is closed after the terminal event. Deltas emitted before an
	// in-stream error remain valid and should be kept by the caller.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// TokenCounter is an optional capability for providers whose stream does not
// carry usage accounting. Counting is advisory; callers must tolerate errors.
type TokenCounter interface {
	// CountTokens counts the tokens of a single message with the given role.
	CountTokens(ctx context.Context, model, role, text string) (int, error)
}
