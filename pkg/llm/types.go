package llm

// CompletionRequest describes a single-turn completion.
type CompletionRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// EventType discriminates stream events.
type EventType int

const (
	// EventDelta carries an incremental piece of the answer text.
	EventDelta EventType = iota

	// EventUsage carries token accounting reported in-band by the provider.
	EventUsage

	// EventDone marks normal end of stream.
	EventDone

	// EventError marks an upstream failure. Deltas already emitted stay valid.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventUsage:
		return "usage"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of a provider's event sequence. Text holds the
// delta for EventDelta and the message for EventError. Usage is set only for
// EventUsage.
type StreamEvent struct {
	Type  EventType
	Text  string
	Usage *Usage
}

// Usage is token accounting for one completion. Either side may be nil when
// the provider did not report it or the enrichment call failed.
type Usage struct {
	InputTokens  *int
	OutputTokens *int
}

// IntPtr is a convenience for building optional counts.
func IntPtr(n int) *int {
	return &n
}
