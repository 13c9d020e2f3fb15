package llm

import (
	"context"
	"sync"
)

// MockClient implements StreamClient for testing.
type MockClient struct {
	mu sync.Mutex

	// StreamFunc allows customizing the streaming behavior.
	StreamFunc func(context.Context, CompletionRequest) (<-chan StreamEvent, error)

	// Events is the scripted sequence used when StreamFunc is nil.
	Events []StreamEvent

	// Tracking for assertions
	StreamCalls []CompletionRequest
}

// Ensure MockClient implements StreamClient
var _ StreamClient = (*MockClient)(nil)

// NewMockClient creates a mock that streams the given events and closes.
func NewMockClient(events ...StreamEvent) *MockClient {
	return &MockClient{
		Events:      events,
		StreamCalls: make([]CompletionRequest, 0),
	}
}

// StreamCompletion implements StreamClient.StreamCompletion.
func (m *MockClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	m.mu.Lock()
	m.StreamCalls = append(m.StreamCalls, req)
	events := m.Events
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}

	ch := make(chan StreamEvent, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// GetStreamCallCount returns the number of stream calls made.
func (m *MockClient) GetStreamCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StreamCalls)
}

// Reset clears the call history.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamCalls = make([]CompletionRequest, 0)
}
