package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/timur-nocodia/n8n-streaming-microservice/pkg/llm"
)

// HTTPClient implements the llm.StreamClient interface against an
// OpenAI-style chat-completions API.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Ensure HTTPClient implements llm.StreamClient
var _ llm.StreamClient = (*HTTPClient)(nil)

// Config holds configuration for the OpenAI client
type Config struct {
	APIKey  string
	BaseURL string        // Default: https://api.openai.com/v1
	Timeout time.Duration // Dial/TLS timeout; the stream itself is unbounded
}

// NewHTTPClient creates a new OpenAI HTTP client
func NewHTTPClient(config Config) *HTTPClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	// Optimized transport for connection reuse across many streams
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   config.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &HTTPClient{
		apiKey:  config.APIKey,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		// No overall client timeout: streams run until the provider
		// finishes or the context is cancelled.
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

// chatRequest is the wire format of a streaming chat-completion request.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one SSE data payload of the chat-completion stream.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamCompletion implements llm.StreamClient.StreamCompletion.
func (c *HTTPClient) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	payload := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	payload.StreamOptions.IncludeUsage = true

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan llm.StreamEvent, 32)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		done := false

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				continue
			}

			// SSE format: "data: {...}"
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			if data == "[DONE]" {
				done = true
				break
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Skip malformed chunks but keep the stream alive
				continue
			}

			// A choice-less chunk carries the final usage accounting when
			// stream_options.include_usage is set.
			if len(chunk.Choices) == 0 {
				if chunk.Usage != nil {
					ev := llm.StreamEvent{
						Type: llm.EventUsage,
						Usage: &llm.Usage{
							InputTokens:  llm.IntPtr(chunk.Usage.PromptTokens),
							OutputTokens: llm.IntPtr(chunk.Usage.CompletionTokens),
						},
					}
					if !send(ctx, ch, ev) {
						return
					}
				}
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, ch, llm.StreamEvent{Type: llm.EventDelta, Text: choice.Delta.Content}) {
					return
				}
			}
			// Any finish_reason is a normal end of generation: "stop",
			// "length" when max_tokens cuts the completion short, and the
			// content-filter variants all still deliver [DONE] after.
			if choice.FinishReason != nil {
				done = true
			}
		}

		if err := scanner.Err(); err != nil {
			send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Text: err.Error()})
			return
		}

		if done {
			send(ctx, ch, llm.StreamEvent{Type: llm.EventDone})
		} else {
			// Connection dropped without a finish_reason or [DONE].
			send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Text: "stream ended unexpectedly"})
		}
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
