package anthropic

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

const (
	defaultBaseURL  = "https://api.anthropic.com"
	apiVersion      = "2023-06-01"
	countTokensBeta = "token-counting-2024-11-01"
)

// HTTPClient implements llm.StreamClient against the Anthropic messages API.
// The messages stream does not report usage in a form this relay consumes,
// so HTTPClient also implements llm.TokenCounter via the count_tokens
// endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Ensure HTTPClient implements both provider capabilities
var _ llm.StreamClient = (*HTTPClient)(nil)
var _ llm.TokenCounter = (*HTTPClient)(nil)

// Config holds configuration for the Anthropic client
type Config struct {
	APIKey  string
	BaseURL string        // Default: https://api.anthropic.com
	Timeout time.Duration // Dial/TLS timeout; the stream itself is unbounded
}

// NewHTTPClient creates a new Anthropic HTTP client
func NewHTTPClient(config Config) *HTTPClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

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
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// streamChunk is one SSE data payload of the messages stream.
type streamChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamCompletion implements llm.StreamClient.StreamCompletion.
func (c *HTTPClient) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		// The messages API requires max_tokens
		maxTokens = 4096
	}

	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
		Stream: true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

		stopped := false

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			switch chunk.Type {
			case "content_block_delta":
				if chunk.Delta.Text != "" {
					if !send(ctx, ch, llm.StreamEvent{Type: llm.EventDelta, Text: chunk.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				stopped = true
			case "error":
				send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Text: chunk.Error.Message})
				return
			}

			if stopped {
				break
			}
		}

		if err := scanner.Err(); err != nil {
			send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Text: err.Error()})
			return
		}

		if stopped {
			send(ctx, ch, llm.StreamEvent{Type: llm.EventDone})
		} else {
			send(ctx, ch, llm.StreamEvent{Type: llm.EventError, Text: "stream ended unexpectedly"})
		}
	}()

	return ch, nil
}

// CountTokens implements llm.TokenCounter using the count_tokens endpoint.
// Best-effort: callers treat any error as "usage unknown".
func (c *HTTPClient) CountTokens(ctx context.Context, model, role, text string) (int, error) {
	payload := map[string]interface{}{
		"model": model,
		"messages": []message{
			{Role: role, Content: text},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages/count_tokens", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("anthropic-beta", countTokensBeta)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.InputTokens, nil
}

func send(ctx context.Context, ch chan<- llm.StreamEvent, ev llm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
