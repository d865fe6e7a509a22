package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a scripted client for tests. Each call pops the next queued
// response; streaming splits content into whitespace-preserving chunks so
// token callbacks fire more than once per response.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []CompletionRequest
	model     string
}

// MockResponse is one scripted turn.
type MockResponse struct {
	Content string
	Err     error
}

// NewMockClient builds a mock that replays the given responses in order.
// When the script is exhausted the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses, model: "mock-model"}
}

// Calls returns a copy of every request the mock has seen.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockClient) next(req CompletionRequest) MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		return MockResponse{Content: ""}
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp
}

func (m *MockClient) Model() string { return m.model }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := m.next(req)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &CompletionResponse{Content: resp.Content, StopReason: "end_turn"}, nil
}

func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := m.next(req)
	if resp.Err != nil {
		return nil, resp.Err
	}
	if callbacks.OnToken != nil {
		for _, chunk := range chunkContent(resp.Content) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			callbacks.OnToken(chunk)
		}
	}
	return &CompletionResponse{Content: resp.Content, StopReason: "end_turn"}, nil
}

// chunkContent splits text into word-sized chunks, keeping separators so the
// concatenation equals the input.
func chunkContent(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == ' ' || r == '\n' {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
