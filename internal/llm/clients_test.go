package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/internal/config"
	rlmerrors "rlm/internal/errors"
)

func TestOpenAICompleteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.URL.Path; got != "/chat/completions" {
			t.Errorf("unexpected path: %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected Authorization header, got %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["model"] != "test-model" {
			t.Errorf("unexpected model: %v", payload["model"])
		}
		messages := payload["messages"].([]any)
		first := messages[0].(map[string]any)
		if first["role"] != "system" {
			t.Errorf("system prompt must lead the message list, got %v", first["role"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"content": "hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-model", "test-key", server.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{
		System:      "be brief",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: 0,
		MaxTokens:   4096,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestOpenAIStreamComplete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient("test-model", "test-key", server.URL)
	var tokens []string
	resp, err := client.StreamComplete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{OnToken: func(token string) { tokens = append(tokens, token) }})

	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, tokens)
	require.Equal(t, "Hello", resp.Content)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestOpenAIErrorStatusMapped(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("test-model", "test-key", server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.True(t, rlmerrors.IsTransient(err), "429 must classify as transient")
}

func TestAnthropicCompleteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/messages" {
			t.Errorf("unexpected path: %s", got)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("expected anthropic-version header")
		}

		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["system"] != "be brief" {
			t.Errorf("system must travel on the request body, got %v", payload["system"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []any{map[string]any{"type": "text", "text": "hi there"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 7, "output_tokens": 3},
		})
	}))
	defer server.Close()

	client := NewAnthropicClient("test-model", "test-key", server.URL)
	resp, err := client.Complete(context.Background(), CompletionRequest{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Content)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestAnthropicStreamComplete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":9,"output_tokens":0}}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"one "}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"two"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		}
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewAnthropicClient("test-model", "test-key", server.URL)
	var tokens []string
	resp, err := client.StreamComplete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "count"}},
	}, StreamCallbacks{OnToken: func(token string) { tokens = append(tokens, token) }})

	require.NoError(t, err)
	require.Equal(t, "one two", resp.Content)
	require.Equal(t, []string{"one ", "two"}, tokens)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestStreamCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok\"}}]}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewOpenAIClient("test-model", "test-key", server.URL)
	_, err := client.StreamComplete(ctx, CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, StreamCallbacks{OnToken: func(string) { cancel() }})

	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFactorySelectsProvider(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Provider: config.ProviderAnthropic, APIKey: "k", PrimaryModel: "m"}
	client, err := NewClient(cfg, "")
	require.NoError(t, err)
	require.Equal(t, "m", client.Model())

	cfg.Provider = config.ProviderOpenAI
	client, err = NewClient(cfg, "other")
	require.NoError(t, err)
	require.Equal(t, "other", client.Model())

	cfg.Provider = "mystery"
	_, err = NewClient(cfg, "")
	require.Error(t, err)
}

func TestMockStreamTokensConcatenate(t *testing.T) {
	t.Parallel()

	mock := NewMockClient(MockResponse{Content: "alpha beta\ngamma"})
	var sb strings.Builder
	resp, err := mock.StreamComplete(context.Background(), CompletionRequest{},
		StreamCallbacks{OnToken: func(token string) { sb.WriteString(token) }})
	require.NoError(t, err)
	require.Equal(t, resp.Content, sb.String())
}
