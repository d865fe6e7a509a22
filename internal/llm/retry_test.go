package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rlmerrors "rlm/internal/errors"
	"rlm/internal/logging"
)

func fastRetryConfig() rlmerrors.RetryConfig {
	return rlmerrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryClientRecoversFromTransientErrors(t *testing.T) {
	t.Parallel()

	mock := NewMockClient(
		MockResponse{Err: rlmerrors.Transient(fmt.Errorf("overloaded"), 529)},
		MockResponse{Err: rlmerrors.Transient(fmt.Errorf("overloaded"), 529)},
		MockResponse{Content: "recovered"},
	)
	client := NewRetryClient(mock, fastRetryConfig(), logging.Nop())

	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Content)
	require.Len(t, mock.Calls(), 3)
}

func TestRetryClientFailsFastOnPermanentError(t *testing.T) {
	t.Parallel()

	mock := NewMockClient(MockResponse{Err: rlmerrors.Permanent(fmt.Errorf("invalid api key"), 401)})
	client := NewRetryClient(mock, fastRetryConfig(), logging.Nop())

	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.Len(t, mock.Calls(), 1, "permanent errors must not burn retries")
}

func TestRetryClientExhaustsTransientRetries(t *testing.T) {
	t.Parallel()

	mock := NewMockClient(MockResponse{Err: rlmerrors.Transient(fmt.Errorf("still overloaded"), 503)})
	cfg := fastRetryConfig()
	client := NewRetryClient(mock, cfg, logging.Nop())

	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	require.Len(t, mock.Calls(), cfg.MaxAttempts+1)
}

func TestRetryClientStreamRetriesBeforeFirstToken(t *testing.T) {
	t.Parallel()

	mock := NewMockClient(
		MockResponse{Err: rlmerrors.Transient(fmt.Errorf("rate limit"), 429)},
		MockResponse{Content: "streamed fine"},
	)
	client := NewRetryClient(mock, fastRetryConfig(), logging.Nop())

	var tokens []string
	resp, err := client.StreamComplete(context.Background(), CompletionRequest{},
		StreamCallbacks{OnToken: func(token string) { tokens = append(tokens, token) }})
	require.NoError(t, err)
	require.Equal(t, "streamed fine", resp.Content)
	require.NotEmpty(t, tokens)
	require.Len(t, mock.Calls(), 2)
}

// partialStreamClient emits tokens and then fails, like a connection drop
// mid-stream.
type partialStreamClient struct {
	calls int
}

func (c *partialStreamClient) Model() string { return "partial" }

func (c *partialStreamClient) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (c *partialStreamClient) StreamComplete(_ context.Context, _ CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	c.calls++
	if callbacks.OnToken != nil {
		callbacks.OnToken("partial ")
	}
	return nil, rlmerrors.Transient(fmt.Errorf("stream interrupted"), 0)
}

func TestRetryClientDoesNotRetryMidStream(t *testing.T) {
	t.Parallel()

	base := &partialStreamClient{}
	client := NewRetryClient(base, fastRetryConfig(), logging.Nop())

	var tokens []string
	_, err := client.StreamComplete(context.Background(), CompletionRequest{},
		StreamCallbacks{OnToken: func(token string) { tokens = append(tokens, token) }})
	require.Error(t, err)
	require.Equal(t, 1, base.calls, "output already reached the observer; retrying would duplicate it")
	require.Equal(t, []string{"partial "}, tokens)
}

func TestRetryHonorsRetryAfterHeader(t *testing.T) {
	t.Parallel()

	attempts := 0
	start := time.Now()
	cfg := rlmerrors.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 500 * time.Millisecond}

	err := rlmerrors.Retry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts == 1 {
			te := rlmerrors.Transient(fmt.Errorf("rate limited"), 429)
			te.RetryAfter = 1 // seconds, clamped to MaxDelay
			return te
		}
		return nil
	}, logging.Nop())

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	// The Retry-After override is clamped to MaxDelay, so the wait lands
	// between the 1ms base backoff and the 500ms cap.
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}
