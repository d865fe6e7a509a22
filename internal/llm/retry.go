package llm

import (
	"context"
	"time"

	rlmerrors "rlm/internal/errors"
	"rlm/internal/logging"
)

// retryClient wraps an LLM client with the transient/permanent retry
// policy: transient failures back off and retry (honoring Retry-After),
// permanent failures surface immediately.
type retryClient struct {
	underlying  Client
	retryConfig rlmerrors.RetryConfig
	logger      logging.Logger
}

var _ Client = (*retryClient)(nil)

// NewRetryClient wraps client with retry logic.
func NewRetryClient(client Client, retryConfig rlmerrors.RetryConfig, logger logging.Logger) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		logger:      logging.OrNop(logger),
	}
}

// WrapWithRetry wraps an existing LLM client with the default retry
// configuration. Composition roots apply this to the primary and sub
// clients so both loops share one resilience policy.
func WrapWithRetry(client Client, logger logging.Logger) Client {
	return NewRetryClient(client, rlmerrors.DefaultRetryConfig(), logger)
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

// Complete executes the completion with retry on transient errors.
func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	var resp *CompletionResponse
	err := rlmerrors.Retry(ctx, c.retryConfig, func(ctx context.Context) error {
		var completeErr error
		resp, completeErr = c.underlying.Complete(ctx, req)
		return completeErr
	}, c.logger)

	if err != nil {
		c.logger.Warn("LLM request failed after retries (took %v): %v",
			time.Since(startTime).Round(time.Second), err)
		return nil, err
	}
	return resp, nil
}

// StreamComplete retries only while no delta has been forwarded; once
// tokens have reached the observer a failure surfaces rather than
// duplicating partial output on a second attempt.
func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	startTime := time.Now()
	tokensForwarded := false

	wrapped := StreamCallbacks{
		OnToken: func(token string) {
			tokensForwarded = true
			if callbacks.OnToken != nil {
				callbacks.OnToken(token)
			}
		},
	}

	var resp *CompletionResponse
	err := rlmerrors.Retry(ctx, c.retryConfig, func(ctx context.Context) error {
		var streamErr error
		resp, streamErr = c.underlying.StreamComplete(ctx, req, wrapped)
		if streamErr != nil && tokensForwarded {
			return rlmerrors.Permanent(streamErr, 0)
		}
		return streamErr
	}, c.logger)

	if err != nil {
		c.logger.Warn("LLM streaming request failed (took %v): %v",
			time.Since(startTime).Round(time.Second), err)
		return nil, err
	}
	return resp, nil
}
