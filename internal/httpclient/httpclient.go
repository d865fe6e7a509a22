// Package httpclient builds the shared HTTP clients used by the LLM
// provider implementations.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rlm/internal/logging"
)

// New returns an HTTP client with the given total-request timeout and a
// transport tuned for long-lived streaming responses.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingTransport{base: transport, logger: logging.OrNop(logger)},
	}
}

// NewStreaming returns a client with no total timeout: streaming reads are
// bounded by context cancellation instead.
func NewStreaming(headerTimeout time.Duration, logger logging.Logger) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
	return &http.Client{
		Transport: &loggingTransport{base: transport, logger: logging.OrNop(logger)},
	}
}

type loggingTransport struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("http %s %s failed after %s: %v", req.Method, req.URL.Host, time.Since(start), err)
		return nil, err
	}
	t.logger.Debug("http %s %s -> %d in %s", req.Method, req.URL.Host, resp.StatusCode, time.Since(start))
	return resp, nil
}

// ResponseTooLargeError reports that a response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether err indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads the response body up to the provided limit.
// If limit <= 0, it behaves like io.ReadAll.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
