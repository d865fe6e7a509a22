package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	rlmerrors "rlm/internal/errors"
)

// mapHTTPError classifies a non-2xx provider response for the retry policy.
func mapHTTPError(statusCode int, body []byte, header http.Header) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	err := fmt.Errorf("provider returned %d: %s", statusCode, msg)

	if rlmerrors.StatusCodeTransient(statusCode) {
		te := rlmerrors.Transient(err, statusCode)
		if ra := header.Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil {
				te.RetryAfter = secs
			}
		}
		return te
	}
	return rlmerrors.Permanent(err, statusCode)
}

// wrapRequestError classifies a transport-level failure.
func wrapRequestError(err error) error {
	if rlmerrors.IsTransient(err) {
		return rlmerrors.Transient(fmt.Errorf("request failed: %w", err), 0)
	}
	return fmt.Errorf("request failed: %w", err)
}
