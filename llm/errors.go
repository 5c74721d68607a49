package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is a non-200 reply from a provider.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, body)
}

// Temporary reports whether the request may succeed if repeated: rate
// limits and gateway or server-side failures.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// TransportError is a failure to reach the provider at all. It is always
// worth retrying.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return true }
