package superset

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned when a request to the Superset API fails, either
// with a non-2xx response or before a response was received.
type APIError struct {
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	Method     string
	Path       string
	// Message is the response body or a description of the failure.
	Message string
	// Err is the underlying transport, decoding or authentication error.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("superset API %s %s failed: %s: %v", e.Method, e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("superset API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the request may succeed. Transport
// failures, throttling and server errors are temporary. A failed login is
// judged by the status of the login request.
func (e *APIError) Temporary() bool {
	if e.StatusCode == 0 {
		var inner *APIError
		if errors.As(e.Err, &inner) {
			return inner.Temporary()
		}
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// AuthError is returned when login, token refresh or CSRF token retrieval
// fails.
type AuthError struct {
	// Op is one of "login", "refresh" or "csrf".
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("superset authentication (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
