package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation rejects malformed requests before any network call.
	ErrValidation = errors.New("invalid input")
	// ErrAuthRequired marks responses that need a sign-in or a connected
	// calendar rather than a generic error notification.
	ErrAuthRequired = errors.New("authentication required")
	ErrNotFound     = errors.New("not found")
)

// HTTPError carries a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrAuthRequired:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	default:
		return false
	}
}
