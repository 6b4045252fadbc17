package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingToken = errors.New("token endpoint returned no token")
	// ErrInvalidated reports a token fetched for a session that was replaced
	// while the request was in flight.
	ErrInvalidated = errors.New("token invalidated during fetch")
)

type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "token request failed"
	}
	if e.Status != "" {
		return "token request failed: " + e.Status
	}
	return fmt.Sprintf("token request failed: http status %d", e.StatusCode)
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
}
