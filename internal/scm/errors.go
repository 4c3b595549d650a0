// errors.go defines the sentinel error values shared by the resolver, the token cache and the
// GitHub client, plus APIError for non-2xx upstream responses.
package scm

import (
	"errors"
	"fmt"
)

var (
	// Resolution errors
	ErrNotFound = errors.New("not found")
	ErrInactive = errors.New("organization is not active")

	// Token errors
	ErrTokenIssuanceFailed = errors.New("installation token issuance failed")

	// Argument errors, raised before any network call
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSHARequired     = errors.New("current file sha is required to update a file")
	ErrAuthorRequired  = errors.New("commit author name and email are required")
)

// APIError represents a non-2xx response from the GitHub API. A stale sha on update
// surfaces here as well (409/422), not as a separate kind.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("github api error (status %d)", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new API error
func NewAPIError(statusCode int, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// IsUpstream reports whether err carries an APIError and returns it.
func IsUpstream(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
