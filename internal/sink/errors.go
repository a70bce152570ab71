package sink

import (
	"errors"
	"fmt"
)

// Fatal errors. Send returns an error wrapping exactly one of these.
var (
	ErrConfiguration    = errors.New("sink: invalid configuration")
	ErrRetriesExhausted = errors.New("sink: sending failed and no retries remain")
	ErrCredential       = errors.New("sink: credential refresh failed")
	ErrInterrupted      = errors.New("sink: sending interrupted")
)

// TransportError is a failed exchange: connection refused, timeout, I/O error.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is a completed exchange whose status was classified as a failure.
type ApplicationError struct {
	StatusCode int
	Body       string
}

func (e *ApplicationError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server replied with status %d", e.StatusCode)
	}
	return fmt.Sprintf("server replied with status %d: %s", e.StatusCode, e.Body)
}

// AuthenticationError is an ApplicationError the endpoint raised because it rejected our credentials.
type AuthenticationError struct {
	*ApplicationError
}

func (e *AuthenticationError) Error() string {
	return "authentication rejected: " + e.ApplicationError.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.ApplicationError }

// StatusCode returns the HTTP status carried by err, or 0 when err never got a response.
func StatusCode(err error) int {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
