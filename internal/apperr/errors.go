// Package apperr defines the error taxonomy shared by the token manager,
// the tool gateway and the conversation orchestrator.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced server, connection or conversation
	// does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrMaxIterations means the tool-calling loop did not converge.
	ErrMaxIterations = errors.New("max tool iterations exceeded")
)

// TransportError is a network failure or non-2xx response from an external endpoint.
type TransportError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error from %s: status %d", e.Endpoint, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport error from %s: %v", e.Endpoint, e.Err)
	}
	return "transport error from " + e.Endpoint
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed response carrying an error payload.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// AuthRequiredError signals that a provider needs a fresh authorization flow.
// It is routed to the caller rather than treated as a failure.
type AuthRequiredError struct {
	Provider string
	Reason   string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s: %s", e.Provider, e.Reason)
}

// AsAuthRequired extracts an AuthRequiredError from err's chain.
func AsAuthRequired(err error) (*AuthRequiredError, bool) {
	var target *AuthRequiredError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
