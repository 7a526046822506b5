package client

import (
	"errors"
	"fmt"
)

// ErrInboundNotFound is returned when the panel has no inbound with the
// requested id. Not retried; it is a definite answer.
var ErrInboundNotFound = errors.New("inbound not found")

// AuthError indicates the panel session could not be established (bad
// credentials or panel unreachable during login). Fatal for the current
// operation; not retried beyond the single-flight login attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("panel auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// GatewayError indicates a transport or unexpected-response failure
// talking to the panel after retries were exhausted. The caller must not
// assume partial success.
type GatewayError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("panel %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ApplicationRejection indicates the panel answered at the transport
// level but reported success=false. Retrying a logically rejected
// request is not expected to succeed, so it surfaces immediately.
type ApplicationRejection struct {
	Op  string
	Msg string
}

func (e *ApplicationRejection) Error() string {
	return fmt.Sprintf("panel rejected %s: %s", e.Op, e.Msg)
}
