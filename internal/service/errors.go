package service

import "fmt"

// ConflictError reports a local invariant violation: a duplicate account
// for a subscription, an account not in the state an operation requires,
// or port range exhaustion. Raised before any remote side effect where
// feasible.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// NotFoundError reports that a referenced account or subscription does
// not exist or is not visible to the caller.
type NotFoundError struct {
	Resource string
	Ref      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Ref)
}
