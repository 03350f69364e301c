package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a control-plane failure.
type ErrorCode string

const (
	CodeThrottled        ErrorCode = "Throttled"
	CodeInUse            ErrorCode = "InUse"
	CodeNotFound         ErrorCode = "NotFound"
	CodePermissionDenied ErrorCode = "PermissionDenied"
	CodeConflict         ErrorCode = "Conflict"
	CodeUnknown          ErrorCode = "Unknown"
)

// ProviderError is a classified failure returned by a Driver.
type ProviderError struct {
	Kind       Kind
	Op         string
	Identifier string
	Code       ErrorCode
	Err        error
}

func (e *ProviderError) Error() string {
	target := e.Identifier
	if target == "" {
		target = "-"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, target, e.Code)
	}
	return fmt.Sprintf("%s %s %s: %s: %v", e.Op, e.Kind, target, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CodeOf returns the code of the first ProviderError in err's chain,
// or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// TransientError is a throttling or propagation failure that outlived
// the retry budget.
type TransientError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: still failing after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError is a name collision or a dependent-in-use failure that
// could not be resolved.
type ConflictError struct {
	Kind       Kind
	Identifier string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Identifier, e.Message)
}

// PermissionError is fatal and never retried.
type PermissionError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s %s: permission denied: %v", e.Op, e.Kind, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// StateCorruptionError reports a persisted knot the current code cannot
// interpret.
type StateCorruptionError struct {
	Group  string
	Path   string
	Reason string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state for group %q (%s) is corrupt: %s", e.Group, e.Path, e.Reason)
}

// InvalidStateTransitionError is a local precondition violation.
type InvalidStateTransitionError struct {
	Group string
	From  KnotState
	To    KnotState
	Op    string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: knot %q is %s, cannot move to %s", e.Op, e.Group, e.From, e.To)
}

// NotFoundError indicates a requested knot or job was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such %s: %s", e.Resource, e.ID)
}

// InvalidParameterError indicates invalid user input.
type InvalidParameterError struct {
	Message string
}

func (e *InvalidParameterError) Error() string {
	return e.Message
}

// ResourceFailure describes one resource a teardown could not remove.
type ResourceFailure struct {
	Kind       Kind
	Name       string
	Identifier string
	Attempts   int
	Err        error
}

// ClobberError lists every resource left behind by a teardown.
type ClobberError struct {
	Group    string
	Failures []ResourceFailure
}

func (e *ClobberError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s (%d attempts): %v", f.Kind, f.Identifier, f.Attempts, f.Err))
	}
	return fmt.Sprintf("clobber %q left %d resources: %s", e.Group, len(e.Failures), strings.Join(parts, "; "))
}
