package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by registries and stores for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for disallowed run status changes.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrLoopLimitExceeded fails a run whose eval loop exceeded its cap under the fail policy.
	ErrLoopLimitExceeded = errors.New("loop iteration limit exceeded")
	// ErrStalled fails a run that has no ready nodes before reaching the end node.
	ErrStalled = errors.New("constellation stalled before reaching end node")
	// ErrStaleWrite is returned by stores refusing to overwrite a terminal run.
	ErrStaleWrite = errors.New("stale write: run already terminal")
	// ErrInvalidGraph wraps constellation validation failures.
	ErrInvalidGraph = errors.New("invalid constellation")
)

// ValidationError rejects a mutation or a constellation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}

	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// ValidationWarning is a non fatal finding returned alongside a successful mutation.
type ValidationWarning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// ValidationErrors joins several validation failures.
type ValidationErrors []error

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}

	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e ValidationErrors) Unwrap() []error { return e }

// ErrorOrNil returns nil for an empty list.
func (e ValidationErrors) ErrorOrNil() error {
	if len(e) == 0 {
		return nil
	}

	return e
}

// GraphError describes a constellation validation failure.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidGraph.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return ErrInvalidGraph }

// ExecutionError records the failure of a single node.
type ExecutionError struct {
	NodeID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ParallelExecutionError aggregates failures of concurrently executed sibling nodes.
type ParallelExecutionError struct {
	Errors []*ExecutionError
}

func (e *ParallelExecutionError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}

	return fmt.Sprintf("%d nodes failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes every sub-error to errors.Is / errors.As.
func (e *ParallelExecutionError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err
	}

	return errs
}

// NodeIDs returns the ids of the failed nodes.
func (e *ParallelExecutionError) NodeIDs() []string {
	ids := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		ids[i] = err.NodeID
	}

	return ids
}

// RunNotFoundError is returned when a caller references an unknown run.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %q not found", e.RunID)
}

func (e *RunNotFoundError) Is(target error) bool { return target == ErrNotFound }

// SourceLocation identifies where a definition was registered.
type SourceLocation struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

func (l SourceLocation) String() string {
	if l.Function == "" {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}

	return fmt.Sprintf("%s:%d (%s)", l.File, l.Line, l.Function)
}

// DuplicateProbeError is raised when a probe name is registered twice.
type DuplicateProbeError struct {
	Name      string
	Original  SourceLocation
	Duplicate SourceLocation
}

func (e *DuplicateProbeError) Error() string {
	return fmt.Sprintf("probe %q already registered at %s, duplicate at %s", e.Name, e.Original, e.Duplicate)
}

// ConflictError rejects a delete that would break referential integrity.
type ConflictError struct {
	Entity       string
	ID           string
	ReferencedBy []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q is still referenced by %s", e.Entity, e.ID, strings.Join(e.ReferencedBy, ", "))
}
