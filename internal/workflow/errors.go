package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for state store operations. Every failure returned by the
// Store is an *Error wrapping one of these.
var (
	ErrAlreadyInitialized = errors.New("workflow already initialized")
	ErrNoWorkflow         = errors.New("no active workflow")
	ErrNoActivePhase      = errors.New("no active phase")
	ErrStalePhase         = errors.New("phase is no longer current")
	ErrDuplicateArtifact  = errors.New("artifact already recorded")
	ErrUnknownKind        = errors.New("unknown workflow kind")
	ErrNotComplete        = errors.New("workflow not complete")
	ErrBusy               = errors.New("workflow state busy")
	ErrIOFailure          = errors.New("workflow state I/O failure")
	ErrCorrupted          = errors.New("workflow state corrupted")
	ErrInvalidInput       = errors.New("invalid input")
)

// ErrorKind names the failure class for structured results.
type ErrorKind string

const (
	KindAlreadyInitialized ErrorKind = "AlreadyInitialized"
	KindNoWorkflow         ErrorKind = "NoWorkflow"
	KindNoActivePhase      ErrorKind = "NoActivePhase"
	KindStalePhase         ErrorKind = "StalePhase"
	KindDuplicateArtifact  ErrorKind = "DuplicateArtifact"
	KindUnknownType        ErrorKind = "UnknownType"
	KindNotComplete        ErrorKind = "NotComplete"
	KindBusy               ErrorKind = "Busy"
	KindIOFailure          ErrorKind = "IOFailure"
	KindInvalidInput       ErrorKind = "InvalidInput"
	KindCanceled           ErrorKind = "Canceled"
)

var kindOf = []struct {
	err  error
	kind ErrorKind
}{
	{ErrAlreadyInitialized, KindAlreadyInitialized},
	{ErrNoWorkflow, KindNoWorkflow},
	{ErrNoActivePhase, KindNoActivePhase},
	{ErrStalePhase, KindStalePhase},
	{ErrDuplicateArtifact, KindDuplicateArtifact},
	{ErrUnknownKind, KindUnknownType},
	{ErrNotComplete, KindNotComplete},
	{ErrBusy, KindBusy},
	{ErrIOFailure, KindIOFailure},
	{ErrCorrupted, KindIOFailure},
	{ErrInvalidInput, KindInvalidInput},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// Error is a structured store failure.
type Error struct {
	Op   string // store operation, e.g. "advance_phase"
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to reach the sentinel.
func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the caller can retry after re-checking state.
// Corruption is the only failure that is not.
func (e *Error) Recoverable() bool {
	return !errors.Is(e.Err, ErrCorrupted)
}

// newError wraps err for op, classifying it by the first sentinel it matches.
func newError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Classify returns the ErrorKind for err, defaulting to IOFailure.
func Classify(err error) ErrorKind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	for _, k := range kindOf {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindIOFailure
}
