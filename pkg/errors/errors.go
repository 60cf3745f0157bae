// Package errors defines the error taxonomy shared by the dispatcher, the
// workflow store, the connector registry and the scheduler.
//
// Every failure that reaches the protocol boundary is reported to the front
// end as an unsuccessful acknowledgement; the Kind lets callers decide how to
// phrase it and lets tests assert on the category without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	// KindParse is malformed command syntax or JSON.
	KindParse Kind = "parse"
	// KindValidation is a well-formed but semantically invalid payload.
	KindValidation Kind = "validation"
	// KindNotFound is an update or delete referencing an unknown id.
	KindNotFound Kind = "not_found"
	// KindConnector is a failure inside an external capability.
	KindConnector Kind = "connector"
	// KindPersistence is a failed durable write or read.
	KindPersistence Kind = "persistence"
)

// Sentinels for errors.Is comparisons against a Kind.
var (
	ErrParse       = &Error{Kind: KindParse}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConnector   = &Error{Kind: KindConnector}
	ErrPersistence = &Error{Kind: KindPersistence}
)

// Error carries a Kind plus the operation and workflow it happened in.
type Error struct {
	Kind       Kind      // Category of the failure
	Op         string    // What operation was being performed
	WorkflowID string    // Which workflow, if any
	Timestamp  time.Time // When the error occurred
	Cause      error     // Underlying error
}

// New wraps cause with a Kind. Returns nil if cause is nil.
func New(kind Kind, op, workflowID string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Op:         op,
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// Newf builds an Error of the given kind from a formatted message.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return New(kind, op, "", fmt.Errorf(format, args...))
}

// Parse builds a KindParse error.
func Parse(op string, cause error) *Error { return New(KindParse, op, "", cause) }

// Validation builds a KindValidation error.
func Validation(op string, cause error) *Error { return New(KindValidation, op, "", cause) }

// NotFound builds a KindNotFound error for the given workflow id.
func NotFound(op, workflowID string) *Error {
	return New(KindNotFound, op, workflowID, fmt.Errorf("workflow '%s' not found", workflowID))
}

// Connector builds a KindConnector error.
func Connector(op string, cause error) *Error { return New(KindConnector, op, "", cause) }

// Persistence builds a KindPersistence error.
func Persistence(op, workflowID string, cause error) *Error {
	return New(KindPersistence, op, workflowID, cause)
}

// Error implements the error interface.
//
// Format: "{op}: {cause}". The op prefix is omitted when empty.
func (e *Error) Error() string {
	if e == nil {
		return "<nil Error>"
	}
	if e.Cause == nil {
		return string(e.Kind)
	}
	if e.Op == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Detail is the message without the operation prefix, suitable for the
// front end.
func (e *Error) Detail() string {
	if e == nil || e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Cause == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Detail returns the user-facing text for err: the cause of the first *Error
// in the chain, or err.Error() otherwise.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) && e.Cause != nil {
		return e.Detail()
	}
	return err.Error()
}
