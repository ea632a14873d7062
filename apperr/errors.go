// Package apperr defines the orchestrator's error taxonomy. Every component
// boundary (model adapter, skill dispatcher, session store, approval
// protocol, quota gate) converts failures into a *Error with one of the Kind
// values below, so the Task API Facade and SSE Event Bus can map them to HTTP
// status codes and structured "error" events without inspecting arbitrary
// error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for HTTP status mapping and SSE error events.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindStreamInterrupted    Kind = "stream_interrupted"
	KindSkillNotFound        Kind = "skill_not_found"
	KindSkillSchemaMismatch  Kind = "skill_schema_mismatch"
	KindSkillTimeout         Kind = "timeout"
	KindSkillBackendError    Kind = "backend_error"
	KindApprovalIncomplete   Kind = "approval_incomplete"
	KindRegenerationExhausted Kind = "regeneration_exhausted"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindUnauthorized         Kind = "unauthorized"
	KindInternal             Kind = "internal"
)

// Error is a structured failure that preserves message and causal context
// while implementing the standard error interface, supporting errors.Is/As
// through Unwrap and Cause chaining.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats a message and returns it as an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf returns the Kind of err if it (or a wrapped cause) is an *Error,
// otherwise KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the HTTP status the Task API Facade should
// respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindSkillSchemaMismatch:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound, KindSkillNotFound:
		return http.StatusNotFound
	case KindConflict, KindRegenerationExhausted:
		return http.StatusConflict
	case KindApprovalIncomplete:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindSkillTimeout:
		return http.StatusGatewayTimeout
	case KindProviderUnavailable, KindStreamInterrupted, KindSkillBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors for the most common not-found conditions, so callers can
// use errors.Is without constructing a Kind-bearing Error every time.
var (
	ErrTaskNotFound     = New(KindNotFound, "task not found")
	ErrClauseNotFound   = New(KindNotFound, "clause not found")
	ErrSessionNotFound  = New(KindNotFound, "session not found")
	ErrSessionEnded     = New(KindConflict, "session already ended")
)
