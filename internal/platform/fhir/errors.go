package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure by what happened, not by which component
// raised it. The orchestrator is the single translation point from kind to
// HTTP status plus OperationOutcome.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindUnsupportedVersion
	KindGone
	KindDisabledInteraction
	KindDisabledTenant
	KindUnknownTenant
	KindInvalidTenant
	KindValidation
	KindInvalid
	KindVersionConflict
	KindPreconditionFailed
	KindNotSupported
	KindTimeout
	KindUnauthorized
	KindForbidden
)

// Error is the typed error surfaced across component boundaries. Issues may
// carry the full set of validation findings; Diagnostics is the one-line
// summary used when Issues is empty.
type Error struct {
	Kind        ErrorKind
	Diagnostics string
	Issues      []OperationOutcomeIssue
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Diagnostics, e.cause)
	}
	return e.Diagnostics
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on kind so sentinels are unnecessary.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds a typed error with formatted diagnostics.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Diagnostics: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Diagnostics: fmt.Sprintf(format, args...), cause: cause}
}

// ValidationError builds a validation failure carrying every issue found.
func ValidationError(issues []OperationOutcomeIssue) *Error {
	return &Error{
		Kind:        KindValidation,
		Diagnostics: "resource failed validation",
		Issues:      issues,
	}
}

// KindOf extracts the kind from any error. Untyped errors classify as
// internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindNotFound, KindUnsupportedVersion, KindUnknownTenant:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindDisabledInteraction:
		return http.StatusMethodNotAllowed
	case KindDisabledTenant:
		return http.StatusServiceUnavailable
	case KindInvalidTenant, KindInvalid:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindVersionConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindNotSupported:
		return http.StatusNotImplemented
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// issueCodeOf maps a kind to its OperationOutcome issue type code.
func issueCodeOf(kind ErrorKind) string {
	switch kind {
	case KindNotFound, KindUnknownTenant:
		return IssueTypeNotFound
	case KindGone:
		return IssueTypeDeleted
	case KindUnsupportedVersion, KindDisabledInteraction, KindNotSupported:
		return IssueTypeNotSupported
	case KindDisabledTenant:
		return IssueTypeProcessing
	case KindInvalidTenant, KindInvalid:
		return IssueTypeInvalid
	case KindValidation:
		return IssueTypeStructure
	case KindVersionConflict, KindPreconditionFailed:
		return IssueTypeConflict
	case KindTimeout:
		return IssueTypeTimeout
	case KindUnauthorized:
		return IssueTypeLogin
	case KindForbidden:
		return IssueTypeForbidden
	default:
		return IssueTypeException
	}
}

// OutcomeOf renders any error as an OperationOutcome. Typed errors keep their
// issues and diagnostics; untyped errors become an opaque internal error.
func OutcomeOf(err error) *OperationOutcome {
	var e *Error
	if !errors.As(err, &e) {
		return InternalErrorOutcome("an internal error occurred")
	}
	if len(e.Issues) > 0 {
		return MultipleIssuesOutcome(e.Issues)
	}
	severity := IssueSeverityError
	if e.Kind == KindInternal {
		severity = IssueSeverityFatal
	}
	return NewOperationOutcome(severity, issueCodeOf(e.Kind), e.Diagnostics)
}
