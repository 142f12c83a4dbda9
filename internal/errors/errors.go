// Package errors provides a typed error catalogue for the workflow core.
//
// Every error raised by the orchestrator, executor, validator, and contract
// subsystems is an *AppError* carrying a stable Kind, an HTTP status
// suitable for the facade to surface, and an optional wrapped cause. The
// catalogue mirrors the error table in the specification: validation,
// graph, template, condition, control-flow, transport and deployment
// failures all map onto a fixed, small set of kinds rather than ad hoc
// error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one entry in the error catalogue.
type Kind string

const (
	KindValidationFailed      Kind = "ValidationFailed"
	KindCycleDetected         Kind = "CycleDetected"
	KindTemplateUnresolved    Kind = "TemplateUnresolved"
	KindTemplateUnknownField  Kind = "TemplateUnknownField"
	KindTemplateBackwardRef   Kind = "TemplateBackwardReference"
	KindConditionInvalid      Kind = "ConditionInvalid"
	KindConditionUnresolved   Kind = "ConditionUnresolved"
	KindForEachNotIterable    Kind = "ForEachNotIterable"
	KindNoCaseMatched         Kind = "NoCaseMatched"
	KindHTTPTimeout           Kind = "HttpTimeout"
	KindHTTPTransport         Kind = "HttpTransport"
	KindHTTPStatus            Kind = "HttpStatus"
	KindTaskCancelled         Kind = "TaskCancelled"
	KindOutputUnresolved      Kind = "OutputUnresolved"
	KindDeploymentBlocked     Kind = "DeploymentBlocked"
	KindContractViolation     Kind = "ContractViolation"
	KindNotFound              Kind = "NotFound"
	KindInternal              Kind = "Internal"
)

// statusByKind is the facade-mapping rule from spec.md §7: invalid input ->
// 400, unknown workflow -> 404, timeout -> 408, otherwise 500.
var statusByKind = map[Kind]int{
	KindValidationFailed:     http.StatusBadRequest,
	KindCycleDetected:        http.StatusBadRequest,
	KindTemplateUnresolved:   http.StatusBadRequest,
	KindTemplateUnknownField: http.StatusBadRequest,
	KindTemplateBackwardRef:  http.StatusBadRequest,
	KindConditionInvalid:     http.StatusBadRequest,
	KindConditionUnresolved:  http.StatusBadRequest,
	KindForEachNotIterable:   http.StatusInternalServerError,
	KindNoCaseMatched:        http.StatusInternalServerError,
	KindHTTPTimeout:          http.StatusRequestTimeout,
	KindHTTPTransport:        http.StatusInternalServerError,
	KindHTTPStatus:           http.StatusInternalServerError,
	KindTaskCancelled:        http.StatusInternalServerError,
	KindOutputUnresolved:     http.StatusInternalServerError,
	KindDeploymentBlocked:    http.StatusInternalServerError,
	KindContractViolation:    http.StatusInternalServerError,
	KindNotFound:             http.StatusNotFound,
	KindInternal:             http.StatusInternalServerError,
}

// AppError is the catalogue entry. It is never constructed directly by
// callers outside this package; use New/Wrap/Wrapf or one of the
// predefined constructors.
type AppError struct {
	Kind       Kind
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusFor(kind),
	}
}

func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusFor(kind),
		Cause:      cause,
	}
}

func Wrapf(cause error, kind Kind, format string, args ...interface{}) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

func statusFor(kind Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", string(e.Kind), e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", string(e.Kind), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches additional, non-message context in place and
// returns the same *AppError for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetKind returns the error's catalogue kind, or KindInternal for any error
// that did not originate from this package.
func GetKind(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// StatusCode returns the HTTP status the facade should surface for err.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// LogFields renders err as a flat map suitable for structured logging
// (zap.Any("error_fields", LogFields(err))).
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{
		"error": err.Error(),
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		fields["error_type"] = string(appErr.Kind)
		fields["status_code"] = appErr.StatusCode
		if appErr.Details != "" {
			fields["error_details"] = appErr.Details
		}
		if appErr.Cause != nil {
			fields["underlying_error"] = appErr.Cause.Error()
		}
	} else {
		fields["error_type"] = string(KindInternal)
		fields["status_code"] = http.StatusInternalServerError
	}
	return fields
}

// Retryable reports whether kind is one the executor's retry policy may
// loop on (§7 propagation policy): only HTTP transport/timeout/status
// kinds are retryable, never template/condition/validation failures.
func Retryable(kind Kind) bool {
	switch kind {
	case KindHTTPTimeout, KindHTTPTransport, KindHTTPStatus:
		return true
	default:
		return false
	}
}

// Predefined constructors mirroring common catalogue entries.

func NewValidationError(message string) *AppError {
	return New(KindValidationFailed, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(KindNotFound, resource+" not found")
}

func NewCycleError(ids []string) *AppError {
	return Newf(KindCycleDetected, "cycle detected among steps %v", ids)
}

func NewTemplateUnresolved(path string) *AppError {
	return Newf(KindTemplateUnresolved, "unresolved template path %q", path)
}

func NewConditionInvalid(expr string, cause error) *AppError {
	return Wrapf(cause, KindConditionInvalid, "invalid condition expression %q", expr)
}
