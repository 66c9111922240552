package hyperform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeRequest    ErrorType = "request"
	ErrorTypeResolution ErrorType = "resolution"
	ErrorTypeSchema     ErrorType = "schema"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes
const (
	// Transport
	ErrCodeRequestFailed    = "REQUEST_FAILED"
	ErrCodeRequestCancelled = "REQUEST_CANCELLED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"

	// Hypermedia navigation and client URLs
	ErrCodeRelNotFound        = "REL_NOT_FOUND"
	ErrCodeMalformedClientURL = "MALFORMED_CLIENT_URL"
	ErrCodeUnresolvableKey    = "UNRESOLVABLE_KEY"
	ErrCodeInvalidSubmitLink  = "INVALID_SUBMIT_LINK"

	// Schemas
	ErrCodeSchemaFetchFailed            = "SCHEMA_FETCH_FAILED"
	ErrCodeSchemaNormalizationFailed    = "SCHEMA_NORMALIZATION_FAILED"
	ErrCodeIncompatibleEnum             = "INCOMPATIBLE_ENUM"
	ErrCodeIncompatibleStringConstraint = "INCOMPATIBLE_STRING_CONSTRAINT"
	ErrCodeUnsatisfiableSchema          = "UNSATISFIABLE_SCHEMA"
	ErrCodeNotAnObjectSchema            = "NOT_AN_OBJECT_SCHEMA"

	// Instances
	ErrCodeValidationFailed = "VALIDATION_FAILED"

	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HyperformError is the single error type returned by the API and schema
// layers. Two errors match under errors.Is when their codes are equal, so the
// Err* sentinels below can be used as targets.
type HyperformError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Href    string         `json:"href,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HyperformError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] ", e.Type, e.Code)
	if e.Href != "" {
		fmt.Fprintf(&b, "%s: ", e.Href)
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *HyperformError) Unwrap() error {
	return e.Cause
}

// Is matches on the error code.
func (e *HyperformError) Is(target error) bool {
	t, ok := target.(*HyperformError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *HyperformError) WithDetails(details map[string]any) *HyperformError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to the error
func (e *HyperformError) WithDetail(key string, value any) *HyperformError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error
func (e *HyperformError) WithCause(cause error) *HyperformError {
	e.Cause = cause
	return e
}

// WithHref records the URL the error relates to
func (e *HyperformError) WithHref(href string) *HyperformError {
	e.Href = href
	return e
}

// Sentinels for errors.Is.
var (
	ErrRequestFailed                = &HyperformError{Code: ErrCodeRequestFailed}
	ErrRequestCancelled             = &HyperformError{Code: ErrCodeRequestCancelled}
	ErrCircuitOpen                  = &HyperformError{Code: ErrCodeCircuitOpen}
	ErrRelNotFound                  = &HyperformError{Code: ErrCodeRelNotFound}
	ErrMalformedClientURL           = &HyperformError{Code: ErrCodeMalformedClientURL}
	ErrUnresolvableKey              = &HyperformError{Code: ErrCodeUnresolvableKey}
	ErrInvalidSubmitLink            = &HyperformError{Code: ErrCodeInvalidSubmitLink}
	ErrSchemaFetchFailed            = &HyperformError{Code: ErrCodeSchemaFetchFailed}
	ErrSchemaNormalizationFailed    = &HyperformError{Code: ErrCodeSchemaNormalizationFailed}
	ErrIncompatibleEnum             = &HyperformError{Code: ErrCodeIncompatibleEnum}
	ErrIncompatibleStringConstraint = &HyperformError{Code: ErrCodeIncompatibleStringConstraint}
	ErrUnsatisfiableSchema          = &HyperformError{Code: ErrCodeUnsatisfiableSchema}
	ErrNotAnObjectSchema            = &HyperformError{Code: ErrCodeNotAnObjectSchema}
	ErrValidationFailed             = &HyperformError{Code: ErrCodeValidationFailed}
)

// ============================================================================
// Constructors
// ============================================================================

// NewHyperformError creates a new error
func NewHyperformError(errorType ErrorType, code, message string) *HyperformError {
	return &HyperformError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// Transport errors

// NewRequestError reports a non-2xx response (status > 0) or a transport
// failure (status == 0).
func NewRequestError(method, href string, status int, cause error) *HyperformError {
	msg := fmt.Sprintf("%s failed", method)
	if status > 0 {
		msg = fmt.Sprintf("%s failed with status %d", method, status)
	}
	return NewHyperformError(ErrorTypeRequest, ErrCodeRequestFailed, msg).
		WithHref(href).
		WithDetail("method", method).
		WithDetail("status", status).
		WithCause(cause)
}

// NewCancelledError reports a request aborted through its context.
func NewCancelledError(method, href string, cause error) *HyperformError {
	return NewHyperformError(ErrorTypeCancelled, ErrCodeRequestCancelled, method+" cancelled").
		WithHref(href).
		WithCause(cause)
}

// NewCircuitOpenError reports a request refused because the server failed
// too often recently.
func NewCircuitOpenError(href string) *HyperformError {
	return NewHyperformError(ErrorTypeRequest, ErrCodeCircuitOpen, "circuit breaker open").WithHref(href)
}

// Resolution errors

// NewRelNotFoundError reports a relation that no reachable link carries.
func NewRelNotFoundError(rel string) *HyperformError {
	return NewHyperformError(ErrorTypeResolution, ErrCodeRelNotFound,
		fmt.Sprintf("no link with rel %q", rel)).WithDetail("rel", rel)
}

// NewMalformedClientURLError reports a client path no keyed link combination
// can reconstruct.
func NewMalformedClientURLError(clientPath, reason string) *HyperformError {
	return NewHyperformError(ErrorTypeResolution, ErrCodeMalformedClientURL,
		fmt.Sprintf("cannot resolve client url %q: %s", clientPath, reason)).WithDetail("path", clientPath)
}

// NewUnresolvableKeyError reports a resource key no registered keyed link
// covers.
func NewUnresolvableKeyError(resourceType string, key map[string]string) *HyperformError {
	return NewHyperformError(ErrorTypeResolution, ErrCodeUnresolvableKey,
		fmt.Sprintf("no keyed link for %s with key %s", resourceType, formatKey(key))).
		WithDetail("resourceType", resourceType)
}

// NewInvalidSubmitLinkError reports a link that cannot be submitted to.
func NewInvalidSubmitLinkError(link ApiLink, reason string) *HyperformError {
	return NewHyperformError(ErrorTypeInternal, ErrCodeInvalidSubmitLink, reason).
		WithHref(link.Href).
		WithDetail("rel", link.Rel)
}

// Schema errors

// NewSchemaFetchError reports a schema document that could not be loaded.
func NewSchemaFetchError(href string, cause error) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeSchemaFetchFailed, "schema document unavailable").
		WithHref(href).
		WithCause(cause)
}

// NewSchemaNormalizationError reports contradictory schema keywords.
func NewSchemaNormalizationError(ref, message string) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeSchemaNormalizationFailed, message).WithHref(ref)
}

// NewIncompatibleEnumError reports enum/const values with no common member.
func NewIncompatibleEnumError(ref string, accumulated, incoming any) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeIncompatibleEnum, "enum values are incompatible").
		WithHref(ref).
		WithDetail("accumulated", accumulated).
		WithDetail("incoming", incoming)
}

// NewIncompatibleStringConstraintError reports a string keyword that differs
// between combined schemas.
func NewIncompatibleStringConstraintError(ref, keyword string, accumulated, incoming any) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeIncompatibleStringConstraint,
		fmt.Sprintf("conflicting %s", keyword)).
		WithHref(ref).
		WithDetail("keyword", keyword).
		WithDetail("accumulated", accumulated).
		WithDetail("incoming", incoming)
}

// NewUnsatisfiableSchemaError reports a schema no instance can satisfy.
func NewUnsatisfiableSchemaError(ref, message string) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeUnsatisfiableSchema, message).WithHref(ref)
}

// NewNotAnObjectSchemaError reports a property query on a non-object schema.
func NewNotAnObjectSchemaError(ref string) *HyperformError {
	return NewHyperformError(ErrorTypeSchema, ErrCodeNotAnObjectSchema, "schema does not allow type object").WithHref(ref)
}

// NewValidationError reports an instance rejected by its schema.
func NewValidationError(ref string, cause error) *HyperformError {
	return NewHyperformError(ErrorTypeValidation, ErrCodeValidationFailed, "instance does not match schema").
		WithHref(ref).
		WithCause(cause)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *HyperformError {
	return NewHyperformError(ErrorTypeInternal, ErrCodeInternalError, message).WithCause(cause)
}

// ============================================================================
// Error checking utilities
// ============================================================================

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRequestCancelled) || errors.Is(err, context.Canceled)
}

// IsSchemaError reports whether err signals a contradictory schema.
func IsSchemaError(err error) bool {
	var he *HyperformError
	return errors.As(err, &he) && he.Type == ErrorTypeSchema
}

// StatusCode returns the HTTP status carried by a request error, or 0.
func StatusCode(err error) int {
	var he *HyperformError
	if !errors.As(err, &he) || he.Code != ErrCodeRequestFailed {
		return 0
	}
	status, _ := he.Details["status"].(int)
	return status
}

func formatKey(key map[string]string) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+key[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
