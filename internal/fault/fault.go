// Package fault defines the error taxonomy shared by every layer of the
// runtime. Every failure is classified as retryable, non-retryable, or
// degradable, carries a stable machine-readable code, and maps cleanly to
// an HTTP status at the API boundary.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the coarse retry classification of a failure.
type Kind int

const (
	// NonRetryable failures will fail the same way on every attempt.
	NonRetryable Kind = iota
	// Retryable failures are transient and safe to retry with backoff.
	Retryable
	// Degradable failures can be worked around by falling back to a
	// cheaper model or reduced capability instead of failing the run.
	Degradable
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Degradable:
		return "degradable"
	default:
		return "non_retryable"
	}
}

// Stable error codes. These are part of the API contract: clients switch on
// them, so renaming one is a breaking change.
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeRateLimited           = "RATE_LIMITED"
	CodeTimeout               = "TIMEOUT"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeModelOverloaded       = "MODEL_OVERLOADED"
	CodeModelDowngrade        = "MODEL_DOWNGRADE"
	CodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeBudgetExceeded        = "BUDGET_EXCEEDED"
	CodePreFlightRejected     = "PREFLIGHT_REJECTED"
	CodeRunNotFound           = "RUN_NOT_FOUND"
	CodeRunTerminal           = "RUN_TERMINAL"
	CodeStepFailed            = "STEP_FAILED"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeAgentNotFound         = "AGENT_NOT_FOUND"
	CodeAgentExists           = "AGENT_EXISTS"
	CodeAgentUnavailable      = "AGENT_UNAVAILABLE"
	CodeApprovalRequired      = "APPROVAL_REQUIRED"
	CodeApprovalDeclined      = "APPROVAL_DECLINED"
	CodeCancelled             = "CANCELLED"
	CodeInternal              = "INTERNAL"
)

// Retry defaults applied when a transient failure carries no explicit hint.
const (
	DefaultRetryAfter = 500 * time.Millisecond
	DefaultMaxRetries = 3
)

// kindByCode is the default classification for each code. Constructors
// consult it so call sites only name the code.
var kindByCode = map[string]Kind{
	CodeRateLimited:           Retryable,
	CodeTimeout:               Retryable,
	CodeNetworkError:          Retryable,
	CodeUpstreamError:         Retryable,
	CodeModelOverloaded:       Degradable,
	CodeCapabilityUnavailable: Degradable,
}

// Error is the runtime's error value. Kind drives retry decisions, Code is
// the stable wire identifier, and the remaining fields carry hints for the
// retry loop (RetryAfter, MaxRetries) and degradation (Capability, Fallback).
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	MaxRetries int
	Capability string
	Fallback   string
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the retry loop may attempt this call again.
func (e *Error) IsRetryable() bool { return e.Kind == Retryable }

// New creates an Error with the default kind for code.
func New(code, message string) *Error {
	e := &Error{Kind: kindByCode[code], Code: code, Message: message}
	if e.Kind == Retryable {
		e.RetryAfter = DefaultRetryAfter
		e.MaxRetries = DefaultMaxRetries
	}
	return e
}

// Newf is New with formatting.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Transient creates a Retryable error with explicit retry hints. A zero
// retryAfter falls back to the default.
func Transient(code, message string, retryAfter time.Duration, maxRetries int) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Error{
		Kind:       Retryable,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
		MaxRetries: maxRetries,
	}
}

// Degraded creates a Degradable error naming the unavailable capability and
// the fallback the caller should take.
func Degraded(code, message, capability, fallback string) *Error {
	return &Error{
		Kind:       Degradable,
		Code:       code,
		Message:    message,
		Capability: capability,
		Fallback:   fallback,
	}
}

// Wrap attaches cause to e and returns e.
func Wrap(cause error, e *Error) *Error {
	e.Err = cause
	return e
}

// Classify maps an arbitrary error into the taxonomy. Existing *Error values
// pass through unchanged; context and network errors get their natural
// classification; everything else is an internal non-retryable failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, New(CodeTimeout, "operation timed out"))
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, &Error{Kind: NonRetryable, Code: CodeCancelled, Message: "operation cancelled"})
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Wrap(err, New(CodeTimeout, "network timeout"))
		}
		return Wrap(err, New(CodeNetworkError, "network error"))
	}
	return Wrap(err, New(CodeInternal, "internal error"))
}

// FromHTTPStatus classifies an upstream HTTP failure status. retryAfter, if
// positive, comes from the upstream Retry-After header.
func FromHTTPStatus(status int, retryAfter time.Duration) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return Transient(CodeRateLimited, "upstream rate limited", retryAfter, DefaultMaxRetries)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Transient(CodeTimeout, "upstream timed out", retryAfter, DefaultMaxRetries)
	case status == http.StatusServiceUnavailable:
		// A 503 from an upstream service is a transient outage to wait out,
		// not a model-overload signal; Degradable is produced only by the
		// model-client boundary where a downgrade is possible.
		return Transient(CodeUpstreamError, "upstream unavailable", retryAfter, DefaultMaxRetries)
	case status == http.StatusUnauthorized:
		return New(CodeUnauthorized, "upstream rejected credentials")
	case status == http.StatusForbidden:
		return New(CodeForbidden, "upstream denied access")
	case status == http.StatusNotFound:
		return New(CodeUpstreamError, "upstream resource not found").nonRetryable()
	case status >= 500:
		return Transient(CodeUpstreamError, fmt.Sprintf("upstream returned %d", status), retryAfter, DefaultMaxRetries)
	case status >= 400:
		return Newf(CodeInvalidInput, "upstream rejected request with %d", status)
	default:
		return Newf(CodeUpstreamError, "unexpected upstream status %d", status)
	}
}

func (e *Error) nonRetryable() *Error {
	e.Kind = NonRetryable
	e.RetryAfter = 0
	e.MaxRetries = 0
	return e
}

// HTTPStatus maps an error to the status the API should answer with.
func HTTPStatus(err error) int {
	e := Classify(err)
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case CodeInvalidInput, CodePreFlightRejected:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRunNotFound, CodeJobNotFound, CodeAgentNotFound:
		return http.StatusNotFound
	case CodeRunTerminal, CodeAgentExists:
		return http.StatusConflict
	case CodeBudgetExceeded, CodeApprovalRequired:
		return http.StatusPaymentRequired
	case CodeApprovalDeclined:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeCancelled:
		return 499
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeAgentUnavailable, CodeModelOverloaded, CodeCapabilityUnavailable:
		return http.StatusServiceUnavailable
	case CodeUpstreamError, CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
