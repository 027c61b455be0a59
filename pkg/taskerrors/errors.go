// Package taskerrors provides the structured error taxonomy shared by providers, the outbound
// policy and the execution engine.
package taskerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure. Codes are stable and surface in Run records.
type Code string

// Provider and gateway codes.
const (
	CodeGatewayConfig          Code = "GATEWAY_CONFIG"
	CodeProviderHTTP           Code = "PROVIDER_HTTP"
	CodeProviderTimeout        Code = "PROVIDER_TIMEOUT"
	CodeProviderUnavailable    Code = "PROVIDER_UNAVAILABLE"
	CodeGatewayResponseInvalid Code = "GATEWAY_RESPONSE_INVALID"
)

// Outbound policy codes. All of them are policy decisions and never retryable.
const (
	CodeOutboundIPLiteral        Code = "OUTBOUND_IP_LITERAL"
	CodeOutboundScheme           Code = "OUTBOUND_SCHEME"
	CodeOutboundDisabled         Code = "OUTBOUND_DISABLED"
	CodeOutboundHostNotAllowed   Code = "OUTBOUND_HOST_NOT_ALLOWED"
	CodeOutboundDNSEmpty         Code = "OUTBOUND_DNS_EMPTY"
	CodeOutboundPrivateAddress   Code = "OUTBOUND_PRIVATE_ADDRESS"
	CodeOutboundResponseTooLarge Code = "OUTBOUND_RESPONSE_TOO_LARGE"
	CodeOutboundPayloadRejected  Code = "OUTBOUND_PAYLOAD_REJECTED"
)

// Budget codes, one per ceiling.
const (
	CodeBudgetSteps         Code = "BUDGET_STEPS"
	CodeBudgetToolCalls     Code = "BUDGET_TOOL_CALLS"
	CodeBudgetLatency       Code = "BUDGET_LATENCY"
	CodeBudgetCost          Code = "BUDGET_COST"
	CodeBudgetModelUpgrades Code = "BUDGET_MODEL_UPGRADES"
)

// Engine codes.
const (
	CodeToolFailed      Code = "TOOL_FAILED"
	CodeTaskEmptyOutput Code = "TASK_EMPTY_OUTPUT"
	CodePlanInvalid     Code = "PLAN_INVALID"
	CodeRunCanceled     Code = "RUN_CANCELED"
	CodeInternal        Code = "INTERNAL"
)

// SuggestedAction tells the caller what might fix a failure.
type SuggestedAction string

// Suggested actions carried by provider errors.
const (
	ActionNone   SuggestedAction = ""
	ActionRetry  SuggestedAction = "retry"
	ActionReplan SuggestedAction = "replan"
)

// IsBudget reports whether the code belongs to the BUDGET_* family.
func (c Code) IsBudget() bool {
	return strings.HasPrefix(string(c), "BUDGET_")
}

// IsOutbound reports whether the code belongs to the OUTBOUND_* family.
func (c Code) IsOutbound() bool {
	return strings.HasPrefix(string(c), "OUTBOUND_")
}

// Error is a classified failure with retry metadata.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Error struct {
	Err             error           // Wrapped underlying error
	Code            Code            // Classified failure code
	Message         string          // Human-readable message
	SuggestedAction SuggestedAction // retry, replan or none
	StatusCode      int             // HTTP status code if applicable
	Retryable       bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Code, e.StatusCode)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// New creates a non-retryable error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a non-retryable error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a non-retryable error around a cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Err: cause, Message: message}
}

// Retryable creates a retryable error suggesting a retry.
func Retryable(code Code, message string) *Error {
	if code.IsBudget() || code.IsOutbound() {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, Retryable: true, SuggestedAction: ActionRetry}
}

// HTTPStatus classifies an HTTP failure status as PROVIDER_HTTP.
// 5xx and 429 are retryable, anything else is not.
func HTTPStatus(status int, message string) *Error {
	e := &Error{Code: CodeProviderHTTP, StatusCode: status, Message: message}
	if status == 429 || status >= 500 {
		e.Retryable = true
		e.SuggestedAction = ActionRetry
	}
	return e
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err is a retryable, non-budget failure.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable && !e.Code.IsBudget()
}

// IsBudget reports whether err is a budget violation.
func IsBudget(err error) bool {
	return CodeOf(err).IsBudget()
}

// From converts any error to *Error, classifying unknown errors as INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "")
}

// SanitizeBody returns a bounded excerpt of a response body for error messages.
// Large bodies keep their head and a hash of the full content.
func SanitizeBody(body []byte, maxChars int) string {
	if len(body) <= maxChars {
		return string(body)
	}
	hash := sha256.Sum256(body)
	return fmt.Sprintf("%s...[%d bytes, hash:%x]", body[:maxChars], len(body), hash[:8])
}
