package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups failure codes by what the caller should do about them.
type ErrorKind string

const (
	KindAuthorization    ErrorKind = "authorization"     // escalate to the principal
	KindPolicyState      ErrorKind = "policy_state"      // lifecycle of the grant
	KindPolicyValidation ErrorKind = "policy_validation" // bad limits at install/update
	KindPermission       ErrorKind = "permission_denied" // never allowed by the policy
	KindRisk             ErrorKind = "risk"              // retry later or fix capital
	KindCircuitBreaker   ErrorKind = "circuit_breaker"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindInvalidRequest   ErrorKind = "invalid_request" // malformed input at the transport edge
	KindUnavailable      ErrorKind = "unavailable"     // try another router instance
)

// Error is the typed failure returned by every precondition in the router.
// Two errors are equal under errors.Is when their codes match, so callers
// compare against the sentinels below regardless of the attached detail.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on the error code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Withf returns a copy of the sentinel with a formatted detail message.
func (e *Error) Withf(format string, args ...any) *Error {
	clone := *e
	clone.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &clone
}

// Wrap returns a copy of the sentinel carrying cause.
func (e *Error) Wrap(cause error) *Error {
	clone := *e
	clone.cause = cause
	return &clone
}

func newError(kind ErrorKind, code, msg string, retryable bool) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Retryable: retryable}
}

// Authorization
var (
	ErrUnknownStrategy       = newError(KindAuthorization, "UNKNOWN_STRATEGY", "strategy id does not resolve", false)
	ErrNotStrategyController = newError(KindAuthorization, "NOT_STRATEGY_CONTROLLER", "caller does not control the strategy", false)
	ErrStrategyNotAuthorized = newError(KindAuthorization, "STRATEGY_NOT_AUTHORIZED", "strategy is not authorized by the principal", false)
	ErrNotGateway            = newError(KindAuthorization, "NOT_GATEWAY", "caller is not a registered execution gateway", false)
)

// Policy state
var (
	ErrPolicyNotInstalled     = newError(KindPolicyState, "POLICY_NOT_INSTALLED", "policy is not installed", false)
	ErrPolicyAlreadyInstalled = newError(KindPolicyState, "POLICY_ALREADY_INSTALLED", "policy is already installed", false)
	ErrPolicyDisabled         = newError(KindPolicyState, "POLICY_DISABLED", "policy is disabled", false)
	ErrPolicyExpired          = newError(KindPolicyState, "POLICY_EXPIRED", "policy has expired", false)
	ErrAlreadyDisabled        = newError(KindPolicyState, "ALREADY_DISABLED", "policy is already disabled", false)
	ErrAlreadyEnabled         = newError(KindPolicyState, "ALREADY_ENABLED", "policy is already enabled", false)
)

// Policy validation
var (
	ErrInvalidPolicy   = newError(KindPolicyValidation, "INVALID_POLICY", "invalid policy", false)
	ErrUnknownTemplate = newError(KindPolicyValidation, "UNKNOWN_TEMPLATE", "template does not exist or is inactive", false)
)

// Permission
var (
	ErrOrderSizeOutOfRange     = newError(KindPermission, "ORDER_SIZE_OUT_OF_RANGE", "order size outside policy range", false)
	ErrTokenNotAllowed         = newError(KindPermission, "TOKEN_NOT_ALLOWED", "token not allowed by policy", false)
	ErrOperationNotPermitted   = newError(KindPermission, "OPERATION_NOT_PERMITTED", "operation not permitted by policy", false)
	ErrDirectionNotPermitted   = newError(KindPermission, "DIRECTION_NOT_PERMITTED", "order side not permitted by policy", false)
	ErrAutoActionNotPermitted  = newError(KindPermission, "AUTO_ACTION_NOT_PERMITTED", "auto-borrow or auto-repay not permitted by policy", false)
	ErrAutoBorrowLimitExceeded = newError(KindPermission, "AUTO_BORROW_LIMIT_EXCEEDED", "auto-borrow above the policy cap", false)
	ErrRequiresExternalMetrics = newError(KindPermission, "REQUIRES_EXTERNAL_METRICS", "policy requires the metrics-aware execution path", false)
)

// Risk
var (
	ErrHealthFactorTooLow      = newError(KindRisk, "HEALTH_FACTOR_TOO_LOW", "health factor below policy floor", false)
	ErrWouldBreachHealthFactor = newError(KindRisk, "WOULD_BREACH_HEALTH_FACTOR", "action would push health factor below policy floor", false)
	ErrCooldownActive          = newError(KindRisk, "COOLDOWN_ACTIVE", "minimum time between trades not elapsed", true)
	ErrDailyVolumeExceeded     = newError(KindRisk, "DAILY_VOLUME_EXCEEDED", "daily volume limit exceeded", true)
	ErrStalePrice              = newError(KindRisk, "STALE_PRICE", "oracle price is stale", true)
)

// Circuit breaker
var (
	ErrCircuitBreakerTriggered = newError(KindCircuitBreaker, "CIRCUIT_BREAKER_TRIGGERED", "daily drawdown limit breached, policy disabled", false)
)

// Catalog and registry management
var (
	ErrTemplateExists = newError(KindConflict, "TEMPLATE_EXISTS", "template already exists", false)
	ErrOrderNotFound  = newError(KindNotFound, "ORDER_NOT_FOUND", "order not found", false)
)

// Deployment
var (
	ErrNotWriter = newError(KindUnavailable, "NOT_WRITER", "router instance does not hold the writer lease", true)
)

var (
	ErrInvalidRequest = newError(KindInvalidRequest, "INVALID_REQUEST", "malformed request", false)
	ErrUnknownAction  = newError(KindInvalidRequest, "UNKNOWN_ACTION", "unknown action", false)
)

// AsError extracts the typed error from err.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or empty when err is not a domain error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "INTERNAL" for foreign errors.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return "INTERNAL"
}
