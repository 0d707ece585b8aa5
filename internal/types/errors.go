package types

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed order parameters before any external call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// MarketClosedError is a soft rejection outside the trading window.
type MarketClosedError struct {
	Reason string
}

func (e *MarketClosedError) Error() string { return "market closed: " + e.Reason }

// AccountStateError rejects orders for inactive or unfunded accounts.
type AccountStateError struct {
	AccountID string
	Reason    string
}

func (e *AccountStateError) Error() string {
	return fmt.Sprintf("account %s: %s", e.AccountID, e.Reason)
}

// RiskLimitError is a soft rejection from a risk budget (daily loss, position count, capital).
type RiskLimitError struct {
	Limit  string
	Reason string
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk limit %s: %s", e.Limit, e.Reason)
}

// ExternalServiceError is fatal to the current invocation only.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ToolExecutionError is recorded against a single tool call; the agent loop continues.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// InsufficientDataError is returned when a series cannot support a computation,
// e.g. zero cumulative volume.
type InsufficientDataError struct {
	Reason string
}

func (e *InsufficientDataError) Error() string { return "insufficient data: " + e.Reason }

// IsSoft reports whether err is a skip-and-continue rejection.
func IsSoft(err error) bool {
	var mc *MarketClosedError
	var rl *RiskLimitError
	return errors.As(err, &mc) || errors.As(err, &rl)
}

// IsExternal reports whether err originated from a collaborator service.
func IsExternal(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}
