// Package apperr defines the error taxonomy shared by the dispatch,
// lifecycle and settlement packages. Handlers map these onto HTTP codes;
// workers use Retryable to decide whether to back off and try again.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError means a status-guarded update lost a race. The caller
// should reload and retry, or treat its view as stale.
type ConflictError struct {
	Entity   string
	ID       string
	Expected string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected status %q no longer current", e.Entity, e.ID, e.Expected)
}

func Conflict(entity, id, expected string) error {
	return &ConflictError{Entity: entity, ID: id, Expected: expected}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// BusinessRuleError rejects an operation that is well-formed but not
// allowed in the current state, e.g. cancelling a terminal rescue.
type BusinessRuleError struct {
	Rule   string
	Detail string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Detail)
}

func BusinessRule(rule, detail string) error {
	return &BusinessRuleError{Rule: rule, Detail: detail}
}

// ExternalError wraps a failure from a collaborator such as the payment
// gateway. Retryable marks transient failures (timeouts, rate limits).
type ExternalError struct {
	Service   string
	Code      string
	Retryable bool
	Err       error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s error (code=%s retryable=%t): %v", e.Service, e.Code, e.Retryable, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func External(service, code string, retryable bool, err error) error {
	return &ExternalError{Service: service, Code: code, Retryable: retryable, Err: err}
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsBusinessRule(err error) bool {
	var be *BusinessRuleError
	return errors.As(err, &be)
}

// IsRetryable reports whether err is an external failure worth retrying.
func IsRetryable(err error) bool {
	var ee *ExternalError
	return errors.As(err, &ee) && ee.Retryable
}
