package client

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the client and its callers.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrLimitExceeded is returned when a fetch hits its total-row safety cap.
	// It is not an API failure: data up to the cap is valid and callers may
	// narrow their criteria and re-run.
	ErrLimitExceeded = errors.New("row safety cap exceeded")
)

// ErrorClass classifies a failure for retry decisions and reporting.
type ErrorClass string

const (
	// ClassValidation marks malformed requests (bad date range or filter).
	// Never retried.
	ClassValidation ErrorClass = "validation"

	// ClassAuth marks authentication/authorization failures. Never retried;
	// the caller must re-authenticate.
	ClassAuth ErrorClass = "auth"

	// ClassQuota marks per-minute quota exhaustion (HTTP 429). Retried with
	// backoff up to the attempt cap, then fatal.
	ClassQuota ErrorClass = "quota"

	// ClassNetwork marks transient transport failures and 5xx responses.
	// Retried the same way as quota errors.
	ClassNetwork ErrorClass = "network"

	// ClassLimit marks the total-row safety cap condition.
	ClassLimit ErrorClass = "limit"

	// ClassPersistence marks local store write failures. Fatal for the
	// current batch; previously committed batches remain valid.
	ClassPersistence ErrorClass = "persistence"
)

// APIError is a classified Search Console API failure.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gsc %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("gsc %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == 429:
		return ClassQuota
	case code == 401 || code == 403:
		return ClassAuth
	case code >= 400 && code < 500:
		return ClassValidation
	case code >= 500:
		return ClassNetwork
	default:
		return ""
	}
}

// Classify returns the error class of err. Unclassified errors are treated
// as transient network failures, the only kind the transport produces
// without a status code.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}

	switch {
	case errors.Is(err, ErrLimitExceeded):
		return ClassLimit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ""
	default:
		return ClassNetwork
	}
}

// Retryable reports whether an error class should be retried.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassQuota, ClassNetwork:
		return true
	default:
		return false
	}
}
