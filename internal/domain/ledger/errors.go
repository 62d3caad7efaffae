package ledger

import (
	"errors"
	"fmt"
)

// InvocationError reports a failed ledger call. Retryable is true for
// transient failures (submission errors, timeouts); false for permanent
// rejections such as malformed params or business-rule reverts.
type InvocationError struct {
	NetworkID string
	Method    string
	Retryable bool
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("ledger invocation failed: network=%s method=%s: %v", e.NetworkID, e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// NewInvocationError wraps a transient ledger failure.
func NewInvocationError(networkID, method string, err error) *InvocationError {
	return &InvocationError{NetworkID: networkID, Method: method, Retryable: true, Err: err}
}

// NewPermanentError wraps a non-retryable ledger rejection.
func NewPermanentError(networkID, method string, err error) *InvocationError {
	return &InvocationError{NetworkID: networkID, Method: method, Retryable: false, Err: err}
}

// IsRetryable classifies an adapter error. Errors that are not invocation
// errors are treated as retryable transport faults.
func IsRetryable(err error) bool {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Retryable
	}
	return true
}
