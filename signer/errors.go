package signer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when no transport of the configured
	// kind is registered or it cannot be opened. It is never retried.
	ErrTransportUnavailable = errors.New("signer: transport unavailable")

	// ErrTimeout matches every *TimeoutError
	ErrTimeout = errors.New("signer: timeout")

	// ErrAttemptsExhausted is the cause of a timeout reached because the device
	// stayed locked for every allowed attempt
	ErrAttemptsExhausted = errors.New("signer: device stayed locked for every attempt")

	// ErrClosed is returned by operations on a closed Signer
	ErrClosed = errors.New("signer: closed")

	// ErrGasPriceMismatch is returned when a fee-market transaction carries a
	// gasPrice different from its maxFeePerGas
	ErrGasPriceMismatch = errors.New("signer: gasPrice does not match maxFeePerGas")

	// ErrUnsupportedType is returned for transaction types other than 0, 1 and 2
	ErrUnsupportedType = errors.New("signer: unsupported transaction type")

	// ErrChainIDMismatch is returned when a legacy signature v does not match the
	// chain id, or a request names a chain other than the provider's
	ErrChainIDMismatch = errors.New("signer: chain id mismatch")

	// ErrNoProvider is returned by operations that need a Provider when none is set
	ErrNoProvider = errors.New("signer: no provider")

	// ErrFromMismatch is returned when a request's From is not the device address
	ErrFromMismatch = errors.New("signer: from address does not match device address")
)

// TimeoutError reports an operation that did not complete in time. Cause is
// ErrAttemptsExhausted when the retry ceiling was reached, or
// context.DeadlineExceeded when the caller's timeout fired first.
type TimeoutError struct {
	Op    string
	Cause error
	// Last is the final transient failure when the ceiling was reached
	Last error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("signer: %s timed out: %v", e.Op, e.Cause)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last != nil {
		return []error{e.Cause, e.Last}
	}
	return []error{e.Cause}
}
