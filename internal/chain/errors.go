package chain

import (
	"errors"
	"fmt"
)

// ErrConfirmationTimeout means the local wait for a receipt gave up. The
// transaction may still confirm later; callers must re-check on-chain state
// before any compensating action and must never treat this as a definite
// failure.
var ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")

// ErrEventNotFound means the transaction succeeded but the expected event
// was absent from the receipt, so the application could not learn the value
// the event carries (typically an assigned on-chain identifier).
var ErrEventNotFound = errors.New("expected event not found in receipt")

// SubmissionError wraps node, network, gas and nonce failures that occurred
// before the transaction entered the mempool. Nothing moved on-chain; the
// call is safe to retry.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("transaction submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RevertError means the contract executed and rejected the call. The revert
// reason, when recoverable from the node, is preserved verbatim so callers
// can map it to a domain condition.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "transaction reverted"
	}
	return "transaction reverted: " + e.Reason
}

// IsRetryable reports whether err is a submission-level failure that can be
// retried without risking a duplicate on-chain effect.
func IsRetryable(err error) bool {
	var sub *SubmissionError
	return errors.As(err, &sub)
}
