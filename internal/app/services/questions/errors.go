package questions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOperationInFlight is returned when another bounty-mutating operation
// holds the per-question guard. The caller lost the race; nothing was
// submitted on its behalf.
var ErrOperationInFlight = errors.New("conflicting operation in progress for this question")

// PreconditionError is a caller error detected before any on-chain call:
// wrong author, wrong status, amount out of bounds, missing wallet. It is
// never retried.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

// RevertedError means the escrow contract executed and rejected the call.
// No off-chain mutation occurred. Reason carries the mapped domain message.
type RevertedError struct {
	Reason string
}

func (e *RevertedError) Error() string { return "rejected on-chain: " + e.Reason }

// PendingError means the transaction was submitted but its outcome is
// unknown: the local confirmation wait timed out. Funds may or may not have
// moved. The recovery poller resolves the intent against on-chain truth;
// callers must present this as pending, not failure.
type PendingError struct {
	IntentID string
	TxRef    string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s pending, outcome unknown", e.TxRef)
}

// CommitPendingError means the transaction confirmed on-chain but the
// off-chain commit did not complete. Funds moved; only the projection lags,
// and the recovery poller retries it until it lands. This must never be
// surfaced to users as a failure.
type CommitPendingError struct {
	IntentID string
	TxRef    string
}

func (e *CommitPendingError) Error() string {
	return fmt.Sprintf("confirmed on-chain (%s), off-chain commit pending", e.TxRef)
}

// mapRevertReason converts the contract's raw revert strings to messages in
// the platform's vocabulary. Unknown reasons pass through verbatim.
func mapRevertReason(reason string) string {
	switch {
	case strings.Contains(reason, "Not open"):
		return "question is not open on-chain (already resolved, cancelled, or expired)"
	case strings.Contains(reason, "Already accepted"):
		return "question already has an accepted answer on-chain"
	case strings.Contains(reason, "Invalid answer"):
		return "answer does not exist on-chain"
	case strings.Contains(reason, "Not asker"):
		return "signer is not authorised for this question"
	case strings.Contains(reason, "insufficient allowance"):
		return "token spending allowance is insufficient for the bounty"
	case reason == "":
		return "contract rejected the transaction"
	}
	return reason
}
