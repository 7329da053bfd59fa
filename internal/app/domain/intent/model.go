package intent

import (
	"math/big"
	"time"
)

// Operation names the bounty-mutating call an intent belongs to.
type Operation string

const (
	OpAttachBounty Operation = "attach_bounty"
	OpReduceBounty Operation = "reduce_bounty"
	OpAcceptAnswer Operation = "accept_answer"
	OpCancelRefund Operation = "cancel_refund"
	OpExpireRefund Operation = "expire_refund"
)

// State tracks how far an intent progressed against the two stores.
type State string

const (
	// StatePending: transaction submitted, confirmation outcome unknown
	// (covers local confirmation-wait timeouts).
	StatePending State = "pending"
	// StateAwaitingCommit: transaction confirmed on-chain but the off-chain
	// write has not succeeded yet. Funds moved; only the projection lags.
	StateAwaitingCommit State = "awaiting_commit"
	// StateCompleted: off-chain projection matches on-chain truth.
	StateCompleted State = "completed"
	// StateAbandoned: the transaction was never submitted or definitively
	// reverted; nothing to reconcile.
	StateAbandoned State = "abandoned"
)

// Intent is the durable record of an attempted on-chain call and the
// off-chain mutation it implies. The recovery poller replays intents in
// pending and awaiting_commit states until the projection converges, always
// re-checking on-chain truth before acting so a transaction is never
// resubmitted and a ledger entry is never double-recorded.
type Intent struct {
	ID             string
	QuestionID     string
	AnswerID       string
	Operation      Operation
	IdempotencyKey string
	TxRef          string
	Amount         *big.Int
	State          State
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open reports whether the intent still requires reconciliation work.
func (i Intent) Open() bool {
	return i.State == StatePending || i.State == StateAwaitingCommit
}
