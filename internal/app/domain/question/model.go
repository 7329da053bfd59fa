package question

import (
	"math/big"
	"time"
)

// Status is the off-chain workflow state of a question. Verified and
// Cancelled are terminal; bounty fields never change once a question has
// left Open.
type Status string

const (
	StatusOpen      Status = "Open"
	StatusVerified  Status = "Verified"
	StatusCancelled Status = "Cancelled"
)

// Question is the off-chain record of an asked question. Bounty fields are a
// projection of confirmed escrow contract state: BountyAmount mirrors the
// contract's escrowed balance whenever OnChainID is set and no transaction
// is in flight, and is refreshed from the contract when they diverge.
type Question struct {
	ID            string
	AuthorID      string
	Title         string
	Body          string
	ContentHash   string
	ContentRef    string
	Status        Status
	BountyAmount  *big.Int // smallest token unit
	TokenAddress  string
	Deadline      time.Time
	OnChainID     *int64 // assigned by the QuestionAsked event
	LastTxRef     string
	RefundPending bool // cancelled off-chain but the on-chain refund did not confirm
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bounty returns the projected bounty, treating nil as zero.
func (q Question) Bounty() *big.Int {
	if q.BountyAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(q.BountyAmount)
}

// Terminal reports whether the question can no longer transition.
func (q Question) Terminal() bool {
	return q.Status == StatusVerified || q.Status == StatusCancelled
}

// Editable reports whether title/body edits are permitted.
func (q Question) Editable() bool {
	return q.Status == StatusOpen
}

// CanTransition reports whether the lifecycle permits moving to the target
// status. Open may become Verified (accepted answer) or Cancelled (refund or
// cancel); nothing leaves a terminal state.
func (q Question) CanTransition(to Status) bool {
	if q.Status != StatusOpen {
		return false
	}
	return to == StatusVerified || to == StatusCancelled
}

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusVerified, StatusCancelled:
		return true
	}
	return false
}
