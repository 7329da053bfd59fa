package ledger

import (
	"math/big"
	"time"
)

// Kind classifies a confirmed on-chain fund movement.
type Kind string

const (
	KindEscrowed Kind = "Escrowed"
	KindTopUp    Kind = "TopUp"
	KindReduced  Kind = "Reduced"
	KindReleased Kind = "Released"
	KindRefunded Kind = "Refunded"
)

// ValidKind reports whether k is one of the known entry kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindEscrowed, KindTopUp, KindReduced, KindReleased, KindRefunded:
		return true
	}
	return false
}

// Entry is one append-only audit record. Entries are written only after the
// corresponding on-chain transaction confirmed, and are never updated or
// deleted: they remain the durable record of fund movement even if the
// question or answer rows are later corrupted.
type Entry struct {
	ID         string
	Kind       Kind
	Amount     *big.Int // smallest token unit
	Token      string
	QuestionID string
	UserID     string
	TxRef      string
	CreatedAt  time.Time
}
