package user

import "time"

// User is a platform participant. WalletAddress is the receiving address for
// bounty releases; accepting an answer requires the answer author to have
// one on file.
type User struct {
	ID            string
	Name          string
	Email         string
	WalletAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasWallet reports whether a receiving address is on file.
func (u User) HasWallet() bool {
	return u.WalletAddress != ""
}
