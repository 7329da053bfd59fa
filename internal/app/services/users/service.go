// Package users manages platform accounts and their receiving wallets.
package users

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

var (
	// ErrInvalidWallet is returned when a wallet address is not a 20-byte
	// hex address.
	ErrInvalidWallet = errors.New("invalid wallet address")
	// ErrEmailTaken is returned when registering with an email already in use.
	ErrEmailTaken = errors.New("email already registered")
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Service manages users.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New constructs the user service.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{store: store, log: log}
}

// Register creates a user. Email is unique; wallet is optional and may be
// bound later.
func (s *Service) Register(ctx context.Context, name, email, walletAddress string) (user.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return user.User{}, errors.New("name and email are required")
	}
	if walletAddress != "" && !walletPattern.MatchString(walletAddress) {
		return user.User{}, ErrInvalidWallet
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return user.User{}, ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, err
	}
	return s.store.CreateUser(ctx, user.User{
		Name:          name,
		Email:         email,
		WalletAddress: walletAddress,
	})
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.store.GetUser(ctx, id)
}

// BindWallet sets or replaces the user's receiving address. Rebinding is
// allowed; released bounties always went to the address on file at
// acceptance time, recorded in the ledger.
func (s *Service) BindWallet(ctx context.Context, id, walletAddress string) (user.User, error) {
	if !walletPattern.MatchString(walletAddress) {
		return user.User{}, ErrInvalidWallet
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	u.WalletAddress = walletAddress
	return s.store.UpdateUser(ctx, u)
}
