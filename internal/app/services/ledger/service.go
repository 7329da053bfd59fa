// Package ledger implements the audit recorder for confirmed on-chain fund
// movement. Entries are the durable record that money actually moved, so an
// append is never silently dropped: store failures are retried with backoff
// before the error is surfaced to the reconciler's CommitFailed handling.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	domain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

const (
	appendAttempts = 3
	appendBackoff  = 200 * time.Millisecond
)

// Service records and queries ledger entries.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// Record appends one entry for a confirmed on-chain effect.
func (s *Service) Record(ctx context.Context, kind domain.Kind, amount *big.Int, questionID, userID, txRef, token string) (domain.Entry, error) {
	if !domain.ValidKind(kind) {
		return domain.Entry{}, fmt.Errorf("invalid ledger kind %q", kind)
	}
	if amount == nil {
		return domain.Entry{}, fmt.Errorf("amount is required")
	}
	if token == "" {
		token = "ETH"
	}

	entry := domain.Entry{
		Kind:       kind,
		Amount:     new(big.Int).Set(amount),
		Token:      token,
		QuestionID: questionID,
		UserID:     userID,
		TxRef:      txRef,
	}

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		recorded, err := s.store.AppendLedgerEntry(ctx, entry)
		if err == nil {
			return recorded, nil
		}
		lastErr = err
		s.log.WithError(err).Warnf("ledger append attempt %d/%d failed", attempt, appendAttempts)
		select {
		case <-ctx.Done():
			return domain.Entry{}, ctx.Err()
		case <-time.After(appendBackoff * time.Duration(attempt)):
		}
	}
	return domain.Entry{}, fmt.Errorf("ledger append: %w", lastErr)
}

// List returns audit entries newest-first, filterable by question and user.
func (s *Service) List(ctx context.Context, questionID, userID string, limit, offset int) ([]domain.Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListLedgerEntries(ctx, storage.LedgerFilter{
		QuestionID: questionID,
		UserID:     userID,
		Limit:      limit,
		Offset:     offset,
	})
}
