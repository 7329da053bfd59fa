// Package leaderboard ranks answerers by released bounty volume. Rankings
// are computed from the ledger and cached in Redis; the cache is an
// optimization only and the service works without a Redis connection.
package leaderboard

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	ledgerdomain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

const (
	cacheKey   = "bounty_layer:leaderboard"
	defaultTTL = 30 * time.Second
	scanPage   = 500
	maxTop     = 100
)

// Entry is one leaderboard row.
type Entry struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Released string `json:"released"` // wei, decimal string
	Wins     int    `json:"wins"`
}

// Service computes and caches the leaderboard.
type Service struct {
	ledger storage.LedgerStore
	users  storage.UserStore
	rdb    *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New constructs the leaderboard service. rdb may be nil; rankings are then
// recomputed on every call.
func New(ledger storage.LedgerStore, users storage.UserStore, rdb *redis.Client, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("leaderboard")
	}
	return &Service{ledger: ledger, users: users, rdb: rdb, ttl: defaultTTL, log: log}
}

// Top returns the n highest-earning answerers, ties broken by win count.
func (s *Service) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 || n > maxTop {
		n = maxTop
	}
	if cached, ok := s.fromCache(ctx); ok {
		if len(cached) > n {
			cached = cached[:n]
		}
		return cached, nil
	}

	entries, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, entries)
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Invalidate drops the cached ranking. Called after a bounty release.
func (s *Service) Invalidate(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, cacheKey).Err(); err != nil {
		s.log.WithError(err).Warn("leaderboard cache invalidation failed")
	}
}

func (s *Service) compute(ctx context.Context) ([]Entry, error) {
	type acc struct {
		released *big.Int
		wins     int
	}
	totals := map[string]*acc{}

	for offset := 0; ; offset += scanPage {
		batch, err := s.ledger.ListLedgerEntries(ctx, storage.LedgerFilter{Limit: scanPage, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			if e.Kind != ledgerdomain.KindReleased || e.Amount == nil {
				continue
			}
			a, ok := totals[e.UserID]
			if !ok {
				a = &acc{released: new(big.Int)}
				totals[e.UserID] = a
			}
			a.released.Add(a.released, e.Amount)
			a.wins++
		}
		if len(batch) < scanPage {
			break
		}
	}

	entries := make([]Entry, 0, len(totals))
	for userID, a := range totals {
		name := ""
		if u, err := s.users.GetUser(ctx, userID); err == nil {
			name = u.Name
		}
		entries = append(entries, Entry{
			UserID:   userID,
			Name:     name,
			Released: a.released.String(),
			Wins:     a.wins,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, _ := new(big.Int).SetString(entries[i].Released, 10)
		b, _ := new(big.Int).SetString(entries[j].Released, 10)
		if c := a.Cmp(b); c != 0 {
			return c > 0
		}
		if entries[i].Wins != entries[j].Wins {
			return entries[i].Wins > entries[j].Wins
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

func (s *Service) fromCache(ctx context.Context) ([]Entry, bool) {
	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.WithError(err).Warn("leaderboard cache read failed")
		}
		return nil, false
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (s *Service) toCache(ctx context.Context, entries []Entry) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKey, raw, s.ttl).Err(); err != nil {
		s.log.WithError(err).Warn("leaderboard cache write failed")
	}
}
