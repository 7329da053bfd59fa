package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/braintheria/bounty_layer/internal/app/services/answers"
	"github.com/braintheria/bounty_layer/internal/app/services/deadline"
	"github.com/braintheria/bounty_layer/internal/app/services/leaderboard"
	ledgersvc "github.com/braintheria/bounty_layer/internal/app/services/ledger"
	"github.com/braintheria/bounty_layer/internal/app/services/notify"
	"github.com/braintheria/bounty_layer/internal/app/services/questions"
	userssvc "github.com/braintheria/bounty_layer/internal/app/services/users"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
	"github.com/braintheria/bounty_layer/internal/app/system"
	"github.com/braintheria/bounty_layer/internal/content"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users      storage.UserStore
	Questions  storage.QuestionStore
	Answers    storage.AnswerStore
	Ledger     storage.LedgerStore
	Intents    storage.IntentStore
	Acceptance storage.AcceptanceStore
}

// Options configures optional application dependencies.
type Options struct {
	// Escrow is the contract client. Nil disables on-chain reconciliation;
	// questions then carry no bounties. Used by development setups.
	Escrow questions.EscrowClient
	// Pinner stores question and answer bodies in content-addressed storage.
	// Nil selects the in-memory pinner.
	Pinner content.Pinner
	// Redis backs the leaderboard cache. Nil disables caching.
	Redis *redis.Client

	Limits           questions.Limits
	SweepSchedule    string
	RecoveryInterval time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Users       *userssvc.Service
	Questions   *questions.Service
	Answers     *answers.Service
	Ledger      *ledgersvc.Service
	Leaderboard *leaderboard.Service
	Hub         *notify.Hub
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Questions == nil {
		stores.Questions = mem
	}
	if stores.Answers == nil {
		stores.Answers = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Intents == nil {
		stores.Intents = mem
	}
	if stores.Acceptance == nil {
		stores.Acceptance = mem
	}
	if opts.Pinner == nil {
		opts.Pinner = content.NewMemoryPinner()
	}

	manager := system.NewManager()
	hub := notify.NewHub(log)

	userService := userssvc.New(stores.Users, log)
	ledgerService := ledgersvc.New(stores.Ledger, log)
	questionService := questions.New(questions.Stores{
		Questions:  stores.Questions,
		Answers:    stores.Answers,
		Users:      stores.Users,
		Intents:    stores.Intents,
		Acceptance: stores.Acceptance,
	}, opts.Escrow, ledgerService, opts.Pinner, hub, opts.Limits, log)
	answerService := answers.New(stores.Answers, stores.Questions, stores.Users,
		escrowPoster(opts.Escrow), opts.Pinner, hub, opts.Limits.Confirmations, log)
	boardService := leaderboard.New(stores.Ledger, stores.Users, opts.Redis, log)

	if err := manager.Register(hub); err != nil {
		return nil, fmt.Errorf("register %s: %w", hub.Name(), err)
	}
	if opts.Escrow != nil {
		recovery := questionService.NewRecoveryPoller(opts.RecoveryInterval)
		if err := manager.Register(recovery); err != nil {
			return nil, fmt.Errorf("register %s: %w", recovery.Name(), err)
		}
		sweeper := deadline.NewSweeper(stores.Questions, questionService, opts.SweepSchedule, log)
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
		}
	} else {
		log.Warn("no escrow client configured; bounty operations disabled")
	}

	return &Application{
		manager:     manager,
		log:         log,
		Users:       userService,
		Questions:   questionService,
		Answers:     answerService,
		Ledger:      ledgerService,
		Leaderboard: boardService,
		Hub:         hub,
	}, nil
}

// escrowPoster narrows the full escrow client to the answer-posting slice,
// preserving nilness.
func escrowPoster(escrow questions.EscrowClient) answers.EscrowPoster {
	if escrow == nil {
		return nil
	}
	return escrow
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// ParseAmount converts a decimal string in the token's smallest unit.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
