// Package deadline runs the scheduled sweep that refunds escrow for open
// questions whose deadline has passed.
package deadline

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/services/questions"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/app/system"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

const (
	defaultSchedule = "@every 5m"
	sweepPageSize   = 100
)

// Sweeper periodically expires open questions past their deadline. The
// refund itself goes through the reconciler, so the sweeper inherits its
// intent bookkeeping and crash recovery.
type Sweeper struct {
	store    storage.QuestionStore
	svc      *questions.Service
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper on the given cron schedule. An empty
// schedule selects the default of every five minutes.
func NewSweeper(store storage.QuestionStore, svc *questions.Service, schedule string, log *logger.Logger) *Sweeper {
	if schedule == "" {
		schedule = defaultSchedule
	}
	if log == nil {
		log = logger.NewDefault("deadline")
	}
	return &Sweeper{store: store, svc: svc, schedule: schedule, log: log}
}

func (s *Sweeper) Name() string { return "deadline-sweeper" }

func (s *Sweeper) Start(context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass over open questions and expires those past deadline.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	for page := 1; ; page++ {
		batch, _, err := s.store.ListQuestions(ctx, storage.QuestionFilter{
			Status: question.StatusOpen,
			Page:   page,
			Limit:  sweepPageSize,
		})
		if err != nil {
			s.log.WithError(err).Warn("listing open questions failed")
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, q := range batch {
			if now.Before(q.Deadline) {
				continue
			}
			res, err := s.svc.RefundExpired(ctx, q.ID)
			switch {
			case errors.Is(err, questions.ErrOperationInFlight):
				// The question is busy; the next sweep gets it.
			case err != nil:
				s.log.WithError(err).WithField("question", q.ID).Warn("expiry failed")
			case res.RefundPending:
				s.log.WithField("question", q.ID).Warn("expired with refund pending")
			default:
				s.log.WithField("question", q.ID).Info("expired question refunded")
			}
			if ctx.Err() != nil {
				return
			}
		}
		if len(batch) < sweepPageSize {
			return
		}
	}
}
