package questions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	ledgerdomain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/metrics"
	"github.com/braintheria/bounty_layer/internal/app/services/notify"
	"github.com/braintheria/bounty_layer/internal/chain"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

const (
	defaultRecoveryInterval = 15 * time.Second
	recoveryBackoffStep     = 30 * time.Second
	// Pending intents older than this whose transaction never appeared are
	// written off; the node either dropped the transaction or never saw it.
	maxPendingAge = 30 * time.Minute
)

// RecoveryPoller drives open transaction intents to a terminal state after
// a crash or a confirmation-wait timeout. For pending intents it consults
// the chain for the receipt; for awaiting_commit intents it finishes the
// off-chain writes. It never resubmits a transaction.
type RecoveryPoller struct {
	svc      *Service
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	nextAttempt map[string]time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRecoveryPoller creates a poller over the service's intent store. A
// non-positive interval selects the default.
func (s *Service) NewRecoveryPoller(interval time.Duration) *RecoveryPoller {
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	return &RecoveryPoller{
		svc:         s,
		interval:    interval,
		log:         s.log.WithField("component", "recovery"),
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *RecoveryPoller) Name() string { return "intent-recovery" }

func (p *RecoveryPoller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx)
	return nil
}

func (p *RecoveryPoller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RecoveryPoller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First sweep happens immediately so a restart settles quickly.
	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass. Exported for tests and for the first pass
// at startup.
func (p *RecoveryPoller) Sweep(ctx context.Context) { p.sweep(ctx) }

func (p *RecoveryPoller) sweep(ctx context.Context) {
	open, err := p.svc.intents.ListOpenIntents(ctx)
	if err != nil {
		p.log.WithError(err).Warn("listing open intents failed")
		return
	}
	metrics.SetOpenIntents(len(open))

	now := time.Now()
	for _, in := range open {
		if !p.due(in.ID, now) {
			continue
		}
		if err := p.resolve(ctx, in); err != nil {
			p.log.WithError(err).WithFields(map[string]interface{}{
				"intent":    in.ID,
				"operation": string(in.Operation),
			}).Warn("intent not resolved")
			p.deferRetry(in)
		} else {
			p.clear(in.ID)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *RecoveryPoller) due(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	return !ok || !now.Before(next)
}

func (p *RecoveryPoller) deferRetry(in intent.Intent) {
	p.mu.Lock()
	p.nextAttempt[in.ID] = time.Now().Add(time.Duration(in.Attempts+1) * recoveryBackoffStep)
	p.mu.Unlock()
}

func (p *RecoveryPoller) clear(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}

// resolve drives one open intent. Holding the question lock excludes a
// concurrent live operation on the same question.
func (p *RecoveryPoller) resolve(ctx context.Context, in intent.Intent) error {
	if !p.svc.locks.tryAcquire(in.QuestionID) {
		// A live operation owns the question; it will settle its own intent.
		return nil
	}
	defer p.svc.locks.release(in.QuestionID)

	// Re-read under the lock; the live path may have finished it.
	in, err := p.svc.intents.GetIntent(ctx, in.ID)
	if err != nil {
		return err
	}
	if !in.Open() {
		return nil
	}

	in.Attempts++
	if in, err = p.svc.intents.UpdateIntent(ctx, in); err != nil {
		return err
	}

	switch in.State {
	case intent.StatePending:
		return p.resolvePending(ctx, in)
	case intent.StateAwaitingCommit:
		return p.finishCommit(ctx, in)
	}
	return nil
}

// resolvePending settles an intent whose transaction outcome is unknown.
func (p *RecoveryPoller) resolvePending(ctx context.Context, in intent.Intent) error {
	if in.TxRef == "" {
		// Submission never produced a transaction reference; nothing moved.
		p.svc.abandonIntent(ctx, in, errors.New("no transaction reference recorded"))
		metrics.RecordOperation(string(in.Operation), "abandoned")
		return nil
	}

	receipt, err := p.svc.escrow.FindReceipt(ctx, in.TxRef)
	if err != nil {
		return fmt.Errorf("find receipt %s: %w", in.TxRef, err)
	}
	if receipt == nil {
		if time.Since(in.CreatedAt) > maxPendingAge {
			p.svc.abandonIntent(ctx, in, errors.New("transaction not found before deadline"))
			metrics.RecordOperation(string(in.Operation), "abandoned")
			p.log.WithField("intent", in.ID).Warn("pending transaction written off")
		}
		return nil
	}
	if !receipt.Success {
		p.svc.abandonIntent(ctx, in, errors.New("transaction reverted"))
		metrics.RecordOperation(string(in.Operation), "reverted")
		return nil
	}

	in.State = intent.StateAwaitingCommit
	if in, err = p.svc.intents.UpdateIntent(ctx, in); err != nil {
		return err
	}
	return p.finishCommit(ctx, in)
}

// finishCommit applies the off-chain effects of a confirmed transaction.
// Every write is guarded so a commit interrupted halfway never records a
// ledger entry twice.
func (p *RecoveryPoller) finishCommit(ctx context.Context, in intent.Intent) error {
	q, err := p.svc.questions.GetQuestion(ctx, in.QuestionID)
	if err != nil {
		return err
	}

	switch in.Operation {
	case intent.OpAttachBounty, intent.OpReduceBounty:
		return p.commitBountyChange(ctx, in, q)
	case intent.OpAcceptAnswer:
		return p.commitAcceptance(ctx, in, q)
	case intent.OpCancelRefund, intent.OpExpireRefund:
		return p.commitRefund(ctx, in, q)
	default:
		return fmt.Errorf("unknown intent operation %q", in.Operation)
	}
}

func (p *RecoveryPoller) commitBountyChange(ctx context.Context, in intent.Intent, q question.Question) error {
	// The receipt's events tell us which mutation confirmed and the exact
	// amount that moved, which the intent alone cannot.
	receipt, err := p.svc.escrow.FindReceipt(ctx, in.TxRef)
	if err != nil {
		return err
	}
	if receipt == nil {
		return fmt.Errorf("confirmed receipt %s no longer found", in.TxRef)
	}

	kind := ledgerdomain.KindTopUp
	amount := in.Amount
	var reduced bool
	if asked, ok := chain.FindEvent(receipt.Events, chain.EventQuestionAsked); ok {
		kind = ledgerdomain.KindEscrowed
		id := asked.QuestionID
		q.OnChainID = &id
		if asked.Amount != nil {
			amount = asked.Amount
		}
	} else if added, ok := chain.FindEvent(receipt.Events, chain.EventBountyAdded); ok {
		if added.Amount != nil {
			amount = added.Amount
		}
	} else if _, ok := chain.FindEvent(receipt.Events, chain.EventBountyReduced); ok || in.Operation == intent.OpReduceBounty {
		kind = ledgerdomain.KindReduced
		reduced = true
	}
	if q.OnChainID == nil {
		return chain.ErrEventNotFound
	}

	onChain, err := p.svc.escrow.BountyOf(ctx, *q.OnChainID)
	if err != nil {
		return err
	}
	if reduced {
		// The event carries the new total, not the removed portion. The
		// intent stores the removed portion at submission time, which stays
		// correct even when the projection was already updated before the
		// crash. The projection delta is only a fallback for old intents.
		if in.Amount != nil && in.Amount.Sign() > 0 {
			amount = in.Amount
		} else if removed := new(big.Int).Sub(q.Bounty(), onChain); removed.Sign() > 0 {
			amount = removed
		} else {
			amount = new(big.Int)
		}
	}
	q.BountyAmount = onChain
	q.LastTxRef = in.TxRef
	if q, err = p.svc.questions.UpdateQuestion(ctx, q); err != nil {
		return err
	}

	if err := p.recordOnce(ctx, in, kind, amount, q, q.AuthorID); err != nil {
		return err
	}
	p.svc.publish(notify.BountyUpdated, q.ID)
	return p.complete(ctx, in)
}

func (p *RecoveryPoller) commitAcceptance(ctx context.Context, in intent.Intent, q question.Question) error {
	a, err := p.svc.answers.GetAnswer(ctx, in.AnswerID)
	if err != nil {
		return err
	}

	already, err := p.ledgerHasTxRef(ctx, q.ID, in.TxRef)
	if err != nil {
		return err
	}
	if already || (q.Status == question.StatusVerified && a.IsBest) {
		return p.complete(ctx, in)
	}

	released := in.Amount
	if released == nil {
		released = q.Bounty()
	}
	a.IsBest = true
	q.Status = question.StatusVerified
	q.LastTxRef = in.TxRef
	entry := ledgerdomain.Entry{
		Kind:       ledgerdomain.KindReleased,
		Amount:     new(big.Int).Set(released),
		Token:      tokenOrDefault(q.TokenAddress),
		QuestionID: q.ID,
		UserID:     a.AuthorID,
		TxRef:      in.TxRef,
	}
	if err := p.svc.acceptance.CommitAcceptance(ctx, q, a, entry, in.ID); err != nil {
		return err
	}
	metrics.RecordLedgerEntry(string(ledgerdomain.KindReleased))
	metrics.RecordOperation(string(in.Operation), "recovered")
	p.svc.publish(notify.AnswerConfirmed, a.ID)
	p.svc.publish(notify.QuestionClosed, q.ID)
	return nil
}

func (p *RecoveryPoller) commitRefund(ctx context.Context, in intent.Intent, q question.Question) error {
	amount := in.Amount
	if amount == nil {
		amount = q.Bounty()
	}
	if err := p.recordOnce(ctx, in, ledgerdomain.KindRefunded, amount, q, q.AuthorID); err != nil {
		return err
	}
	if q.RefundPending {
		q.RefundPending = false
		q.LastTxRef = in.TxRef
		if _, err := p.svc.questions.UpdateQuestion(ctx, q); err != nil {
			return err
		}
		p.svc.publish(notify.BountyUpdated, q.ID)
	}
	return p.complete(ctx, in)
}

// recordOnce appends a ledger entry unless one for this transaction already
// exists.
func (p *RecoveryPoller) recordOnce(ctx context.Context, in intent.Intent, kind ledgerdomain.Kind, amount *big.Int, q question.Question, userID string) error {
	already, err := p.ledgerHasTxRef(ctx, q.ID, in.TxRef)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	if _, err := p.svc.ledger.Record(ctx, kind, amount, q.ID, userID, in.TxRef, q.TokenAddress); err != nil {
		return err
	}
	metrics.RecordLedgerEntry(string(kind))
	return nil
}

func (p *RecoveryPoller) ledgerHasTxRef(ctx context.Context, questionID, txRef string) (bool, error) {
	if txRef == "" {
		return false, nil
	}
	entries, err := p.svc.ledger.List(ctx, questionID, "", 100, 0)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.TxRef == txRef {
			return true, nil
		}
	}
	return false, nil
}

func (p *RecoveryPoller) complete(ctx context.Context, in intent.Intent) error {
	in.State = intent.StateCompleted
	if _, err := p.svc.intents.UpdateIntent(ctx, in); err != nil {
		return err
	}
	metrics.RecordOperation(string(in.Operation), "recovered")
	return nil
}
