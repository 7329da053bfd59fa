// Package questions implements the question lifecycle and the bounty
// reconciler: the component that keeps the off-chain question record
// consistent with the on-chain escrow contract.
//
// Every bounty-mutating operation runs the same pipeline: validate
// preconditions off-chain, submit the transaction, wait for confirmation,
// then commit the off-chain projection and ledger entry. The escrow contract
// is authoritative for amounts; after every confirmed mutation the off-chain
// bounty is set from a read-back of the contract's balance, never from local
// arithmetic.
package questions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	ledgerdomain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/metrics"
	ledgersvc "github.com/braintheria/bounty_layer/internal/app/services/ledger"
	"github.com/braintheria/bounty_layer/internal/app/services/notify"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/chain"
	"github.com/braintheria/bounty_layer/internal/content"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

// EscrowClient is the contract capability the reconciler drives. It is
// satisfied by *chain.Client; tests substitute a fake.
type EscrowClient interface {
	AskQuestion(ctx context.Context, token string, bounty *big.Int, deadline time.Time, uri string) (*chain.PendingTx, error)
	AddBounty(ctx context.Context, chainQID int64, amount *big.Int, nativeToken bool) (*chain.PendingTx, error)
	ReduceBounty(ctx context.Context, chainQID int64, newTotal *big.Int) (*chain.PendingTx, error)
	CancelQuestion(ctx context.Context, chainQID int64) (*chain.PendingTx, error)
	RefundExpired(ctx context.Context, chainQID int64) (*chain.PendingTx, error)
	PostAnswer(ctx context.Context, chainQID int64, uri string) (*chain.PendingTx, error)
	AcceptAnswer(ctx context.Context, chainQID, chainAID int64) (*chain.PendingTx, error)
	AwaitReceipt(ctx context.Context, pending *chain.PendingTx, confirmations uint64) (*chain.Receipt, error)
	FindReceipt(ctx context.Context, txRef string) (*chain.Receipt, error)
	BountyOf(ctx context.Context, chainQID int64) (*big.Int, error)
	GetQuestion(ctx context.Context, chainQID int64) (*chain.OnChainQuestion, error)
}

// Limits bounds bounty amounts and tunes confirmation behaviour.
type Limits struct {
	MinBounty      *big.Int
	MaxBounty      *big.Int
	Confirmations  uint64
	DeadlineWindow time.Duration
	TokenAddress   string // zero address selects the native token
}

func (l Limits) withDefaults() Limits {
	if l.MinBounty == nil {
		l.MinBounty = big.NewInt(1)
	}
	if l.MaxBounty == nil {
		// 1000 ether in wei
		l.MaxBounty, _ = new(big.Int).SetString("1000000000000000000000", 10)
	}
	if l.Confirmations == 0 {
		l.Confirmations = 1
	}
	if l.DeadlineWindow <= 0 {
		l.DeadlineWindow = 24 * time.Hour
	}
	return l
}

func (l Limits) nativeToken() bool {
	trimmed := strings.TrimPrefix(strings.ToLower(l.TokenAddress), "0x")
	return strings.Trim(trimmed, "0") == ""
}

// Service orchestrates question lifecycle and bounty reconciliation.
type Service struct {
	questions  storage.QuestionStore
	answers    storage.AnswerStore
	users      storage.UserStore
	intents    storage.IntentStore
	acceptance storage.AcceptanceStore
	escrow     EscrowClient
	ledger     *ledgersvc.Service
	pinner     content.Pinner
	hub        *notify.Hub
	locks      *entityLocks
	limits     Limits
	log        *logger.Logger
}

// Stores bundles the persistence dependencies of the service.
type Stores struct {
	Questions  storage.QuestionStore
	Answers    storage.AnswerStore
	Users      storage.UserStore
	Intents    storage.IntentStore
	Acceptance storage.AcceptanceStore
}

// New constructs the reconciling question service.
func New(stores Stores, escrow EscrowClient, ledger *ledgersvc.Service, pinner content.Pinner, hub *notify.Hub, limits Limits, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("questions")
	}
	return &Service{
		questions:  stores.Questions,
		answers:    stores.Answers,
		users:      stores.Users,
		intents:    stores.Intents,
		acceptance: stores.Acceptance,
		escrow:     escrow,
		ledger:     ledger,
		pinner:     pinner,
		hub:        hub,
		locks:      newEntityLocks(),
		limits:     limits.withDefaults(),
		log:        log,
	}
}

func (s *Service) publish(eventType, entityID string) {
	if s.hub != nil {
		s.hub.Publish(eventType, entityID)
	}
}

// --- Create / read / edit ----------------------------------------------------

// Ask creates a question. When bounty is positive the escrow transaction is
// driven to completion before the call returns, so a successful return means
// the bounty is confirmed on-chain and projected off-chain.
func (s *Service) Ask(ctx context.Context, authorID, title, body string, bounty *big.Int) (question.Question, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return question.Question{}, &PreconditionError{Reason: "title is required"}
	}
	if strings.TrimSpace(body) == "" {
		return question.Question{}, &PreconditionError{Reason: "body is required"}
	}
	if _, err := s.users.GetUser(ctx, authorID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return question.Question{}, &PreconditionError{Reason: "author not found"}
		}
		return question.Question{}, err
	}

	ref, err := s.pinner.Pin(ctx, body)
	if err != nil {
		return question.Question{}, fmt.Errorf("pin content: %w", err)
	}

	q := question.Question{
		AuthorID:     authorID,
		Title:        title,
		Body:         body,
		ContentHash:  content.Fingerprint(body),
		ContentRef:   ref,
		Status:       question.StatusOpen,
		BountyAmount: new(big.Int),
		TokenAddress: s.limits.TokenAddress,
		Deadline:     time.Now().UTC().Add(s.limits.DeadlineWindow),
	}
	q, err = s.questions.CreateQuestion(ctx, q)
	if err != nil {
		return question.Question{}, err
	}
	s.publish(notify.QuestionCreated, q.ID)

	if bounty != nil && bounty.Sign() > 0 {
		attached, err := s.AttachBounty(ctx, q.ID, authorID, bounty)
		if err != nil {
			// The question row exists either way; the caller learns the
			// bounty outcome distinctly.
			return q, err
		}
		return attached, nil
	}
	return q, nil
}

// Get returns a question with its answers. When the question is on-chain
// and idle, the bounty projection is refreshed from the contract first;
// on-chain is authoritative, so a read never pushes stale local state back.
func (s *Service) Get(ctx context.Context, id string) (question.Question, []answer.Answer, error) {
	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return question.Question{}, nil, err
	}
	q = s.refreshProjection(ctx, q)

	answers, err := s.answers.ListAnswers(ctx, id)
	if err != nil {
		return question.Question{}, nil, err
	}
	return q, answers, nil
}

// List returns questions matching the filter plus the unpaged total.
func (s *Service) List(ctx context.Context, filter storage.QuestionFilter) ([]question.Question, int, error) {
	return s.questions.ListQuestions(ctx, filter)
}

// UpdateContent edits title and body. Permitted only while the question is
// Open; bounty fields are untouched.
func (s *Service) UpdateContent(ctx context.Context, id, callerID, title, body string) (question.Question, error) {
	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return question.Question{}, err
	}
	if q.AuthorID != callerID {
		return question.Question{}, &PreconditionError{Reason: "only the author can edit a question"}
	}
	if !q.Editable() {
		return question.Question{}, &PreconditionError{Reason: "only open questions can be edited"}
	}

	if title = strings.TrimSpace(title); title != "" {
		q.Title = title
	}
	if strings.TrimSpace(body) != "" {
		ref, err := s.pinner.Pin(ctx, body)
		if err != nil {
			return question.Question{}, fmt.Errorf("pin content: %w", err)
		}
		q.Body = body
		q.ContentHash = content.Fingerprint(body)
		q.ContentRef = ref
	}
	return s.questions.UpdateQuestion(ctx, q)
}

// refreshProjection reloads the bounty amount from the contract when it
// diverges from the projection. Failures are logged, not surfaced: reads
// tolerate staleness, which is bounded and self-correcting.
func (s *Service) refreshProjection(ctx context.Context, q question.Question) question.Question {
	if q.OnChainID == nil || s.escrow == nil || q.Terminal() {
		return q
	}
	if !s.locks.tryAcquire(q.ID) {
		// An operation is in flight; its commit will refresh the amount.
		return q
	}
	defer s.locks.release(q.ID)

	onChain, err := s.escrow.BountyOf(ctx, *q.OnChainID)
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("bounty read-back failed")
		return q
	}
	if q.Bounty().Cmp(onChain) == 0 {
		return q
	}
	q.BountyAmount = onChain
	updated, err := s.questions.UpdateQuestion(ctx, q)
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("projection refresh failed")
		return q
	}
	return updated
}

// --- AttachBounty ------------------------------------------------------------

// AttachBounty escrows amount for the question: the creating transaction
// when the question is not yet on-chain, a top-up otherwise. On success the
// off-chain bounty equals the contract's post-transaction balance.
func (s *Service) AttachBounty(ctx context.Context, id, callerID string, amount *big.Int) (question.Question, error) {
	if !s.locks.tryAcquire(id) {
		return question.Question{}, ErrOperationInFlight
	}
	defer s.locks.release(id)

	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return question.Question{}, err
	}

	op := intent.OpAttachBounty
	if err := s.validateAttach(q, callerID, amount); err != nil {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, err
	}

	key := fmt.Sprintf("attach:%s:%s", amount.String(), q.ContentHash)
	if prior, err := s.intents.FindIntentByKey(ctx, id, key); err == nil && prior.Open() {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, ErrOperationInFlight
	}

	in, err := s.intents.CreateIntent(ctx, intent.Intent{
		QuestionID:     id,
		Operation:      op,
		IdempotencyKey: key,
		Amount:         new(big.Int).Set(amount),
		State:          intent.StatePending,
	})
	if err != nil {
		return question.Question{}, err
	}

	var pending *chain.PendingTx
	creating := q.OnChainID == nil
	if creating {
		pending, err = s.escrow.AskQuestion(ctx, q.TokenAddress, amount, q.Deadline, content.URI(q.ContentRef))
	} else {
		pending, err = s.escrow.AddBounty(ctx, *q.OnChainID, amount, s.limits.nativeToken())
	}
	if err != nil {
		s.abandonIntent(ctx, in, err)
		return question.Question{}, s.mapSubmitError(op, err)
	}

	in.TxRef = pending.Hash.Hex()
	if in, err = s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent tx ref not persisted")
	}

	receipt, err := s.confirm(ctx, op, in, pending)
	if err != nil {
		return question.Question{}, err
	}

	chainQID := int64(0)
	if creating {
		asked, ok := chain.FindEvent(receipt.Events, chain.EventQuestionAsked)
		if !ok {
			// Funds moved but the assigned id is unknown; leave the intent
			// for recovery, which re-reads the receipt.
			s.holdForCommit(ctx, in, chain.ErrEventNotFound)
			metrics.RecordOperation(string(op), "commit_failed")
			return question.Question{}, &CommitPendingError{IntentID: in.ID, TxRef: in.TxRef}
		}
		chainQID = asked.QuestionID
		q.OnChainID = &chainQID
	} else {
		chainQID = *q.OnChainID
	}

	kind := ledgerdomain.KindTopUp
	if creating {
		kind = ledgerdomain.KindEscrowed
	}
	updated, err := s.commitBountyProjection(ctx, in, q, kind, amount, callerID)
	if err != nil {
		metrics.RecordOperation(string(op), "commit_failed")
		return question.Question{}, err
	}

	metrics.RecordOperation(string(op), "done")
	s.publish(notify.BountyUpdated, q.ID)
	return updated, nil
}

func (s *Service) validateAttach(q question.Question, callerID string, amount *big.Int) error {
	if q.AuthorID != callerID {
		return &PreconditionError{Reason: "only the author can fund a question"}
	}
	if q.Status != question.StatusOpen {
		return &PreconditionError{Reason: "question is not open"}
	}
	if amount == nil || amount.Sign() <= 0 {
		return &PreconditionError{Reason: "amount must be positive"}
	}
	if amount.Cmp(s.limits.MinBounty) < 0 {
		return &PreconditionError{Reason: fmt.Sprintf("amount below minimum bounty %s", s.limits.MinBounty)}
	}
	if new(big.Int).Add(q.Bounty(), amount).Cmp(s.limits.MaxBounty) > 0 {
		return &PreconditionError{Reason: fmt.Sprintf("amount exceeds maximum bounty %s", s.limits.MaxBounty)}
	}
	return nil
}

// commitBountyProjection writes the post-confirmation state: bounty from
// read-back, tx ref, ledger entry, intent completion. Any failure leaves the
// intent in awaiting_commit for the recovery poller.
func (s *Service) commitBountyProjection(ctx context.Context, in intent.Intent, q question.Question, kind ledgerdomain.Kind, amount *big.Int, userID string) (question.Question, error) {
	in.State = intent.StateAwaitingCommit
	if updated, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent state not persisted")
	} else {
		in = updated
	}

	onChain, err := s.escrow.BountyOf(ctx, *q.OnChainID)
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("post-confirmation read-back failed")
		return question.Question{}, &CommitPendingError{IntentID: in.ID, TxRef: in.TxRef}
	}

	q.BountyAmount = onChain
	q.LastTxRef = in.TxRef
	updated, err := s.questions.UpdateQuestion(ctx, q)
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("projection write failed after confirmation")
		return question.Question{}, &CommitPendingError{IntentID: in.ID, TxRef: in.TxRef}
	}

	if _, err := s.ledger.Record(ctx, kind, amount, q.ID, userID, in.TxRef, q.TokenAddress); err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("ledger write failed after confirmation")
		return question.Question{}, &CommitPendingError{IntentID: in.ID, TxRef: in.TxRef}
	}
	metrics.RecordLedgerEntry(string(kind))

	in.State = intent.StateCompleted
	if _, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent completion not persisted")
	}
	return updated, nil
}

// --- ReduceBounty ------------------------------------------------------------

// ReduceBounty lowers the escrow to newTotal. The contract is passed the
// authoritative new total, not a delta, so the call is safe under concurrent
// external changes; afterwards the projection is set from read-back.
func (s *Service) ReduceBounty(ctx context.Context, id, callerID string, newTotal *big.Int) (question.Question, error) {
	if !s.locks.tryAcquire(id) {
		return question.Question{}, ErrOperationInFlight
	}
	defer s.locks.release(id)

	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return question.Question{}, err
	}

	op := intent.OpReduceBounty
	if q.AuthorID != callerID {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, &PreconditionError{Reason: "only the author can reduce the bounty"}
	}
	if q.Status != question.StatusOpen {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, &PreconditionError{Reason: "question is not open"}
	}
	if q.OnChainID == nil {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, &PreconditionError{Reason: "question has no on-chain escrow"}
	}
	if newTotal == nil || newTotal.Sign() < 0 {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, &PreconditionError{Reason: "new total must be zero or positive"}
	}

	// Compare against on-chain truth, not the projection.
	current, err := s.escrow.BountyOf(ctx, *q.OnChainID)
	if err != nil {
		return question.Question{}, fmt.Errorf("read current bounty: %w", err)
	}
	if newTotal.Cmp(current) >= 0 {
		metrics.RecordOperation(string(op), "rejected_locally")
		return question.Question{}, &PreconditionError{Reason: "new total must be below the current on-chain bounty"}
	}

	in, err := s.intents.CreateIntent(ctx, intent.Intent{
		QuestionID:     id,
		Operation:      op,
		IdempotencyKey: fmt.Sprintf("reduce:%s", newTotal.String()),
		// The removed portion, so recovery can ledger it even after the
		// projection has already been updated.
		Amount: new(big.Int).Sub(current, newTotal),
		State:  intent.StatePending,
	})
	if err != nil {
		return question.Question{}, err
	}

	pending, err := s.escrow.ReduceBounty(ctx, *q.OnChainID, newTotal)
	if err != nil {
		s.abandonIntent(ctx, in, err)
		return question.Question{}, s.mapSubmitError(op, err)
	}
	in.TxRef = pending.Hash.Hex()
	if in, err = s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent tx ref not persisted")
	}

	if _, err := s.confirm(ctx, op, in, pending); err != nil {
		return question.Question{}, err
	}

	reducedBy := new(big.Int).Sub(current, newTotal)
	updated, err := s.commitBountyProjection(ctx, in, q, ledgerdomain.KindReduced, reducedBy, callerID)
	if err != nil {
		metrics.RecordOperation(string(op), "commit_failed")
		return question.Question{}, err
	}

	metrics.RecordOperation(string(op), "done")
	s.publish(notify.BountyUpdated, q.ID)
	return updated, nil
}

// --- AcceptAnswer ------------------------------------------------------------

// AcceptResult reports a completed acceptance.
type AcceptResult struct {
	Question question.Question
	Answer   answer.Answer
	TxRef    string
}

// AcceptAnswer releases the escrow to the answer's author and verifies the
// question. The off-chain effects (best flag, Verified status, Released
// ledger entry) are committed as one atomic unit after confirmation.
func (s *Service) AcceptAnswer(ctx context.Context, questionID, answerID, callerID string) (AcceptResult, error) {
	if !s.locks.tryAcquire(questionID) {
		return AcceptResult{}, ErrOperationInFlight
	}
	defer s.locks.release(questionID)

	op := intent.OpAcceptAnswer
	q, a, err := s.validateAccept(ctx, questionID, answerID, callerID)
	if err != nil {
		metrics.RecordOperation(string(op), "rejected_locally")
		return AcceptResult{}, err
	}

	in, err := s.intents.CreateIntent(ctx, intent.Intent{
		QuestionID:     questionID,
		AnswerID:       answerID,
		Operation:      op,
		IdempotencyKey: "accept:" + answerID,
		Amount:         q.Bounty(),
		State:          intent.StatePending,
	})
	if err != nil {
		return AcceptResult{}, err
	}

	pending, err := s.escrow.AcceptAnswer(ctx, *q.OnChainID, *a.OnChainID)
	if err != nil {
		s.abandonIntent(ctx, in, err)
		return AcceptResult{}, s.mapSubmitError(op, err)
	}
	in.TxRef = pending.Hash.Hex()
	if in, err = s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent tx ref not persisted")
	}

	receipt, err := s.confirm(ctx, op, in, pending)
	if err != nil {
		return AcceptResult{}, err
	}

	released := q.Bounty()
	if accepted, ok := chain.FindEvent(receipt.Events, chain.EventAnswerAccepted); ok && accepted.Amount != nil {
		released = accepted.Amount
	}

	result, err := s.commitAcceptance(ctx, in, q, a, released)
	if err != nil {
		metrics.RecordOperation(string(op), "commit_failed")
		return AcceptResult{}, err
	}
	metrics.RecordOperation(string(op), "done")
	return result, nil
}

func (s *Service) validateAccept(ctx context.Context, questionID, answerID, callerID string) (question.Question, answer.Answer, error) {
	q, err := s.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return question.Question{}, answer.Answer{}, err
	}
	if q.AuthorID != callerID {
		return q, answer.Answer{}, &PreconditionError{Reason: "only the question author can approve an answer"}
	}
	if q.Status == question.StatusVerified {
		return q, answer.Answer{}, &PreconditionError{Reason: "question already verified"}
	}
	if q.Status != question.StatusOpen {
		return q, answer.Answer{}, &PreconditionError{Reason: "question is not open"}
	}

	a, err := s.answers.GetAnswer(ctx, answerID)
	if err != nil {
		return q, answer.Answer{}, err
	}
	if a.QuestionID != questionID {
		return q, a, &PreconditionError{Reason: "answer does not belong to this question"}
	}
	if a.Deleted {
		return q, a, &PreconditionError{Reason: "answer has been deleted"}
	}

	author, err := s.users.GetUser(ctx, a.AuthorID)
	if err != nil {
		return q, a, err
	}
	if !author.HasWallet() {
		return q, a, &PreconditionError{Reason: "answer author has no receiving wallet on file"}
	}
	if q.OnChainID == nil || a.OnChainID == nil {
		return q, a, &PreconditionError{Reason: "question and answer must both be on-chain"}
	}
	return q, a, nil
}

// commitAcceptance applies the atomic acceptance unit. On failure the
// intent stays in awaiting_commit and the recovery poller finishes the
// commit; the on-chain call is never repeated.
func (s *Service) commitAcceptance(ctx context.Context, in intent.Intent, q question.Question, a answer.Answer, released *big.Int) (AcceptResult, error) {
	in.State = intent.StateAwaitingCommit
	in.Amount = new(big.Int).Set(released)
	if updated, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent state not persisted")
	} else {
		in = updated
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
	if err := s.acceptance.CommitAcceptance(ctx, q, a, entry, in.ID); err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("acceptance commit failed after confirmation")
		return AcceptResult{}, &CommitPendingError{IntentID: in.ID, TxRef: in.TxRef}
	}
	metrics.RecordLedgerEntry(string(ledgerdomain.KindReleased))

	s.publish(notify.AnswerConfirmed, a.ID)
	s.publish(notify.QuestionClosed, q.ID)
	return AcceptResult{Question: q, Answer: a, TxRef: in.TxRef}, nil
}

// --- Cancel ------------------------------------------------------------------

// CancelResult reports the two distinct outcomes of a cancellation: the
// off-chain status change and the on-chain refund, which may lag.
type CancelResult struct {
	Question      question.Question
	Refunded      bool
	RefundPending bool
	TxRef         string
}

// Cancel closes an open question. When an on-chain escrow exists the refund
// is attempted; the question becomes Cancelled regardless, but a failed or
// unconfirmed refund is reported as pending, never conflated with success.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (CancelResult, error) {
	if !s.locks.tryAcquire(id) {
		return CancelResult{}, ErrOperationInFlight
	}
	defer s.locks.release(id)

	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if q.AuthorID != callerID {
		return CancelResult{}, &PreconditionError{Reason: "only the author can delete a question"}
	}
	if q.Status != question.StatusOpen {
		return CancelResult{}, &PreconditionError{Reason: "only open questions can be deleted"}
	}

	result := CancelResult{}
	if q.OnChainID != nil && q.Bounty().Sign() > 0 {
		refunded, txRef := s.tryRefund(ctx, q, callerID)
		result.Refunded = refunded
		result.RefundPending = !refunded
		result.TxRef = txRef
	}

	q.Status = question.StatusCancelled
	q.RefundPending = result.RefundPending
	if result.TxRef != "" {
		q.LastTxRef = result.TxRef
	}
	updated, err := s.questions.UpdateQuestion(ctx, q)
	if err != nil {
		return CancelResult{}, err
	}
	result.Question = updated

	s.publish(notify.QuestionClosed, q.ID)
	return result, nil
}

// tryRefund drives the refund transaction. False means the refund is not
// confirmed: reverted, never submitted, or still pending. An intent is left
// behind for the pending case so recovery can settle it.
func (s *Service) tryRefund(ctx context.Context, q question.Question, callerID string) (bool, string) {
	op := intent.OpCancelRefund
	in, err := s.intents.CreateIntent(ctx, intent.Intent{
		QuestionID:     q.ID,
		Operation:      op,
		IdempotencyKey: "refund:" + q.ID,
		Amount:         q.Bounty(),
		State:          intent.StatePending,
	})
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("refund intent not persisted")
		return false, ""
	}

	pending, err := s.escrow.CancelQuestion(ctx, *q.OnChainID)
	if err != nil {
		s.abandonIntent(ctx, in, err)
		s.log.WithError(err).WithField("question", q.ID).Warn("refund submission failed")
		metrics.RecordOperation(string(op), "submission_failed")
		return false, ""
	}
	in.TxRef = pending.Hash.Hex()
	if in, err = s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent tx ref not persisted")
	}

	receipt, err := s.escrow.AwaitReceipt(ctx, pending, s.limits.Confirmations)
	if err != nil {
		var reverted *chain.RevertError
		if errors.As(err, &reverted) {
			s.abandonIntent(ctx, in, err)
			metrics.RecordOperation(string(op), "reverted")
			s.log.WithError(err).WithField("question", q.ID).Warn("refund reverted")
			return false, in.TxRef
		}
		// Leave the intent pending; the refund may still confirm.
		metrics.RecordOperation(string(op), "ambiguous_timeout")
		return false, in.TxRef
	}

	amount := q.Bounty()
	if refundedEv, ok := chain.FindEvent(receipt.Events, chain.EventBountyRefunded); ok && refundedEv.Amount != nil {
		amount = refundedEv.Amount
	}
	if _, err := s.ledger.Record(ctx, ledgerdomain.KindRefunded, amount, q.ID, callerID, in.TxRef, q.TokenAddress); err != nil {
		s.holdForCommit(ctx, in, err)
		metrics.RecordOperation(string(op), "commit_failed")
		return false, in.TxRef
	}
	metrics.RecordLedgerEntry(string(ledgerdomain.KindRefunded))

	in.State = intent.StateCompleted
	if _, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent completion not persisted")
	}
	metrics.RecordOperation(string(op), "done")
	return true, in.TxRef
}

// --- Deadline expiry ---------------------------------------------------------

// RefundExpired closes an open question whose deadline has passed and
// returns the escrow to the asker. It is driven by the deadline sweeper, not
// by user requests, so there is no caller check.
func (s *Service) RefundExpired(ctx context.Context, id string) (CancelResult, error) {
	if !s.locks.tryAcquire(id) {
		return CancelResult{}, ErrOperationInFlight
	}
	defer s.locks.release(id)

	q, err := s.questions.GetQuestion(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if q.Status != question.StatusOpen {
		return CancelResult{}, &PreconditionError{Reason: "question is not open"}
	}
	if time.Now().UTC().Before(q.Deadline) {
		return CancelResult{}, &PreconditionError{Reason: "deadline has not passed"}
	}

	result := CancelResult{}
	if q.OnChainID != nil && q.Bounty().Sign() > 0 {
		refunded, txRef := s.driveExpiryRefund(ctx, q)
		result.Refunded = refunded
		result.RefundPending = !refunded
		result.TxRef = txRef
	}

	q.Status = question.StatusCancelled
	q.RefundPending = result.RefundPending
	if result.TxRef != "" {
		q.LastTxRef = result.TxRef
	}
	updated, err := s.questions.UpdateQuestion(ctx, q)
	if err != nil {
		return CancelResult{}, err
	}
	result.Question = updated

	s.publish(notify.QuestionClosed, q.ID)
	return result, nil
}

func (s *Service) driveExpiryRefund(ctx context.Context, q question.Question) (bool, string) {
	op := intent.OpExpireRefund
	in, err := s.intents.CreateIntent(ctx, intent.Intent{
		QuestionID:     q.ID,
		Operation:      op,
		IdempotencyKey: "expire:" + q.ID,
		Amount:         q.Bounty(),
		State:          intent.StatePending,
	})
	if err != nil {
		s.log.WithError(err).WithField("question", q.ID).Warn("expiry intent not persisted")
		return false, ""
	}

	pending, err := s.escrow.RefundExpired(ctx, *q.OnChainID)
	if err != nil {
		s.abandonIntent(ctx, in, err)
		metrics.RecordOperation(string(op), "submission_failed")
		s.log.WithError(err).WithField("question", q.ID).Warn("expiry refund submission failed")
		return false, ""
	}
	in.TxRef = pending.Hash.Hex()
	if in, err = s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent tx ref not persisted")
	}

	receipt, err := s.escrow.AwaitReceipt(ctx, pending, s.limits.Confirmations)
	if err != nil {
		var reverted *chain.RevertError
		if errors.As(err, &reverted) {
			s.abandonIntent(ctx, in, err)
			metrics.RecordOperation(string(op), "reverted")
			s.log.WithError(err).WithField("question", q.ID).Warn("expiry refund reverted")
			return false, in.TxRef
		}
		metrics.RecordOperation(string(op), "ambiguous_timeout")
		return false, in.TxRef
	}

	amount := q.Bounty()
	if ev, ok := chain.FindEvent(receipt.Events, chain.EventBountyRefunded); ok && ev.Amount != nil {
		amount = ev.Amount
	}
	if _, err := s.ledger.Record(ctx, ledgerdomain.KindRefunded, amount, q.ID, q.AuthorID, in.TxRef, q.TokenAddress); err != nil {
		s.holdForCommit(ctx, in, err)
		metrics.RecordOperation(string(op), "commit_failed")
		return false, in.TxRef
	}
	metrics.RecordLedgerEntry(string(ledgerdomain.KindRefunded))

	in.State = intent.StateCompleted
	if _, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent completion not persisted")
	}
	metrics.RecordOperation(string(op), "done")
	return true, in.TxRef
}

// --- Shared pipeline helpers -------------------------------------------------

// confirm waits for the receipt and classifies the outcome. Only a definite
// revert abandons the intent; any other wait failure is ambiguous, because
// the submitted transaction may still confirm, so the intent stays pending
// for recovery to resolve.
func (s *Service) confirm(ctx context.Context, op intent.Operation, in intent.Intent, pending *chain.PendingTx) (*chain.Receipt, error) {
	started := time.Now()
	receipt, err := s.escrow.AwaitReceipt(ctx, pending, s.limits.Confirmations)
	if err != nil {
		var reverted *chain.RevertError
		if errors.As(err, &reverted) {
			s.abandonIntent(ctx, in, err)
			metrics.RecordOperation(string(op), "reverted")
			return nil, &RevertedError{Reason: mapRevertReason(reverted.Reason)}
		}
		metrics.RecordOperation(string(op), "ambiguous_timeout")
		return nil, &PendingError{IntentID: in.ID, TxRef: in.TxRef}
	}
	metrics.ObserveConfirmation(time.Since(started))
	return receipt, nil
}

func (s *Service) mapSubmitError(op intent.Operation, err error) error {
	var reverted *chain.RevertError
	if errors.As(err, &reverted) {
		metrics.RecordOperation(string(op), "reverted")
		return &RevertedError{Reason: mapRevertReason(reverted.Reason)}
	}
	metrics.RecordOperation(string(op), "submission_failed")
	return fmt.Errorf("submit transaction: %w", err)
}

func (s *Service) abandonIntent(ctx context.Context, in intent.Intent, cause error) {
	in.State = intent.StateAbandoned
	if cause != nil {
		in.LastError = cause.Error()
	}
	if _, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent abandonment not persisted")
	}
}

func (s *Service) holdForCommit(ctx context.Context, in intent.Intent, cause error) {
	in.State = intent.StateAwaitingCommit
	if cause != nil {
		in.LastError = cause.Error()
	}
	if _, err := s.intents.UpdateIntent(ctx, in); err != nil {
		s.log.WithError(err).WithField("intent", in.ID).Warn("intent hold not persisted")
	}
}

func tokenOrDefault(token string) string {
	if token == "" {
		return "ETH"
	}
	return token
}
