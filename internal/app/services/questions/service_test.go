package questions

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/braintheria/bounty_layer/internal/app/domain/answer"
	"github.com/braintheria/bounty_layer/internal/app/domain/intent"
	ledgerdomain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/question"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	ledgersvc "github.com/braintheria/bounty_layer/internal/app/services/ledger"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
	"github.com/braintheria/bounty_layer/internal/content"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *fakeEscrow) {
	t.Helper()
	store := memory.New()
	escrow := newFakeEscrow()
	svc := New(Stores{
		Questions:  store,
		Answers:    store,
		Users:      store,
		Intents:    store,
		Acceptance: store,
	}, escrow, ledgersvc.New(store, nil), content.NewMemoryPinner(), nil, Limits{
		MinBounty:      big.NewInt(10),
		MaxBounty:      big.NewInt(1_000_000),
		Confirmations:  1,
		DeadlineWindow: 24 * time.Hour,
	}, nil)
	return svc, store, escrow
}

func seedUser(t *testing.T, store *memory.Store, name string) user.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), user.User{
		Name:          name,
		Email:         name + "@example.com",
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedAnswer(t *testing.T, store *memory.Store, questionID, authorID string, chainAID int64) answer.Answer {
	t.Helper()
	a, err := store.CreateAnswer(context.Background(), answer.Answer{
		QuestionID: questionID,
		AuthorID:   authorID,
		Body:       "an answer",
		OnChainID:  &chainAID,
	})
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	return a
}

func openIntents(t *testing.T, store *memory.Store) []intent.Intent {
	t.Helper()
	open, err := store.ListOpenIntents(context.Background())
	if err != nil {
		t.Fatalf("list open intents: %v", err)
	}
	return open
}

func ledgerEntries(t *testing.T, store *memory.Store, questionID string) []ledgerdomain.Entry {
	t.Helper()
	entries, err := store.ListLedgerEntries(context.Background(), storage.LedgerFilter{QuestionID: questionID})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	return entries
}

func TestService_AskWithBounty(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "How do I drain a channel?", "Details here.", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if q.OnChainID == nil {
		t.Fatal("question not escrowed on-chain")
	}
	if q.Bounty().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bounty projection mismatch: %s", q.Bounty())
	}
	if q.LastTxRef == "" {
		t.Fatal("tx ref not recorded")
	}
	onChain, _ := escrow.BountyOf(context.Background(), *q.OnChainID)
	if q.Bounty().Cmp(onChain) != 0 {
		t.Fatalf("projection %s diverges from on-chain %s", q.Bounty(), onChain)
	}

	entries := ledgerEntries(t, store, q.ID)
	if len(entries) != 1 || entries[0].Kind != ledgerdomain.KindEscrowed {
		t.Fatalf("expected single Escrowed entry, got %+v", entries)
	}
	if entries[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("ledger amount mismatch: %s", entries[0].Amount)
	}
	if left := openIntents(t, store); len(left) != 0 {
		t.Fatalf("intents not settled: %+v", left)
	}
}

func TestService_AskWithoutBountyStaysOffChain(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if q.OnChainID != nil {
		t.Fatal("question should not be on-chain without a bounty")
	}
	if escrow.submitted != 0 {
		t.Fatalf("unexpected chain submissions: %d", escrow.submitted)
	}
}

func TestService_AttachBountyValidation(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")
	other := seedUser(t, store, "other")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	var precondition *PreconditionError
	cases := []struct {
		name   string
		caller string
		amount *big.Int
	}{
		{"not author", other.ID, big.NewInt(100)},
		{"nil amount", asker.ID, nil},
		{"zero amount", asker.ID, big.NewInt(0)},
		{"below minimum", asker.ID, big.NewInt(5)},
		{"above maximum", asker.ID, big.NewInt(2_000_000)},
	}
	for _, tc := range cases {
		if _, err := svc.AttachBounty(context.Background(), q.ID, tc.caller, tc.amount); !errors.As(err, &precondition) {
			t.Fatalf("%s: expected precondition error, got %v", tc.name, err)
		}
	}
	if escrow.submitted != 0 {
		t.Fatalf("rejected operations must not reach the chain: %d submissions", escrow.submitted)
	}
	if len(ledgerEntries(t, store, q.ID)) != 0 {
		t.Fatal("rejected operations must not write ledger entries")
	}
}

func TestService_AttachBountyTopUp(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	q, err = svc.AttachBounty(context.Background(), q.ID, asker.ID, big.NewInt(40))
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if q.Bounty().Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("bounty after top up: %s", q.Bounty())
	}

	entries := ledgerEntries(t, store, q.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Kind != ledgerdomain.KindTopUp || entries[1].Kind != ledgerdomain.KindEscrowed {
		t.Fatalf("unexpected entry kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
}

func TestService_ReduceBountyNewTotal(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	q, err = svc.ReduceBounty(context.Background(), q.ID, asker.ID, big.NewInt(40))
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if q.Bounty().Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("bounty after reduce: %s", q.Bounty())
	}
	onChain, _ := escrow.BountyOf(context.Background(), *q.OnChainID)
	if onChain.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("on-chain bounty: %s", onChain)
	}

	entries := ledgerEntries(t, store, q.ID)
	if entries[0].Kind != ledgerdomain.KindReduced || entries[0].Amount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("reduced entry wrong: %s %s", entries[0].Kind, entries[0].Amount)
	}

	// Raising the total is not a reduction.
	var precondition *PreconditionError
	if _, err := svc.ReduceBounty(context.Background(), q.ID, asker.ID, big.NewInt(50)); !errors.As(err, &precondition) {
		t.Fatalf("expected precondition error raising total, got %v", err)
	}
}

func TestService_AcceptAnswerSingleWinner(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")
	answerer := seedUser(t, store, "answerer")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(500))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	a := seedAnswer(t, store, q.ID, answerer.ID, 1)
	b := seedAnswer(t, store, q.ID, answerer.ID, 2)

	res, err := svc.AcceptAnswer(context.Background(), q.ID, a.ID, asker.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Question.Status != question.StatusVerified {
		t.Fatalf("question not verified: %s", res.Question.Status)
	}
	if !res.Answer.IsBest {
		t.Fatal("winning answer not flagged best")
	}

	entries := ledgerEntries(t, store, q.ID)
	if entries[0].Kind != ledgerdomain.KindReleased || entries[0].Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("release entry wrong: %s %s", entries[0].Kind, entries[0].Amount)
	}
	if entries[0].UserID != answerer.ID {
		t.Fatalf("release credited to %s, want %s", entries[0].UserID, answerer.ID)
	}

	// A second acceptance must be rejected idempotently, not re-executed.
	var precondition *PreconditionError
	if _, err := svc.AcceptAnswer(context.Background(), q.ID, b.ID, asker.ID); !errors.As(err, &precondition) {
		t.Fatalf("expected precondition error on second accept, got %v", err)
	}
	if got := len(ledgerEntries(t, store, q.ID)); got != 2 {
		t.Fatalf("expected 2 ledger entries (escrow + release), got %d", got)
	}
}

func TestService_ConcurrentAcceptsElectOneWinner(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")
	answerer := seedUser(t, store, "answerer")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(500))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	candidates := make([]answer.Answer, 4)
	for i := range candidates {
		candidates[i] = seedAnswer(t, store, q.ID, answerer.ID, int64(i+1))
	}

	// Racing acceptances on the same question must elect exactly one
	// winner; the rest are rejected, either by the per-question guard or
	// by the status check.
	var wg sync.WaitGroup
	wins := make(chan string, len(candidates))
	for _, c := range candidates {
		wg.Add(1)
		go func(answerID string) {
			defer wg.Done()
			if _, err := svc.AcceptAnswer(context.Background(), q.ID, answerID, asker.ID); err == nil {
				wins <- answerID
			}
		}(c.ID)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful acceptance, got %d", len(winners))
	}

	gotQ, _ := store.GetQuestion(context.Background(), q.ID)
	if gotQ.Status != question.StatusVerified {
		t.Fatalf("question not verified: %s", gotQ.Status)
	}
	all, err := store.ListAnswers(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	var best int
	for _, a := range all {
		if a.IsBest {
			best++
			if a.ID != winners[0] {
				t.Fatalf("best answer %s is not the winner %s", a.ID, winners[0])
			}
		}
	}
	if best != 1 {
		t.Fatalf("expected exactly one best answer, got %d", best)
	}
	var released int
	for _, e := range ledgerEntries(t, store, q.ID) {
		if e.Kind == ledgerdomain.KindReleased {
			released++
		}
	}
	if released != 1 {
		t.Fatalf("expected exactly one Released entry, got %d", released)
	}
}

func TestService_AcceptRequiresWallet(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")
	answerer, err := store.CreateUser(context.Background(), user.User{Name: "nowallet", Email: "nw@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	a := seedAnswer(t, store, q.ID, answerer.ID, 1)

	var precondition *PreconditionError
	if _, err := svc.AcceptAnswer(context.Background(), q.ID, a.ID, asker.ID); !errors.As(err, &precondition) {
		t.Fatalf("expected precondition error for missing wallet, got %v", err)
	}
}

func TestService_OperationInFlight(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")
	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if !svc.locks.tryAcquire(q.ID) {
		t.Fatal("lock unexpectedly held")
	}
	defer svc.locks.release(q.ID)

	if _, err := svc.AttachBounty(context.Background(), q.ID, asker.ID, big.NewInt(50)); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), q.ID, asker.ID); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected in-flight error for cancel, got %v", err)
	}
}

func TestService_CancelRefundsEscrow(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	res, err := svc.Cancel(context.Background(), q.ID, asker.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Question.Status != question.StatusCancelled {
		t.Fatalf("status after cancel: %s", res.Question.Status)
	}
	if !res.Refunded || res.RefundPending {
		t.Fatalf("refund not reported: %+v", res)
	}
	onChain, _ := escrow.BountyOf(context.Background(), *q.OnChainID)
	if onChain.Sign() != 0 {
		t.Fatalf("escrow not emptied: %s", onChain)
	}
	entries := ledgerEntries(t, store, q.ID)
	if entries[0].Kind != ledgerdomain.KindRefunded {
		t.Fatalf("expected Refunded entry, got %s", entries[0].Kind)
	}
}

func TestService_CancelSurvivesRefundFailure(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	escrow.submitErr = errors.New("rpc unreachable")
	res, err := svc.Cancel(context.Background(), q.ID, asker.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Question.Status != question.StatusCancelled {
		t.Fatal("question must be cancelled off-chain even when the refund fails")
	}
	if res.Refunded || !res.RefundPending {
		t.Fatalf("refund failure not surfaced distinctly: %+v", res)
	}
	if !res.Question.RefundPending {
		t.Fatal("refund pending flag not persisted")
	}
}

func TestService_RevertMapsToDomainError(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	escrow.revertReason = "Not open"
	var reverted *RevertedError
	if _, err := svc.AttachBounty(context.Background(), q.ID, asker.ID, big.NewInt(50)); !errors.As(err, &reverted) {
		t.Fatalf("expected reverted error, got %v", err)
	}
	if reverted.Reason == "Not open" {
		t.Fatal("raw contract reason leaked to the caller")
	}

	if left := openIntents(t, store); len(left) != 0 {
		t.Fatalf("reverted intent left open: %+v", left)
	}
}

func TestService_TimeoutReportsPending(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	escrow.timeoutNext = true
	var pending *PendingError
	if _, err := svc.AttachBounty(context.Background(), q.ID, asker.ID, big.NewInt(100)); !errors.As(err, &pending) {
		t.Fatalf("expected pending error, got %v", err)
	}
	if pending.TxRef == "" {
		t.Fatal("pending error missing tx ref")
	}

	open := openIntents(t, store)
	if len(open) != 1 || open[0].State != intent.StatePending {
		t.Fatalf("expected one pending intent, got %+v", open)
	}
	if len(ledgerEntries(t, store, q.ID)) != 0 {
		t.Fatal("no ledger entry may exist while the outcome is unknown")
	}
}

func TestService_InterruptedWaitStaysPendingAndRecovers(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	// The wait is cut short by a cancelled context after submission. The
	// transaction still confirms on-chain, so the outcome is ambiguous and
	// the intent must not be written off.
	escrow.awaitErr = context.Canceled
	var pending *PendingError
	if _, err := svc.AttachBounty(context.Background(), q.ID, asker.ID, big.NewInt(100)); !errors.As(err, &pending) {
		t.Fatalf("expected pending error, got %v", err)
	}
	if pending.TxRef == "" {
		t.Fatal("pending error missing tx ref")
	}

	open := openIntents(t, store)
	if len(open) != 1 || open[0].State != intent.StatePending {
		t.Fatalf("intent must stay pending for recovery, got %+v", open)
	}

	svc.NewRecoveryPoller(time.Minute).Sweep(context.Background())

	got, err := store.GetQuestion(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("get question: %v", err)
	}
	if got.OnChainID == nil {
		t.Fatal("recovery did not backfill the on-chain id")
	}
	onChain, _ := escrow.BountyOf(context.Background(), *got.OnChainID)
	if got.Bounty().Cmp(onChain) != 0 || onChain.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("projection %s diverges from on-chain %s", got.Bounty(), onChain)
	}
	entries := ledgerEntries(t, store, q.ID)
	if len(entries) != 1 || entries[0].Kind != ledgerdomain.KindEscrowed {
		t.Fatalf("expected one Escrowed entry, got %+v", entries)
	}
	if left := openIntents(t, store); len(left) != 0 {
		t.Fatalf("intent not settled: %+v", left)
	}
}

func TestService_CancelInterruptedWaitLeavesRefundRecoverable(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	escrow.awaitErr = context.Canceled
	res, err := svc.Cancel(context.Background(), q.ID, asker.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Refunded || !res.RefundPending {
		t.Fatalf("interrupted refund must report pending, got %+v", res)
	}
	open := openIntents(t, store)
	if len(open) != 1 || open[0].State != intent.StatePending {
		t.Fatalf("refund intent must stay pending, got %+v", open)
	}

	svc.NewRecoveryPoller(time.Minute).Sweep(context.Background())

	got, _ := store.GetQuestion(context.Background(), q.ID)
	if got.RefundPending {
		t.Fatal("refund pending flag not cleared by recovery")
	}
	var refunded bool
	for _, e := range ledgerEntries(t, store, q.ID) {
		if e.Kind == ledgerdomain.KindRefunded && e.Amount.Cmp(big.NewInt(100)) == 0 {
			refunded = true
		}
	}
	if !refunded {
		t.Fatal("refund not ledgered by recovery")
	}
	if left := openIntents(t, store); len(left) != 0 {
		t.Fatalf("intent not settled: %+v", left)
	}
}

func TestService_GetRefreshesProjection(t *testing.T) {
	svc, store, escrow := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	// Simulate an external on-chain change the projection missed.
	escrow.mu.Lock()
	escrow.bounties[*q.OnChainID] = big.NewInt(250)
	escrow.mu.Unlock()

	got, _, err := svc.Get(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Bounty().Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("projection not refreshed from chain: %s", got.Bounty())
	}
}

func TestService_UpdateContentOnlyWhileOpen(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	updated, err := svc.UpdateContent(context.Background(), q.ID, asker.ID, "Better title", "Better body")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Better title" || updated.ContentHash == q.ContentHash {
		t.Fatalf("content not updated: %+v", updated)
	}

	if _, err := svc.Cancel(context.Background(), q.ID, asker.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var precondition *PreconditionError
	if _, err := svc.UpdateContent(context.Background(), q.ID, asker.ID, "x", "y"); !errors.As(err, &precondition) {
		t.Fatalf("expected precondition error editing closed question, got %v", err)
	}
}

func TestService_RefundExpired(t *testing.T) {
	svc, store, _ := newTestService(t)
	asker := seedUser(t, store, "asker")

	q, err := svc.Ask(context.Background(), asker.ID, "Title", "Body", big.NewInt(100))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	var precondition *PreconditionError
	if _, err := svc.RefundExpired(context.Background(), q.ID); !errors.As(err, &precondition) {
		t.Fatalf("expected precondition error before deadline, got %v", err)
	}

	q.Deadline = time.Now().UTC().Add(-time.Hour)
	if _, err := store.UpdateQuestion(context.Background(), q); err != nil {
		t.Fatalf("backdate deadline: %v", err)
	}

	res, err := svc.RefundExpired(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("refund expired: %v", err)
	}
	if res.Question.Status != question.StatusCancelled || !res.Refunded {
		t.Fatalf("expiry outcome wrong: %+v", res)
	}
}
