package questions

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/braintheria/bounty_layer/internal/chain"
)

// fakeEscrow simulates the escrow contract in memory. Each mutating call
// produces a receipt immediately; AwaitReceipt behaviour is steered by the
// timeout and revert fields to exercise the ambiguous paths.
type fakeEscrow struct {
	mu       sync.Mutex
	bounties map[int64]*big.Int
	nextQID  int64
	nextAID  int64
	nextTx   int
	receipts map[string]*chain.Receipt

	submitErr    error  // returned by the next mutating call
	revertReason string // makes AwaitReceipt return a RevertError
	timeoutNext  bool   // makes the next AwaitReceipt time out (receipt kept)
	awaitErr     error  // returned by the next AwaitReceipt (receipt kept)

	submitted int // mutating calls that produced a transaction
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		bounties: make(map[int64]*big.Int),
		receipts: make(map[string]*chain.Receipt),
	}
}

func (f *fakeEscrow) newTx(events ...chain.Event) (*chain.PendingTx, string) {
	f.nextTx++
	hash := common.BytesToHash([]byte(fmt.Sprintf("fake-tx-%d", f.nextTx)))
	f.receipts[hash.Hex()] = &chain.Receipt{
		TxHash:  hash.Hex(),
		Success: true,
		Events:  events,
	}
	f.submitted++
	return &chain.PendingTx{Hash: hash}, hash.Hex()
}

func (f *fakeEscrow) AskQuestion(ctx context.Context, token string, bounty *big.Int, deadline time.Time, uri string) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	f.nextQID++
	f.bounties[f.nextQID] = new(big.Int).Set(bounty)
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventQuestionAsked,
		QuestionID: f.nextQID,
		Amount:     new(big.Int).Set(bounty),
		URI:        uri,
	})
	return tx, nil
}

func (f *fakeEscrow) AddBounty(ctx context.Context, chainQID int64, amount *big.Int, nativeToken bool) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	f.bounties[chainQID].Add(f.bounties[chainQID], amount)
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventBountyAdded,
		QuestionID: chainQID,
		Amount:     new(big.Int).Set(amount),
	})
	return tx, nil
}

func (f *fakeEscrow) ReduceBounty(ctx context.Context, chainQID int64, newTotal *big.Int) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	f.bounties[chainQID] = new(big.Int).Set(newTotal)
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventBountyReduced,
		QuestionID: chainQID,
		Amount:     new(big.Int).Set(newTotal),
	})
	return tx, nil
}

func (f *fakeEscrow) CancelQuestion(ctx context.Context, chainQID int64) (*chain.PendingTx, error) {
	return f.refund(chainQID)
}

func (f *fakeEscrow) RefundExpired(ctx context.Context, chainQID int64) (*chain.PendingTx, error) {
	return f.refund(chainQID)
}

func (f *fakeEscrow) refund(chainQID int64) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	amount := f.bounties[chainQID]
	f.bounties[chainQID] = new(big.Int)
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventBountyRefunded,
		QuestionID: chainQID,
		Amount:     new(big.Int).Set(amount),
	})
	return tx, nil
}

func (f *fakeEscrow) PostAnswer(ctx context.Context, chainQID int64, uri string) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	f.nextAID++
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventAnswerPosted,
		QuestionID: chainQID,
		AnswerID:   f.nextAID,
		URI:        uri,
	})
	return tx, nil
}

func (f *fakeEscrow) AcceptAnswer(ctx context.Context, chainQID, chainAID int64) (*chain.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return nil, err
	}
	amount := f.bounties[chainQID]
	f.bounties[chainQID] = new(big.Int)
	tx, _ := f.newTx(chain.Event{
		Kind:       chain.EventAnswerAccepted,
		QuestionID: chainQID,
		AnswerID:   chainAID,
		Amount:     new(big.Int).Set(amount),
	})
	return tx, nil
}

func (f *fakeEscrow) AwaitReceipt(ctx context.Context, pending *chain.PendingTx, confirmations uint64) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeoutNext {
		f.timeoutNext = false
		return nil, chain.ErrConfirmationTimeout
	}
	if f.awaitErr != nil {
		err := f.awaitErr
		f.awaitErr = nil
		return nil, err
	}
	if f.revertReason != "" {
		reason := f.revertReason
		f.revertReason = ""
		delete(f.receipts, pending.Hash.Hex())
		return nil, &chain.RevertError{Reason: reason}
	}
	return f.receipts[pending.Hash.Hex()], nil
}

func (f *fakeEscrow) FindReceipt(ctx context.Context, txRef string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txRef], nil
}

func (f *fakeEscrow) BountyOf(ctx context.Context, chainQID int64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bounties[chainQID]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *fakeEscrow) GetQuestion(ctx context.Context, chainQID int64) (*chain.OnChainQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &chain.OnChainQuestion{}
	if b, ok := f.bounties[chainQID]; ok {
		q.Bounty = new(big.Int).Set(b)
	}
	return q, nil
}
