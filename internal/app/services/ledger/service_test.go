package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	domain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
)

// flakyStore fails the first n appends before delegating to the real store.
type flakyStore struct {
	storage.LedgerStore
	failures int
	calls    int
}

func (f *flakyStore) AppendLedgerEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Entry{}, errors.New("transient store failure")
	}
	return f.LedgerStore.AppendLedgerEntry(ctx, e)
}

func TestService_RecordValidation(t *testing.T) {
	svc := New(memory.New(), nil)

	if _, err := svc.Record(context.Background(), "bogus", big.NewInt(1), "q", "u", "tx", ""); err == nil {
		t.Fatal("invalid kind accepted")
	}
	if _, err := svc.Record(context.Background(), domain.KindReleased, nil, "q", "u", "tx", ""); err == nil {
		t.Fatal("nil amount accepted")
	}
}

func TestService_RecordDefaultsToken(t *testing.T) {
	svc := New(memory.New(), nil)
	entry, err := svc.Record(context.Background(), domain.KindEscrowed, big.NewInt(5), "q", "u", "tx", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.Token != "ETH" {
		t.Fatalf("token default: %s", entry.Token)
	}
	if entry.ID == "" {
		t.Fatal("entry not assigned an id")
	}
}

func TestService_RecordRetriesTransientFailure(t *testing.T) {
	flaky := &flakyStore{LedgerStore: memory.New(), failures: 2}
	svc := New(flaky, nil)

	entry, err := svc.Record(context.Background(), domain.KindRefunded, big.NewInt(9), "q", "u", "tx", "ETH")
	if err != nil {
		t.Fatalf("record after retries: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
	if entry.Amount.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("amount: %s", entry.Amount)
	}
}

func TestService_RecordGivesUpAfterAttempts(t *testing.T) {
	flaky := &flakyStore{LedgerStore: memory.New(), failures: 10}
	svc := New(flaky, nil)

	if _, err := svc.Record(context.Background(), domain.KindReleased, big.NewInt(1), "q", "u", "tx", "ETH"); err == nil {
		t.Fatal("expected persistent failure to surface")
	}
	if flaky.calls != appendAttempts {
		t.Fatalf("expected %d attempts, got %d", appendAttempts, flaky.calls)
	}
}

func TestService_ListNewestFirst(t *testing.T) {
	svc := New(memory.New(), nil)
	for i := 1; i <= 3; i++ {
		if _, err := svc.Record(context.Background(), domain.KindTopUp, big.NewInt(int64(i)), "q1", "u1", "", "ETH"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := svc.List(context.Background(), "q1", "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Amount.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("not newest-first: first amount %s", entries[0].Amount)
	}
}
