package leaderboard

import (
	"context"
	"math/big"
	"testing"

	ledgerdomain "github.com/braintheria/bounty_layer/internal/app/domain/ledger"
	"github.com/braintheria/bounty_layer/internal/app/domain/user"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
)

func seedRelease(t *testing.T, store *memory.Store, userID string, amount int64) {
	t.Helper()
	_, err := store.AppendLedgerEntry(context.Background(), ledgerdomain.Entry{
		Kind:       ledgerdomain.KindReleased,
		Amount:     big.NewInt(amount),
		Token:      "ETH",
		QuestionID: "q",
		UserID:     userID,
	})
	if err != nil {
		t.Fatalf("seed release: %v", err)
	}
}

func TestTop_RanksByReleasedVolume(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil, nil)

	alice, _ := store.CreateUser(context.Background(), user.User{Name: "alice", Email: "a@x"})
	bob, _ := store.CreateUser(context.Background(), user.User{Name: "bob", Email: "b@x"})

	seedRelease(t, store, alice.ID, 100)
	seedRelease(t, store, bob.ID, 300)
	seedRelease(t, store, alice.ID, 150)

	top, err := svc.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(top))
	}
	if top[0].UserID != bob.ID || top[0].Released != "300" {
		t.Fatalf("first row: %+v", top[0])
	}
	if top[1].UserID != alice.ID || top[1].Released != "250" || top[1].Wins != 2 {
		t.Fatalf("second row: %+v", top[1])
	}
	if top[0].Name != "bob" {
		t.Fatalf("name not resolved: %q", top[0].Name)
	}
}

func TestTop_IgnoresNonReleaseEntries(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil, nil)

	u, _ := store.CreateUser(context.Background(), user.User{Name: "u", Email: "u@x"})
	if _, err := store.AppendLedgerEntry(context.Background(), ledgerdomain.Entry{
		Kind: ledgerdomain.KindEscrowed, Amount: big.NewInt(999), QuestionID: "q", UserID: u.ID,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	top, err := svc.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 0 {
		t.Fatalf("escrow entries should not rank: %+v", top)
	}
}

func TestTop_ClampsRequestedSize(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil, nil)

	for i := 0; i < 3; i++ {
		u, _ := store.CreateUser(context.Background(), user.User{Name: "u", Email: string(rune('a'+i)) + "@x"})
		seedRelease(t, store, u.ID, int64(10+i))
	}

	top, err := svc.Top(context.Background(), 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("clamp to 2, got %d", len(top))
	}
}

func TestInvalidate_NilRedisIsNoop(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil, nil)
	svc.Invalidate(context.Background())
}
