package users

import (
	"context"
	"errors"
	"testing"

	"github.com/braintheria/bounty_layer/internal/app/storage"
	"github.com/braintheria/bounty_layer/internal/app/storage/memory"
)

const wallet = "0x1111111111111111111111111111111111111111"

func TestRegister(t *testing.T) {
	svc := New(memory.New(), nil)

	u, err := svc.Register(context.Background(), "  Ada ", "Ada@Example.COM ", wallet)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Name != "Ada" {
		t.Fatalf("name not trimmed: %q", u.Name)
	}
	if u.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.WalletAddress != wallet {
		t.Fatalf("wallet: %q", u.WalletAddress)
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := New(memory.New(), nil)

	if _, err := svc.Register(context.Background(), "", "a@b.c", ""); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := svc.Register(context.Background(), "Ada", "", ""); err == nil {
		t.Fatal("empty email accepted")
	}
	if _, err := svc.Register(context.Background(), "Ada", "a@b.c", "not-an-address"); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "Ada", "a@b.c", "0x1234"); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet for short address, got %v", err)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc := New(memory.New(), nil)

	if _, err := svc.Register(context.Background(), "Ada", "ada@example.com", ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.Register(context.Background(), "Imposter", "ADA@example.com", ""); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestBindWallet(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)

	u, err := svc.Register(context.Background(), "Ada", "ada@example.com", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.HasWallet() {
		t.Fatal("registered without a wallet but HasWallet reports true")
	}

	bound, err := svc.BindWallet(context.Background(), u.ID, wallet)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.WalletAddress != wallet {
		t.Fatalf("wallet not bound: %q", bound.WalletAddress)
	}

	rebound, err := svc.BindWallet(context.Background(), u.ID, "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if rebound.WalletAddress == wallet {
		t.Fatal("rebinding did not replace the address")
	}

	if _, err := svc.BindWallet(context.Background(), u.ID, "nope"); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
	if _, err := svc.BindWallet(context.Background(), "ghost", wallet); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
