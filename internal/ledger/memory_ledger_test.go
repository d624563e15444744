package ledger

import (
	"context"
	"errors"
	"testing"

	"AgentMesh/internal/identity"
)

func TestMemoryLedgerTransfer(t *testing.T) {
	ctx := context.Background()
	led := NewMemoryLedger()
	alice := identity.Normalize("alice")
	bob := identity.Normalize("bob")

	led.Mint(alice, 100)

	if err := led.Transfer(ctx, alice, bob, 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBalance, _ := led.BalanceOf(ctx, alice)
	bobBalance, _ := led.BalanceOf(ctx, bob)
	if aliceBalance != 60 || bobBalance != 40 {
		t.Fatalf("unexpected balances: alice=%d bob=%d", aliceBalance, bobBalance)
	}
}

func TestMemoryLedgerInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	led := NewMemoryLedger()
	alice := identity.Normalize("alice")
	bob := identity.Normalize("bob")

	led.Mint(alice, 10)

	err := led.Transfer(ctx, alice, bob, 11)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// 失败的转账不得留下任何部分效果。
	aliceBalance, _ := led.BalanceOf(ctx, alice)
	bobBalance, _ := led.BalanceOf(ctx, bob)
	if aliceBalance != 10 || bobBalance != 0 {
		t.Fatalf("balances changed on failed transfer: alice=%d bob=%d", aliceBalance, bobBalance)
	}
}

func TestMemoryLedgerRejectsZeroParties(t *testing.T) {
	ctx := context.Background()
	led := NewMemoryLedger()
	alice := identity.Normalize("alice")
	led.Mint(alice, 10)

	if err := led.Transfer(ctx, identity.Zero, alice, 5); err == nil {
		t.Fatal("expected error for zero sender")
	}
	if err := led.Transfer(ctx, alice, identity.Zero, 5); err == nil {
		t.Fatal("expected error for zero recipient")
	}
	if err := led.Transfer(ctx, alice, identity.Normalize("bob"), 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
}
