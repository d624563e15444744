package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	if Normalize("  Alice ") != Identity("alice") {
		t.Fatalf("unexpected normalization: %q", Normalize("  Alice "))
	}
	if !Normalize("   ").IsZero() {
		t.Fatal("whitespace only input should normalize to zero")
	}
	if Zero.Equal(Zero) {
		t.Fatal("zero identity must never compare equal")
	}
	if !Normalize("Bob").Equal(Normalize("bob")) {
		t.Fatal("case differences should not matter after normalization")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	manager, err := NewTokenManager("secret", "agentmesh", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := manager.Issue(Normalize("alice"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != Identity("alice") {
		t.Fatalf("unexpected identity: %q", id)
	}
}

func TestTokenRejectsTamperedSignature(t *testing.T) {
	manager, err := NewTokenManager("secret", "agentmesh", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	other, err := NewTokenManager("another-secret", "agentmesh", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := other.Issue(Normalize("alice"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := manager.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokenRejectsMalformedInput(t *testing.T) {
	manager, err := NewTokenManager("secret", "", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	for _, token := range []string{"", "a.b", "a.b.c.d", strings.Repeat("x", 32)} {
		if _, err := manager.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected invalid token, got %v", token, err)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	manager, err := NewTokenManager("secret", "agentmesh", time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	// 构造一个已过期的管理器签发的令牌。
	expired := &TokenManager{secret: []byte("secret"), issuer: "agentmesh", ttl: -2 * time.Hour}
	token, err := expired.Issue(Normalize("alice"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := manager.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestCallerContext(t *testing.T) {
	ctx := WithCaller(context.Background(), Normalize("alice"))
	if caller := CallerFromContext(ctx); caller != Identity("alice") {
		t.Fatalf("unexpected caller: %q", caller)
	}
	if caller := CallerFromContext(context.Background()); !caller.IsZero() {
		t.Fatalf("expected no caller on fresh context, got %q", caller)
	}
}
