package guard

import (
	"context"
	"testing"

	xerrors "AgentMesh/internal/errors"
)

func TestEnterMarksClass(t *testing.T) {
	ctx, err := Enter(context.Background(), ClassMarket)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !Entered(ctx, ClassMarket) {
		t.Fatal("expected market class to be marked")
	}
	if Entered(ctx, ClassDirectory) {
		t.Fatal("directory class should not be marked")
	}
}

func TestEnterRejectsReentrancy(t *testing.T) {
	ctx, err := Enter(context.Background(), ClassRelay)
	if err != nil {
		t.Fatalf("first enter: %v", err)
	}

	_, err = Enter(ctx, ClassRelay)
	if err == nil {
		t.Fatal("expected nested enter to fail")
	}
	if xerrors.CodeOf(err) != xerrors.CodeReentrantCall {
		t.Fatalf("expected REENTRANT_CALL, got %s", xerrors.CodeOf(err))
	}
}

func TestEnterAllowsDifferentClasses(t *testing.T) {
	ctx, err := Enter(context.Background(), ClassDirectory)
	if err != nil {
		t.Fatalf("enter directory: %v", err)
	}
	if _, err := Enter(ctx, ClassMarket); err != nil {
		t.Fatalf("cross class enter should succeed: %v", err)
	}
}

func TestEnterNilContext(t *testing.T) {
	ctx, err := Enter(nil, ClassMarket) //nolint:staticcheck
	if err != nil {
		t.Fatalf("enter with nil context: %v", err)
	}
	if !Entered(ctx, ClassMarket) {
		t.Fatal("expected class to be marked")
	}
}
