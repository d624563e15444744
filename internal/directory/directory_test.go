package directory

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
)

var (
	operator = identity.Normalize("operator")
	treasury = identity.Normalize("treasury")
	alice    = identity.Normalize("alice")
	bob      = identity.Normalize("bob")
)

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, *ledger.MemoryLedger) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	dir := New(led, operator, treasury, opts...)
	return dir, led
}

func registerAgent(t *testing.T, dir *Directory, owner identity.Identity, name string, capabilities ...string) uint64 {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []string{"compute"}
	}
	id, err := dir.Register(context.Background(), owner, RegisterRequest{
		Name:         name,
		Capabilities: capabilities,
	})
	if err != nil {
		t.Fatalf("register %q: %v", name, err)
	}
	return id
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	id, err := dir.Register(ctx, alice, RegisterRequest{
		Name:            "astra",
		Description:     "data analysis agent",
		Capabilities:    []string{"nlp", "search", "summarize"},
		AutonomyLevel:   500,
		RewardThreshold: 10,
		MetadataURI:     "ipfs://astra",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}

	agent, err := dir.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Owner != alice || agent.Name != "astra" {
		t.Fatalf("unexpected record: %+v", agent)
	}
	if agent.Status != StatusActive {
		t.Fatalf("new agents must be active, got %s", agent.Status)
	}
	if agent.DeploymentTime == 0 {
		t.Fatal("deployment time must be set")
	}
	// 能力列表保持注册时的顺序。
	want := []string{"nlp", "search", "summarize"}
	for i, cap := range agent.Capabilities {
		if cap != want[i] {
			t.Fatalf("capability order changed: %v", agent.Capabilities)
		}
	}

	if _, err := dir.Get(ctx, 99); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	dir, _ := newTestDirectory(t)
	registerAgent(t, dir, alice, "astra")

	_, err := dir.Register(context.Background(), bob, RegisterRequest{
		Name:         "astra",
		Capabilities: []string{"compute"},
	})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected name taken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"empty name", RegisterRequest{Capabilities: []string{"x"}}},
		{"no capabilities", RegisterRequest{Name: "a"}},
		{"autonomy too high", RegisterRequest{Name: "b", Capabilities: []string{"x"}, AutonomyLevel: 1001}},
	}
	for _, tc := range cases {
		if _, err := dir.Register(ctx, alice, tc.req); xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	if _, err := dir.Register(ctx, identity.Zero, RegisterRequest{Name: "c", Capabilities: []string{"x"}}); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized for zero caller, got %v", err)
	}
}

func TestRegisterChargesDeploymentFee(t *testing.T) {
	ctx := context.Background()
	dir, led := newTestDirectory(t, WithDeploymentFee(25))
	led.Mint(alice, 100)

	registerAgent(t, dir, alice, "astra")

	aliceBalance, _ := led.BalanceOf(ctx, alice)
	treasuryBalance, _ := led.BalanceOf(ctx, treasury)
	if aliceBalance != 75 || treasuryBalance != 25 {
		t.Fatalf("unexpected balances after fee: alice=%d treasury=%d", aliceBalance, treasuryBalance)
	}
}

func TestRegisterFeeFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	dir, led := newTestDirectory(t, WithDeploymentFee(25))
	led.Mint(bob, 10)

	_, err := dir.Register(ctx, bob, RegisterRequest{Name: "poor", Capabilities: []string{"x"}})
	if xerrors.CodeOf(err) != xerrors.CodeEscrow {
		t.Fatalf("expected escrow error, got %v", err)
	}

	// 收费失败的注册必须零改动。
	if stats := dir.Stats(ctx); stats.TotalAgents != 0 {
		t.Fatalf("failed registration mutated state: %+v", stats)
	}
	bobBalance, _ := led.BalanceOf(ctx, bob)
	if bobBalance != 10 {
		t.Fatalf("failed registration moved funds: %d", bobBalance)
	}
}

func TestConnectAndNetwork(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	a := registerAgent(t, dir, alice, "a")
	b := registerAgent(t, dir, alice, "b")
	c := registerAgent(t, dir, bob, "c")

	if err := dir.Connect(ctx, alice, a, a); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected self loop rejection, got %v", err)
	}
	if err := dir.Connect(ctx, bob, a, b); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected owner check, got %v", err)
	}

	if err := dir.Connect(ctx, alice, a, b); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}
	if err := dir.Connect(ctx, alice, a, c); err != nil {
		t.Fatalf("connect a->c: %v", err)
	}
	if err := dir.Connect(ctx, alice, a, b); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected already connected, got %v", err)
	}

	peers, err := dir.Network(ctx, a)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", peers)
	}

	// 连接要求两端都处于 Active 状态。
	if err := dir.SetStatus(ctx, bob, c, StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := dir.Connect(ctx, alice, b, c); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expected invalid state for inactive peer, got %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	a := registerAgent(t, dir, alice, "a")
	b := registerAgent(t, dir, alice, "b")

	if err := dir.Disconnect(ctx, alice, a, b); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}

	if err := dir.Connect(ctx, alice, a, b); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dir.Disconnect(ctx, bob, a, b); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected owner check, got %v", err)
	}
	if err := dir.Disconnect(ctx, alice, a, b); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	peers, err := dir.Network(ctx, a)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected empty network, got %v", peers)
	}
}

func TestSetStatusCounters(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	a := registerAgent(t, dir, alice, "a")
	registerAgent(t, dir, alice, "b")

	if stats := dir.Stats(ctx); stats.ActiveAgents != 2 {
		t.Fatalf("expected 2 active agents, got %+v", stats)
	}

	if err := dir.SetStatus(ctx, alice, a, StatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if stats := dir.Stats(ctx); stats.ActiveAgents != 1 {
		t.Fatalf("expected 1 active agent, got %+v", stats)
	}

	// 任意状态之间允许直接转换。
	if err := dir.SetStatus(ctx, alice, a, StatusTerminated); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := dir.SetStatus(ctx, alice, a, StatusActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if stats := dir.Stats(ctx); stats.ActiveAgents != 2 {
		t.Fatalf("expected 2 active agents after reactivation, got %+v", stats)
	}

	if err := dir.SetStatus(ctx, alice, a, Status("bogus")); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestReward(t *testing.T) {
	ctx := context.Background()
	dir, led := newTestDirectory(t)
	led.Mint(treasury, 100)
	a := registerAgent(t, dir, alice, "a")

	if err := dir.Reward(ctx, alice, a, 10); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected operator check, got %v", err)
	}
	if err := dir.Reward(ctx, operator, a, 0); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected zero amount rejection, got %v", err)
	}

	if err := dir.Reward(ctx, operator, a, 30); err != nil {
		t.Fatalf("reward: %v", err)
	}

	agent, err := dir.Get(ctx, a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.TotalRewards != 30 {
		t.Fatalf("expected total rewards 30, got %d", agent.TotalRewards)
	}
	ownerBalance, _ := led.BalanceOf(ctx, alice)
	if ownerBalance != 30 {
		t.Fatalf("expected owner balance 30, got %d", ownerBalance)
	}

	// 只能奖励 Active 状态的智能体。
	if err := dir.SetStatus(ctx, alice, a, StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := dir.Reward(ctx, operator, a, 10); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRewardTransferFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	a := registerAgent(t, dir, alice, "a")

	if err := dir.Reward(ctx, operator, a, 50); xerrors.CodeOf(err) != xerrors.CodeEscrow {
		t.Fatalf("expected escrow error on empty treasury, got %v", err)
	}
	agent, err := dir.Get(ctx, a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.TotalRewards != 0 {
		t.Fatalf("failed reward mutated total rewards: %d", agent.TotalRewards)
	}
}

func TestPause(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	registerAgent(t, dir, alice, "a")

	if err := dir.Pause(ctx, alice); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected operator check, got %v", err)
	}
	if err := dir.Pause(ctx, operator); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := dir.Register(ctx, alice, RegisterRequest{Name: "b", Capabilities: []string{"x"}}); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}

	// 只读操作不受暂停影响。
	if _, err := dir.Get(ctx, 1); err != nil {
		t.Fatalf("get while paused: %v", err)
	}

	if err := dir.Unpause(ctx, operator); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	registerAgent(t, dir, alice, "b")
}

func TestPauseBlocksReward(t *testing.T) {
	ctx := context.Background()
	dir, led := newTestDirectory(t)
	led.Mint(treasury, 100)
	a := registerAgent(t, dir, alice, "a")

	if err := dir.Pause(ctx, operator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := dir.Reward(ctx, operator, a, 10); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}

	if err := dir.Unpause(ctx, operator); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := dir.Reward(ctx, operator, a, 10); err != nil {
		t.Fatalf("reward after unpause: %v", err)
	}
}

func TestOwnerAgents(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	a := registerAgent(t, dir, alice, "a")
	b := registerAgent(t, dir, alice, "b")
	registerAgent(t, dir, bob, "c")

	owned := dir.OwnerAgents(ctx, alice)
	if len(owned) != 2 || owned[0] != a || owned[1] != b {
		t.Fatalf("unexpected owned agents: %v", owned)
	}

	owner, err := dir.OwnerOf(a)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if owner != alice {
		t.Fatalf("unexpected owner: %q", owner)
	}
}
