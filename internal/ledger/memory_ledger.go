package ledger

import (
	"context"
	"sync"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
)

// MemoryLedger 以内存方式记账，主要用于测试与单进程部署。
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[identity.Identity]uint64
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[identity.Identity]uint64)}
}

// Mint 为指定身份铸造余额，仅供测试与初始化使用。
func (l *MemoryLedger) Mint(id identity.Identity, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[id] += amount
}

// Transfer 实现 Ledger 接口。
func (l *MemoryLedger) Transfer(_ context.Context, from, to identity.Identity, amount uint64) error {
	return l.move(from, to, amount)
}

// TransferFrom 实现 Ledger 接口。内存实现不区分授权额度与余额。
func (l *MemoryLedger) TransferFrom(_ context.Context, payer, payee identity.Identity, amount uint64) error {
	return l.move(payer, payee, amount)
}

func (l *MemoryLedger) move(from, to identity.Identity, amount uint64) error {
	if from.IsZero() || to.IsZero() {
		return xerrors.New(xerrors.CodeValidation, "转账双方身份不能为空")
	}
	if amount == 0 {
		return xerrors.New(xerrors.CodeValidation, "转账金额必须大于零")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientFunds
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// BalanceOf 返回指定身份的余额。
func (l *MemoryLedger) BalanceOf(_ context.Context, id identity.Identity) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id], nil
}

// ensure interface compliance at compile time
var (
	_ Ledger        = (*MemoryLedger)(nil)
	_ BalanceReader = (*MemoryLedger)(nil)
)
