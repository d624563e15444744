// Package ledger 定义核心组件用于托管与结算的价值账本接口。
//
// 账本是外部协作者：目录和市场只依赖这里的接口，转账要么完整生效要么
// 完全不生效，绝不部分应用。
package ledger

import (
	"context"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
)

// 账本相关错误码。
const (
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeTransferRejected  xerrors.Code = "LEDGER_TRANSFER_REJECTED"
)

var (
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrTransferRejected 表示底层账本拒绝了本次转账。
	ErrTransferRejected = xerrors.New(CodeTransferRejected, "transfer rejected")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTransferRejected, xerrors.Attributes{
		Message:  "transfer rejected by ledger",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Ledger 是价值转移的最小接口。两个方法都必须原子生效：失败时不得留下
// 任何部分转账。
type Ledger interface {
	// Transfer 从 from 转移 amount 到 to。
	Transfer(ctx context.Context, from, to identity.Identity, amount uint64) error
	// TransferFrom 以 payer 的授权额度向 payee 转账。
	TransferFrom(ctx context.Context, payer, payee identity.Identity, amount uint64) error
}

// BalanceReader 由支持余额查询的账本实现。
type BalanceReader interface {
	BalanceOf(ctx context.Context, id identity.Identity) (uint64, error)
}
