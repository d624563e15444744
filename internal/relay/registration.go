package relay

import (
	"context"

	xerrors "AgentMesh/internal/errors"
)

// Registration 记录智能体在某个分区上的本地地址。每个 (agent, partition)
// 组合至多一条记录，重复注册覆盖旧值。
type Registration struct {
	AgentID     uint64 `json:"agent_id"`
	PartitionID string `json:"partition_id"`
	Address     string `json:"address"`
	IsActive    bool   `json:"is_active"`
	LastSync    int64  `json:"last_sync"`
}

// clone 返回注册记录的拷贝。
func (r *Registration) clone() *Registration {
	if r == nil {
		return nil
	}
	copied := *r
	return &copied
}

// Handler 是入站消息的最后一跳。订阅方按智能体编号绑定处理函数，投递
// 时收到 (源智能体, 源分区, 原始负载)。
type Handler func(ctx context.Context, sourceAgent uint64, sourcePartition string, payload []byte) error

var (
	// ErrPartitionUnsupported 表示目标分区不在允许列表中。
	ErrPartitionUnsupported = xerrors.New(xerrors.CodeValidation, "partition is not supported")
	// ErrNotRegistered 表示源智能体没有任何分区注册记录。
	ErrNotRegistered = xerrors.New(xerrors.CodeInvalidState, "agent has no partition registration")
	// ErrUntrustedTransport 表示调用方不是受信任的传输身份。
	ErrUntrustedTransport = xerrors.New(xerrors.CodeUnauthorized, "caller is not the trusted transport")
	// ErrDelivery 表示入站消息未能送达目标智能体的本地处理函数。
	// 投递是单次尝试，失败不重试也不进入死信。
	ErrDelivery = xerrors.New(xerrors.CodeDelivery, "message delivery failed")
)
