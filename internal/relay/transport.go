package relay

import (
	"context"

	"AgentMesh/internal/identity"
)

// Envelope 是跨分区传输的消息信封。Nonce 按目标分区单调递增，用于接收
// 侧区分重复；信封本身不被持久化。
type Envelope struct {
	MessageID   string `json:"message_id"`
	SourceAgent uint64 `json:"source_agent"`
	TargetAgent uint64 `json:"target_agent"`
	PartitionID string `json:"partition_id"`
	Payload     []byte `json:"payload"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       uint64 `json:"nonce"`
}

// Frame 是信封在线路上的封装，附带发送方所在的分区。
type Frame struct {
	SourcePartition string   `json:"source_partition"`
	Envelope        Envelope `json:"envelope"`
}

// Transport 将信封投递到目标分区。投递是即发即忘：Dispatch 返回 nil 只
// 代表信封已交给传输层，不代表对端已处理。
type Transport interface {
	// Name 返回传输实现的名称，用于日志与配置。
	Name() string
	// Dispatch 携带传输费用投递一个信封。
	Dispatch(ctx context.Context, env Envelope, fee uint64) error
	// Close 释放传输持有的连接资源。
	Close() error
}

// Receiver 是传输层回调入站消息的入口，由 Relay 实现。
type Receiver interface {
	ReceiveMessage(ctx context.Context, caller identity.Identity, sourcePartition string, env Envelope) error
}
