package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"AgentMesh/internal/identity"
	"AgentMesh/pkg/logger"
)

// MemoryTransport 是进程内回环传输，用于测试与单进程部署。信封经过一
// 次 JSON 编解码往返，保证与跨进程传输相同的线路语义。投递在独立的
// goroutine 中异步完成，与跨进程传输一样即发即忘。
type MemoryTransport struct {
	mu        sync.Mutex
	partition string
	trusted   identity.Identity
	receivers map[string]Receiver
}

// NewMemoryTransport 创建回环传输。partition 是本节点所在的分区，作为
// 入站回调的源分区传入。
func NewMemoryTransport(partition string, trusted identity.Identity) *MemoryTransport {
	return &MemoryTransport{
		partition: partition,
		trusted:   trusted,
		receivers: make(map[string]Receiver),
	}
}

// Bind 注册某个分区的接收端。重复绑定覆盖旧值。
func (t *MemoryTransport) Bind(partition string, receiver Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[partition] = receiver
}

// Name 实现 Transport 接口。
func (t *MemoryTransport) Name() string { return "memory" }

// Dispatch 实现 Transport 接口。目标分区未绑定接收端时返回错误；接收
// 端的处理结果不回传给发送方，失败仅记录日志。
func (t *MemoryTransport) Dispatch(_ context.Context, env Envelope, _ uint64) error {
	t.mu.Lock()
	receiver := t.receivers[env.PartitionID]
	t.mu.Unlock()
	if receiver == nil {
		return fmt.Errorf("分区 %s 没有绑定接收端", env.PartitionID)
	}

	frame := Frame{SourcePartition: t.partition, Envelope: env}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("编码信封失败: %w", err)
	}
	// 回调使用全新上下文，不携带发送方的调用链标记。
	go func() {
		var decoded Frame
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			logger.L().Error("回环传输解码信封失败", slog.Any("error", err))
			return
		}
		if err := receiver.ReceiveMessage(context.Background(), t.trusted, decoded.SourcePartition, decoded.Envelope); err != nil {
			logger.L().Error("回环传输投递失败",
				slog.Any("error", err),
				slog.String("message_id", decoded.Envelope.MessageID),
				slog.String("partition", decoded.Envelope.PartitionID),
			)
		}
	}()
	return nil
}

// Close 实现 Transport 接口。
func (t *MemoryTransport) Close() error { return nil }

var _ Transport = (*MemoryTransport)(nil)
