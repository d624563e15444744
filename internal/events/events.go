// Package events 定义核心状态变更事件流。
//
// 每个成功的变更操作都会发布一条事件；事件是通知而非事实来源，订阅者
// 的失败不会影响已提交的操作。
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentMesh/internal/identity"
	"AgentMesh/pkg/logger"
)

// Type 标识事件类别。
type Type string

// 核心事件类别。
const (
	TypeAgentRegistered      Type = "AgentRegistered"
	TypeAgentStatusChanged   Type = "AgentStatusChanged"
	TypeAgentReward          Type = "AgentReward"
	TypeConnected            Type = "Connected"
	TypeDisconnected         Type = "Disconnected"
	TypeTaskCreated          Type = "TaskCreated"
	TypeTaskAssigned         Type = "TaskAssigned"
	TypeTaskCompleted        Type = "TaskCompleted"
	TypeTaskFailed           Type = "TaskFailed"
	TypeTaskCancelled        Type = "TaskCancelled"
	TypePartitionMessageSent Type = "PartitionMessageSent"
)

// Event 描述一次已提交的状态变更。
type Event struct {
	Type       Type              `json:"type"`
	Actor      identity.Identity `json:"actor,omitempty"`
	AgentID    uint64            `json:"agent_id,omitempty"`
	TaskID     uint64            `json:"task_id,omitempty"`
	Partition  string            `json:"partition,omitempty"`
	Amount     uint64            `json:"amount,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink 消费事件。实现必须可以安全地并发调用。
type Sink interface {
	Name() string
	Consume(ctx context.Context, event Event) error
}

// Bus 接收核心组件发布的事件。
type Bus interface {
	Publish(ctx context.Context, event Event)
}

// SinkFunc 将函数适配为 Sink。
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, event Event) error
}

// Name 返回 Sink 名称。
func (s SinkFunc) Name() string { return s.SinkName }

// Consume 调用底层函数。
func (s SinkFunc) Consume(ctx context.Context, event Event) error {
	if s.Fn == nil {
		return nil
	}
	return s.Fn(ctx, event)
}

// FanoutBus 将事件广播给全部订阅者，订阅者失败仅记录日志。
type FanoutBus struct {
	sinks []Sink
}

// NewFanout 创建 FanoutBus。
func NewFanout(sinks ...Sink) *FanoutBus {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &FanoutBus{sinks: kept}
}

// Publish 实现 Bus 接口。
func (b *FanoutBus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	for _, sink := range b.sinks {
		if err := sink.Consume(ctx, event); err != nil {
			logger.L().Error("事件订阅者处理失败",
				slog.Any("error", err),
				slog.String("sink", sink.Name()),
				slog.String("event", string(event.Type)),
			)
		}
	}
}

// NopBus 丢弃全部事件，用于测试。
type NopBus struct{}

// Publish 实现 Bus 接口。
func (NopBus) Publish(context.Context, Event) {}

// LogSink 将事件写入审计日志。
type LogSink struct{}

// Name 返回 Sink 名称。
func (LogSink) Name() string { return "audit_log" }

// Consume 记录审计日志。
func (LogSink) Consume(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("event", string(event.Type)),
		slog.String("actor", event.Actor.String()),
	}
	if event.AgentID != 0 {
		attrs = append(attrs, slog.Uint64("agent_id", event.AgentID))
	}
	if event.TaskID != 0 {
		attrs = append(attrs, slog.Uint64("task_id", event.TaskID))
	}
	if event.Partition != "" {
		attrs = append(attrs, slog.String("partition", event.Partition))
	}
	if event.Amount != 0 {
		attrs = append(attrs, slog.Uint64("amount", event.Amount))
	}
	for k, v := range event.Detail {
		attrs = append(attrs, slog.String(fmt.Sprintf("detail_%s", k), v))
	}
	logger.Audit().Info("state_change", attrs...)
	return nil
}

// ensure interface compliance at compile time
var (
	_ Bus  = (*FanoutBus)(nil)
	_ Bus  = NopBus{}
	_ Sink = LogSink{}
	_ Sink = SinkFunc{}
)
