package metrics

import (
	"context"

	"AgentMesh/internal/events"
)

// EventSink 将核心事件计入 agentmesh_events_total 计数器。
type EventSink struct{}

// Name 返回 Sink 名称。
func (EventSink) Name() string { return "metrics" }

// Consume 按事件类别累加计数。
func (EventSink) Consume(_ context.Context, event events.Event) error {
	CountEvent(string(event.Type))
	return nil
}

var _ events.Sink = EventSink{}
