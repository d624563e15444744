// Package relay 实现跨分区消息中继。
//
// 中继只做三件事：校验、编码、最后一跳转发。可靠性由外部传输层负责：
// 出站是即发即忘的单次投递，入站失败不重试也不进入死信。
package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/guard"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"

	"github.com/google/uuid"
)

// Catalog 是中继对目录的只读依赖，用于校验智能体归属。
type Catalog interface {
	OwnerOf(agentID uint64) (identity.Identity, error)
}

// Relay 维护分区允许列表、智能体的分区注册与本地处理函数，并在出站
// 时为每个目标分区维护单调递增的 nonce。
type Relay struct {
	mu sync.Mutex

	catalog   Catalog
	transport Transport
	bus       events.Bus
	operator  identity.Identity
	trusted   identity.Identity
	now       func() time.Time

	// 可选的费用托管。未配置时传输费仅随信封传递给传输层。
	escrow    ledger.Ledger
	collector identity.Identity

	partitions    map[string]struct{}
	registrations map[uint64]map[string]*Registration
	handlers      map[uint64]Handler
	nonces        map[string]uint64
}

// Option 定义可选的中继配置。
type Option func(*Relay)

// WithEventBus 配置状态变更事件的发布目标。
func WithEventBus(bus events.Bus) Option {
	return func(r *Relay) {
		r.bus = bus
	}
}

// WithClock 替换时间源，仅供测试使用。
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPartitions 预置分区允许列表，等价于操作员逐个调用
// AddSupportedPartition。
func WithPartitions(ids ...string) Option {
	return func(r *Relay) {
		for _, id := range ids {
			if id != "" {
				r.partitions[id] = struct{}{}
			}
		}
	}
}

// WithFeeCollection 启用传输费托管：发送时从调用者账户划转到 collector。
func WithFeeCollection(escrow ledger.Ledger, collector identity.Identity) Option {
	return func(r *Relay) {
		r.escrow = escrow
		r.collector = collector
	}
}

// New 创建跨分区中继。trusted 是唯一被允许调用 ReceiveMessage 的传输
// 身份。
func New(catalog Catalog, transport Transport, operator, trusted identity.Identity, opts ...Option) *Relay {
	r := &Relay{
		catalog:       catalog,
		transport:     transport,
		bus:           events.NopBus{},
		operator:      operator,
		trusted:       trusted,
		now:           time.Now,
		partitions:    make(map[string]struct{}),
		registrations: make(map[uint64]map[string]*Registration),
		handlers:      make(map[uint64]Handler),
		nonces:        make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterAgent 记录或覆盖智能体在指定分区上的本地地址，并刷新同步
// 时间戳。每个 (agent, partition) 组合只保留一条记录。
func (r *Relay) RegisterAgent(ctx context.Context, caller identity.Identity, agentID uint64, partitionID, localAddress string) error {
	_, err := guard.Enter(ctx, guard.ClassRelay)
	if err != nil {
		return err
	}
	if partitionID == "" {
		return xerrors.New(xerrors.CodeValidation, "分区标识不能为空")
	}
	if localAddress == "" {
		return xerrors.New(xerrors.CodeValidation, "本地地址不能为空")
	}
	if err := r.requireOwner(caller, agentID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partitions[partitionID]; !ok {
		return ErrPartitionUnsupported
	}
	byPartition := r.registrations[agentID]
	if byPartition == nil {
		byPartition = make(map[string]*Registration)
		r.registrations[agentID] = byPartition
	}
	byPartition[partitionID] = &Registration{
		AgentID:     agentID,
		PartitionID: partitionID,
		Address:     localAddress,
		IsActive:    true,
		LastSync:    r.now().Unix(),
	}
	return nil
}

// BindHandler 为智能体绑定入站消息的本地处理函数。只有所有者可以绑定，
// 重复绑定覆盖旧值。
func (r *Relay) BindHandler(ctx context.Context, caller identity.Identity, agentID uint64, handler Handler) error {
	_, err := guard.Enter(ctx, guard.ClassRelay)
	if err != nil {
		return err
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeValidation, "处理函数不能为空")
	}
	if err := r.requireOwner(caller, agentID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agentID] = handler
	return nil
}

// SendMessage 构造信封并交给传输层，返回信封的消息编号。投递是即发
// 即忘的：返回 nil 只代表传输层已接收，不代表对端已处理。
func (r *Relay) SendMessage(ctx context.Context, caller identity.Identity, sourceAgent uint64, targetPartition string, targetAgent uint64, payload []byte, fee uint64) (string, error) {
	ctx, err := guard.Enter(ctx, guard.ClassRelay)
	if err != nil {
		return "", err
	}
	if targetPartition == "" {
		return "", xerrors.New(xerrors.CodeValidation, "目标分区不能为空")
	}
	if targetAgent == 0 {
		return "", xerrors.New(xerrors.CodeValidation, "目标智能体编号不能为空")
	}
	if len(payload) == 0 {
		return "", xerrors.New(xerrors.CodeValidation, "消息负载不能为空")
	}
	if err := r.requireOwner(caller, sourceAgent); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partitions[targetPartition]; !ok {
		return "", ErrPartitionUnsupported
	}
	if len(r.registrations[sourceAgent]) == 0 {
		return "", ErrNotRegistered
	}

	env := Envelope{
		MessageID:   uuid.NewString(),
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
		PartitionID: targetPartition,
		Payload:     append([]byte(nil), payload...),
		Timestamp:   r.now().Unix(),
		Nonce:       r.nonces[targetPartition] + 1,
	}

	// 先以授权额度划转传输费再投递；投递失败时退回，保证零部分效果。
	if r.escrow != nil && fee > 0 {
		if err := r.escrow.TransferFrom(ctx, caller, r.collector, fee); err != nil {
			return "", xerrors.Wrap(xerrors.CodeEscrow, err, "划转传输费失败")
		}
	}
	if err := r.transport.Dispatch(ctx, env, fee); err != nil {
		if r.escrow != nil && fee > 0 {
			_ = r.escrow.Transfer(ctx, r.collector, caller, fee)
		}
		return "", xerrors.Wrap(xerrors.CodeDelivery, err, "传输层拒绝投递")
	}
	r.nonces[targetPartition] = env.Nonce

	r.publish(ctx, events.Event{
		Type:      events.TypePartitionMessageSent,
		Actor:     caller,
		AgentID:   sourceAgent,
		Partition: targetPartition,
		Amount:    fee,
		Detail: map[string]string{
			"message_id": env.MessageID,
		},
	})
	return env.MessageID, nil
}

// ReceiveMessage 处理入站信封。只有受信任的传输身份可以调用；目标智能
// 体的本地处理函数缺失或执行失败时整个接收操作失败，不做重试。
func (r *Relay) ReceiveMessage(ctx context.Context, caller identity.Identity, sourcePartition string, env Envelope) error {
	ctx, err := guard.Enter(ctx, guard.ClassRelay)
	if err != nil {
		return err
	}
	if !caller.Equal(r.trusted) {
		return ErrUntrustedTransport
	}
	if sourcePartition == "" {
		return xerrors.New(xerrors.CodeValidation, "源分区不能为空")
	}

	r.mu.Lock()
	handler := r.handlers[env.TargetAgent]
	r.mu.Unlock()

	if handler == nil {
		return xerrors.Wrap(xerrors.CodeDelivery, ErrDelivery, "目标智能体未绑定处理函数",
			xerrors.WithMetadata("target_agent", strconv.FormatUint(env.TargetAgent, 10)))
	}
	// 处理函数在锁外执行。上下文已带中继类别标记，处理函数回调中继
	// 的任何变更操作都会以 REENTRANT_CALL 被拒绝。
	if err := handler(ctx, env.SourceAgent, sourcePartition, env.Payload); err != nil {
		return xerrors.Wrap(xerrors.CodeDelivery, err, "目标处理函数执行失败",
			xerrors.WithMetadata("target_agent", strconv.FormatUint(env.TargetAgent, 10)),
			xerrors.WithMetadata("message_id", env.MessageID))
	}
	return nil
}

// AddSupportedPartition 将分区加入允许列表。仅操作员可调用，重复添加
// 幂等。
func (r *Relay) AddSupportedPartition(ctx context.Context, caller identity.Identity, partitionID string) error {
	_, err := guard.Enter(ctx, guard.ClassRelay)
	if err != nil {
		return err
	}
	if !caller.Equal(r.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以管理分区允许列表")
	}
	if partitionID == "" {
		return xerrors.New(xerrors.CodeValidation, "分区标识不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions[partitionID] = struct{}{}
	return nil
}

// SupportedPartitions 返回允许列表的快照，顺序不保证。
func (r *Relay) SupportedPartitions(_ context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.partitions))
	for id := range r.partitions {
		result = append(result, id)
	}
	return result
}

// Registrations 返回智能体全部分区注册记录的快照。
func (r *Relay) Registrations(_ context.Context, agentID uint64) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPartition := r.registrations[agentID]
	result := make([]*Registration, 0, len(byPartition))
	for _, reg := range byPartition {
		result = append(result, reg.clone())
	}
	return result
}

// RegistrationOf 返回智能体在指定分区上的注册记录。
func (r *Relay) RegistrationOf(_ context.Context, agentID uint64, partitionID string) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.registrations[agentID][partitionID]
	if reg == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "分区注册记录不存在",
			xerrors.WithMetadata("agent_id", strconv.FormatUint(agentID, 10)),
			xerrors.WithMetadata("partition_id", partitionID))
	}
	return reg.clone(), nil
}

func (r *Relay) requireOwner(caller identity.Identity, agentID uint64) error {
	if caller.IsZero() {
		return xerrors.New(xerrors.CodeUnauthorized, "操作需要调用者身份")
	}
	owner, err := r.catalog.OwnerOf(agentID)
	if err != nil {
		return err
	}
	if !owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "调用者不是该智能体的所有者")
	}
	return nil
}

// publish 同步发布事件。订阅者不得回调中继。
func (r *Relay) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = r.now()
	r.bus.Publish(ctx, event)
}

var _ Receiver = (*Relay)(nil)
