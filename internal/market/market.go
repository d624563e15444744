// Package market 实现任务市场：创建带托管奖励的任务、按能力匹配分配、
// 驱动任务状态机并结算或退还托管。
//
// 状态机：Open →assign→ Assigned →start→ InProgress →complete→ Completed；
// InProgress →fail→ Failed；Assigned/InProgress →expire→ Failed；
// Open →cancel→ Cancelled。Completed/Failed/Cancelled 为终态。
package market

import (
	"context"
	"sync"
	"time"

	"AgentMesh/internal/directory"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/guard"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
)

// Catalog 是市场在分配相关操作中需要的目录读取能力。
type Catalog interface {
	OwnerOf(agentID uint64) (identity.Identity, error)
	StatusOf(agentID uint64) (directory.Status, error)
	CapabilitiesOf(agentID uint64) ([]string, error)
}

// Market 维护任务记录的追加式存储与托管结算。
type Market struct {
	mu sync.Mutex

	escrow   ledger.Ledger
	catalog  Catalog
	bus      events.Bus
	operator identity.Identity
	vault    identity.Identity
	now      func() time.Time

	minReward uint64
	paused    bool

	nextID         uint64
	tasks          map[uint64]*Task
	byAgent        map[uint64][]uint64
	completedTasks uint64
}

// Option 定义可选的市场配置。
type Option func(*Market)

// WithMinReward 设置任务奖励的下限。
func WithMinReward(min uint64) Option {
	return func(m *Market) {
		m.minReward = min
	}
}

// WithEventBus 配置状态变更事件的发布目标。
func WithEventBus(bus events.Bus) Option {
	return func(m *Market) {
		m.bus = bus
	}
}

// WithClock 替换时间源，仅供测试使用。
func WithClock(now func() time.Time) Option {
	return func(m *Market) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建任务市场。vault 是市场托管奖励所使用的账户，奖励在任务
// 进入终态前由它持有，不属于任何一方。
func New(escrow ledger.Ledger, catalog Catalog, operator, vault identity.Identity, opts ...Option) *Market {
	m := &Market{
		escrow:   escrow,
		catalog:  catalog,
		bus:      events.NopBus{},
		operator: operator,
		vault:    vault,
		now:      time.Now,
		nextID:   1,
		tasks:    make(map[uint64]*Task),
		byAgent:  make(map[uint64][]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateTask 创建任务并托管奖励，返回单调递增的任务编号。
func (m *Market) CreateTask(ctx context.Context, caller identity.Identity, req CreateRequest) (uint64, error) {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return 0, err
	}
	if caller.IsZero() {
		return 0, xerrors.New(xerrors.CodeUnauthorized, "创建任务需要调用者身份")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return 0, ErrMarketPaused
	}
	if req.Description == "" {
		return 0, xerrors.New(xerrors.CodeValidation, "任务描述不能为空")
	}
	if len(req.RequiredCapabilities) == 0 {
		return 0, xerrors.New(xerrors.CodeValidation, "任务能力需求不能为空")
	}
	if req.Reward < m.minReward {
		return 0, xerrors.New(xerrors.CodeValidation, "奖励低于市场最低限额")
	}
	now := m.now()
	if req.Deadline <= now.Unix() {
		return 0, xerrors.New(xerrors.CodeValidation, "截止时间必须严格晚于当前时间")
	}

	// 校验全部通过后托管奖励；托管失败时市场状态零改动。
	if err := m.escrow.TransferFrom(ctx, caller, m.vault, req.Reward); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeEscrow, err, "托管任务奖励失败")
	}

	id := m.nextID
	m.nextID++
	m.tasks[id] = &Task{
		ID:                   id,
		Creator:              caller,
		Description:          req.Description,
		RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		Reward:               req.Reward,
		Deadline:             req.Deadline,
		Status:               StatusOpen,
		CreationTime:         now.Unix(),
	}

	m.publish(ctx, events.Event{
		Type:   events.TypeTaskCreated,
		Actor:  caller,
		TaskID: id,
		Amount: req.Reward,
	})
	return id, nil
}

// AssignTask 将处于 Open 状态的任务分配给调用者拥有的智能体。分配
// 要求智能体 Active 且能力集完整覆盖任务需求（按值精确比较）。
func (m *Market) AssignTask(ctx context.Context, caller identity.Identity, taskID, agentID uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusOpen {
		return xerrors.New(xerrors.CodeInvalidState, "只有 Open 状态的任务可以被分配")
	}
	if m.now().Unix() >= task.Deadline {
		return ErrDeadlinePassed
	}

	owner, err := m.catalog.OwnerOf(agentID)
	if err != nil {
		return err
	}
	if !owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有智能体所有者可以接受任务")
	}
	status, err := m.catalog.StatusOf(agentID)
	if err != nil {
		return err
	}
	if status != directory.StatusActive {
		return xerrors.New(xerrors.CodeInvalidState, "智能体必须处于 Active 状态")
	}
	capabilities, err := m.catalog.CapabilitiesOf(agentID)
	if err != nil {
		return err
	}
	if !covers(capabilities, task.RequiredCapabilities) {
		return ErrCapabilityMismatch
	}

	task.Status = StatusAssigned
	task.AssignedAgent = agentID
	m.byAgent[agentID] = append(m.byAgent[agentID], taskID)

	m.publish(ctx, events.Event{
		Type:    events.TypeTaskAssigned,
		Actor:   caller,
		TaskID:  taskID,
		AgentID: agentID,
	})
	return nil
}

// StartTask 将已分配的任务置为执行中。
func (m *Market) StartTask(ctx context.Context, caller identity.Identity, taskID uint64) error {
	_, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusAssigned {
		return xerrors.New(xerrors.CodeInvalidState, "只有 Assigned 状态的任务可以开始执行")
	}
	if m.now().Unix() >= task.Deadline {
		return ErrDeadlinePassed
	}
	if err := m.requireAssigneeOwner(task, caller); err != nil {
		return err
	}

	task.Status = StatusInProgress
	return nil
}

// CompleteTask 结束执行并向调用者支付托管奖励。支付失败时整个操作
// 失败，任务状态不会前进。
func (m *Market) CompleteTask(ctx context.Context, caller identity.Identity, taskID uint64, result string) error {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusInProgress {
		return xerrors.New(xerrors.CodeInvalidState, "只有 InProgress 状态的任务可以完成")
	}
	if m.now().Unix() >= task.Deadline {
		return ErrDeadlinePassed
	}
	if err := m.requireAssigneeOwner(task, caller); err != nil {
		return err
	}

	if err := m.escrow.Transfer(ctx, m.vault, caller, task.Reward); err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, "支付任务奖励失败")
	}

	task.Result = result
	task.CompletionTime = m.now().Unix()
	task.Status = StatusCompleted
	m.completedTasks++

	m.publish(ctx, events.Event{
		Type:    events.TypeTaskCompleted,
		Actor:   caller,
		TaskID:  taskID,
		AgentID: task.AssignedAgent,
		Amount:  task.Reward,
	})
	return nil
}

// FailTask 由执行方主动报告失败，托管奖励全额退还创建者。
func (m *Market) FailTask(ctx context.Context, caller identity.Identity, taskID uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusInProgress {
		return xerrors.New(xerrors.CodeInvalidState, "只有 InProgress 状态的任务可以报告失败")
	}
	if err := m.requireAssigneeOwner(task, caller); err != nil {
		return err
	}

	if err := m.escrow.Transfer(ctx, m.vault, task.Creator, task.Reward); err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, "退还任务奖励失败")
	}
	task.Status = StatusFailed

	m.publish(ctx, events.Event{
		Type:    events.TypeTaskFailed,
		Actor:   caller,
		TaskID:  taskID,
		AgentID: task.AssignedAgent,
		Amount:  task.Reward,
	})
	return nil
}

// CancelTask 由创建者撤销尚未分配的任务并取回托管奖励。
func (m *Market) CancelTask(ctx context.Context, caller identity.Identity, taskID uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if !task.Creator.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有任务创建者可以撤销任务")
	}
	if task.Status != StatusOpen {
		return xerrors.New(xerrors.CodeInvalidState, "任务分配后不可撤销")
	}

	if err := m.escrow.Transfer(ctx, m.vault, task.Creator, task.Reward); err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, "退还任务奖励失败")
	}
	task.Status = StatusCancelled

	m.publish(ctx, events.Event{
		Type:   events.TypeTaskCancelled,
		Actor:  caller,
		TaskID: taskID,
		Amount: task.Reward,
	})
	return nil
}

// HandleExpired 由操作员手工清理超过截止时间的 Assigned/InProgress
// 任务。这是僵死任务唯一的恢复路径，系统不做自动扫描。
func (m *Market) HandleExpired(ctx context.Context, caller identity.Identity, taskID uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassMarket)
	if err != nil {
		return err
	}
	if !caller.Equal(m.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以清理过期任务")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return ErrMarketPaused
	}
	task, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusAssigned && task.Status != StatusInProgress {
		return xerrors.New(xerrors.CodeInvalidState, "只有 Assigned/InProgress 状态的任务可以过期清理")
	}
	if m.now().Unix() < task.Deadline {
		return xerrors.New(xerrors.CodeInvalidState, "任务尚未到达截止时间")
	}

	if err := m.escrow.Transfer(ctx, m.vault, task.Creator, task.Reward); err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, "退还任务奖励失败")
	}
	task.Status = StatusFailed

	m.publish(ctx, events.Event{
		Type:    events.TypeTaskFailed,
		Actor:   caller,
		TaskID:  taskID,
		AgentID: task.AssignedAgent,
		Amount:  task.Reward,
		Detail:  map[string]string{"reason": "expired"},
	})
	return nil
}

// SetMinReward 由操作员调整奖励下限。
func (m *Market) SetMinReward(_ context.Context, caller identity.Identity, min uint64) error {
	if !caller.Equal(m.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以调整奖励下限")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minReward = min
	return nil
}

// Pause 暂停全部变更操作。
func (m *Market) Pause(_ context.Context, caller identity.Identity) error {
	return m.setPaused(caller, true)
}

// Unpause 恢复变更操作。
func (m *Market) Unpause(_ context.Context, caller identity.Identity) error {
	return m.setPaused(caller, false)
}

func (m *Market) setPaused(caller identity.Identity, paused bool) error {
	if !caller.Equal(m.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以暂停或恢复市场")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

// Get 返回任务记录的拷贝。
func (m *Market) Get(_ context.Context, taskID uint64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return task.clone(), nil
}

// AgentTasks 返回分配给某个智能体的任务编号列表。
func (m *Market) AgentTasks(_ context.Context, agentID uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.byAgent[agentID]...)
}

// Stats 返回任务状态的统计信息。
func (m *Market) Stats(_ context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{CompletedTasks: m.completedTasks}
	for _, task := range m.tasks {
		stats.Total++
		switch task.Status {
		case StatusOpen:
			stats.Open++
		case StatusAssigned:
			stats.Assigned++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// requireAssigneeOwner 校验调用者拥有任务当前的受派智能体。
func (m *Market) requireAssigneeOwner(task *Task, caller identity.Identity) error {
	owner, err := m.catalog.OwnerOf(task.AssignedAgent)
	if err != nil {
		return err
	}
	if !owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有受派智能体的所有者可以推进任务")
	}
	return nil
}

// lookup 校验编号范围并返回内部记录。调用方必须持有 m.mu。
func (m *Market) lookup(taskID uint64) (*Task, error) {
	if taskID == 0 || taskID >= m.nextID {
		return nil, ErrTaskNotFound
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// covers 判断能力集是否覆盖全部需求，比较按值精确相等。
func covers(capabilities, required []string) bool {
	if len(required) == 0 {
		return false
	}
	owned := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		owned[capability] = struct{}{}
	}
	for _, need := range required {
		if _, ok := owned[need]; !ok {
			return false
		}
	}
	return true
}

// publish 同步广播事件。订阅者不得回读市场，否则会在锁上自我死锁。
func (m *Market) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, event)
}
