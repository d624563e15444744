// Package directory 实现智能体目录：注册、状态管理、连接图与奖励累计。
//
// 所有公开操作全串行执行：一次只有一个变更操作持有目录锁，校验全部
// 通过之后才发生任何改动，价值转账失败时操作整体失败、状态零改动。
package directory

import (
	"context"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/internal/guard"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
)

// Directory 维护智能体记录的追加式存储与全局计数。
type Directory struct {
	mu sync.Mutex

	escrow   ledger.Ledger
	bus      events.Bus
	operator identity.Identity
	treasury identity.Identity

	deploymentFee uint64
	paused        bool

	nextID  uint64
	agents  map[uint64]*Agent
	names   map[string]uint64
	owners  map[identity.Identity][]uint64
	network map[uint64][]uint64

	totalAgents  uint64
	activeAgents uint64
}

// Option 定义可选的目录配置。
type Option func(*Directory)

// WithDeploymentFee 设置注册时收取的固定部署费。
func WithDeploymentFee(fee uint64) Option {
	return func(d *Directory) {
		d.deploymentFee = fee
	}
}

// WithEventBus 配置状态变更事件的发布目标。
func WithEventBus(bus events.Bus) Option {
	return func(d *Directory) {
		d.bus = bus
	}
}

// New 创建目录。operator 是唯一的特权身份，treasury 是目录自身收取
// 部署费、发放奖励所使用的账户。
func New(escrow ledger.Ledger, operator, treasury identity.Identity, opts ...Option) *Directory {
	d := &Directory{
		escrow:   escrow,
		bus:      events.NopBus{},
		operator: operator,
		treasury: treasury,
		nextID:   1,
		agents:   make(map[uint64]*Agent),
		names:    make(map[string]uint64),
		owners:   make(map[identity.Identity][]uint64),
		network:  make(map[uint64][]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register 注册一个新的智能体并返回其单调递增的编号。
func (d *Directory) Register(ctx context.Context, caller identity.Identity, req RegisterRequest) (uint64, error) {
	ctx, err := guard.Enter(ctx, guard.ClassDirectory)
	if err != nil {
		return 0, err
	}
	if caller.IsZero() {
		return 0, xerrors.New(xerrors.CodeUnauthorized, "注册需要调用者身份")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return 0, ErrPaused
	}
	if req.Name == "" {
		return 0, xerrors.New(xerrors.CodeValidation, "智能体名称不能为空")
	}
	if _, taken := d.names[req.Name]; taken {
		return 0, ErrNameTaken
	}
	if req.AutonomyLevel < 0 || req.AutonomyLevel > 1000 {
		return 0, xerrors.New(xerrors.CodeValidation, "autonomy level 必须位于 [0,1000]")
	}
	if len(req.Capabilities) == 0 {
		return 0, xerrors.New(xerrors.CodeValidation, "能力列表不能为空")
	}

	// 校验全部通过后才允许收费；收费失败时目录状态零改动。
	if d.deploymentFee > 0 {
		if err := d.escrow.TransferFrom(ctx, caller, d.treasury, d.deploymentFee); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeEscrow, err, "收取部署费失败")
		}
	}

	id := d.nextID
	d.nextID++
	agent := &Agent{
		ID:              id,
		Owner:           caller,
		Name:            req.Name,
		Description:     req.Description,
		Capabilities:    append([]string(nil), req.Capabilities...),
		AutonomyLevel:   req.AutonomyLevel,
		RewardThreshold: req.RewardThreshold,
		DeploymentTime:  time.Now().Unix(),
		Status:          StatusActive,
		MetadataURI:     req.MetadataURI,
	}
	d.agents[id] = agent
	d.names[req.Name] = id
	d.owners[caller] = append(d.owners[caller], id)
	d.totalAgents++
	d.activeAgents++

	d.publish(ctx, events.Event{
		Type:    events.TypeAgentRegistered,
		Actor:   caller,
		AgentID: id,
		Amount:  d.deploymentFee,
		Detail:  map[string]string{"name": req.Name},
	})
	return id, nil
}

// Connect 在两个智能体之间建立有向连接。要求调用者拥有 fromAgent，
// 且两端都处于 Active 状态。
func (d *Directory) Connect(ctx context.Context, caller identity.Identity, fromAgent, toAgent uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassDirectory)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return ErrPaused
	}
	if fromAgent == toAgent {
		return xerrors.New(xerrors.CodeValidation, "不允许自环连接")
	}
	from, err := d.lookup(fromAgent)
	if err != nil {
		return err
	}
	to, err := d.lookup(toAgent)
	if err != nil {
		return err
	}
	if !from.Owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有 fromAgent 的所有者可以建立连接")
	}
	if from.Status != StatusActive || to.Status != StatusActive {
		return xerrors.New(xerrors.CodeInvalidState, "连接两端必须处于 Active 状态")
	}
	for _, peer := range d.network[fromAgent] {
		if peer == toAgent {
			return ErrAlreadyConnected
		}
	}

	d.network[fromAgent] = append(d.network[fromAgent], toAgent)

	d.publish(ctx, events.Event{
		Type:    events.TypeConnected,
		Actor:   caller,
		AgentID: fromAgent,
		Detail:  map[string]string{"to_agent": formatID(toAgent)},
	})
	return nil
}

// Disconnect 移除有向连接。删除采用与末位交换后截断的方式，剩余边的
// 顺序不保证。
func (d *Directory) Disconnect(ctx context.Context, caller identity.Identity, fromAgent, toAgent uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassDirectory)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return ErrPaused
	}
	from, err := d.lookup(fromAgent)
	if err != nil {
		return err
	}
	if _, err := d.lookup(toAgent); err != nil {
		return err
	}
	if !from.Owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有 fromAgent 的所有者可以断开连接")
	}

	peers := d.network[fromAgent]
	idx := -1
	for i, peer := range peers {
		if peer == toAgent {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotConnected
	}
	peers[idx] = peers[len(peers)-1]
	d.network[fromAgent] = peers[:len(peers)-1]

	d.publish(ctx, events.Event{
		Type:    events.TypeDisconnected,
		Actor:   caller,
		AgentID: fromAgent,
		Detail:  map[string]string{"to_agent": formatID(toAgent)},
	})
	return nil
}

// SetStatus 更新智能体状态。任意状态间的转换都是允许的，这是有意保留
// 的宽松策略；只有进出 Active 会调整活跃计数。
func (d *Directory) SetStatus(ctx context.Context, caller identity.Identity, agentID uint64, status Status) error {
	ctx, err := guard.Enter(ctx, guard.ClassDirectory)
	if err != nil {
		return err
	}
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeValidation, "未知的智能体状态")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return ErrPaused
	}
	agent, err := d.lookup(agentID)
	if err != nil {
		return err
	}
	if !agent.Owner.Equal(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有所有者可以修改状态")
	}

	previous := agent.Status
	if previous == StatusActive && status != StatusActive {
		d.activeAgents--
	} else if previous != StatusActive && status == StatusActive {
		d.activeAgents++
	}
	agent.Status = status

	d.publish(ctx, events.Event{
		Type:    events.TypeAgentStatusChanged,
		Actor:   caller,
		AgentID: agentID,
		Detail: map[string]string{
			"from": string(previous),
			"to":   string(status),
		},
	})
	return nil
}

// Reward 由特权操作员向智能体发放奖励：累计 TotalRewards 并把价值
// 转给其所有者。转账失败时状态零改动。
func (d *Directory) Reward(ctx context.Context, caller identity.Identity, agentID uint64, amount uint64) error {
	ctx, err := guard.Enter(ctx, guard.ClassDirectory)
	if err != nil {
		return err
	}
	if !caller.Equal(d.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以发放奖励")
	}
	if amount == 0 {
		return xerrors.New(xerrors.CodeValidation, "奖励金额必须大于零")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		return ErrPaused
	}
	agent, err := d.lookup(agentID)
	if err != nil {
		return err
	}
	if agent.Status != StatusActive {
		return xerrors.New(xerrors.CodeInvalidState, "只能奖励 Active 状态的智能体")
	}

	if err := d.escrow.Transfer(ctx, d.treasury, agent.Owner, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, "发放奖励转账失败")
	}
	agent.TotalRewards += amount

	d.publish(ctx, events.Event{
		Type:    events.TypeAgentReward,
		Actor:   caller,
		AgentID: agentID,
		Amount:  amount,
	})
	return nil
}

// SetDeploymentFee 由操作员调整注册费。
func (d *Directory) SetDeploymentFee(_ context.Context, caller identity.Identity, fee uint64) error {
	if !caller.Equal(d.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以调整注册费")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deploymentFee = fee
	return nil
}

// Pause 暂停全部变更操作。
func (d *Directory) Pause(_ context.Context, caller identity.Identity) error {
	return d.setPaused(caller, true)
}

// Unpause 恢复变更操作。
func (d *Directory) Unpause(_ context.Context, caller identity.Identity) error {
	return d.setPaused(caller, false)
}

func (d *Directory) setPaused(caller identity.Identity, paused bool) error {
	if !caller.Equal(d.operator) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有操作员可以暂停或恢复目录")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = paused
	return nil
}

// Get 返回智能体记录的拷贝。
func (d *Directory) Get(_ context.Context, agentID uint64) (*Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, err := d.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return agent.clone(), nil
}

// Network 返回智能体的出边列表。断开连接会打乱剩余边的顺序，调用方
// 不应依赖任何特定排列。
func (d *Directory) Network(_ context.Context, agentID uint64) ([]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(agentID); err != nil {
		return nil, err
	}
	return append([]uint64(nil), d.network[agentID]...), nil
}

// OwnerAgents 返回某个身份名下的全部智能体编号。
func (d *Directory) OwnerAgents(_ context.Context, owner identity.Identity) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.owners[owner]...)
}

// Capabilities 返回智能体登记的能力列表，顺序与注册时一致。
func (d *Directory) Capabilities(_ context.Context, agentID uint64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, err := d.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), agent.Capabilities...), nil
}

// OwnerOf 返回智能体的所有者。
func (d *Directory) OwnerOf(agentID uint64) (identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, err := d.lookup(agentID)
	if err != nil {
		return identity.Zero, err
	}
	return agent.Owner, nil
}

// StatusOf 返回智能体的当前状态。
func (d *Directory) StatusOf(agentID uint64) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, err := d.lookup(agentID)
	if err != nil {
		return "", err
	}
	return agent.Status, nil
}

// CapabilitiesOf 返回智能体的能力列表，供任务匹配使用。
func (d *Directory) CapabilitiesOf(agentID uint64) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, err := d.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), agent.Capabilities...), nil
}

// Stats 返回目录的全局计数。
func (d *Directory) Stats(_ context.Context) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{TotalAgents: d.totalAgents, ActiveAgents: d.activeAgents}
}

// lookup 校验编号范围并返回内部记录。调用方必须持有 d.mu。
func (d *Directory) lookup(agentID uint64) (*Agent, error) {
	if agentID == 0 || agentID >= d.nextID {
		return nil, ErrAgentNotFound
	}
	agent, ok := d.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// publish 同步广播事件。订阅者不得回读目录，否则会在锁上自我死锁。
func (d *Directory) publish(ctx context.Context, event events.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, event)
}
