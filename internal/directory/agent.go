package directory

import (
	"strconv"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
)

// formatID 以十进制渲染实体编号，用于事件附加信息。
func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Status 表示智能体在目录中的状态。
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended, StatusTerminated:
		return true
	default:
		return false
	}
}

// Agent 是目录中的一条身份所有的记录。记录只会被状态转换，永不删除。
type Agent struct {
	ID              uint64            `json:"id"`
	Owner           identity.Identity `json:"owner"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Capabilities    []string          `json:"capabilities"`
	AutonomyLevel   int               `json:"autonomy_level"`
	RewardThreshold uint64            `json:"reward_threshold"`
	TotalRewards    uint64            `json:"total_rewards"`
	DeploymentTime  int64             `json:"deployment_time"`
	Status          Status            `json:"status"`
	MetadataURI     string            `json:"metadata_uri"`
}

// clone 返回记录的深拷贝，避免调用方修改内部状态。
func (a *Agent) clone() *Agent {
	if a == nil {
		return nil
	}
	copied := *a
	copied.Capabilities = append([]string(nil), a.Capabilities...)
	return &copied
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrNameTaken 表示名称已被占用。
	ErrNameTaken = xerrors.New(xerrors.CodeValidation, "agent name already taken")
	// ErrNotConnected 表示请求的连接边不存在。
	ErrNotConnected = xerrors.New(xerrors.CodeInvalidState, "agents are not connected")
	// ErrAlreadyConnected 表示连接边已存在。
	ErrAlreadyConnected = xerrors.New(xerrors.CodeInvalidState, "agents already connected")
	// ErrPaused 表示目录处于暂停状态，拒绝一切变更操作。
	ErrPaused = xerrors.New(xerrors.CodeInvalidState, "directory is paused")
)

// RegisterRequest 描述注册一个智能体所需的全部字段。
type RegisterRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Capabilities    []string `json:"capabilities"`
	AutonomyLevel   int      `json:"autonomy_level"`
	RewardThreshold uint64   `json:"reward_threshold"`
	MetadataURI     string   `json:"metadata_uri"`
}

// Stats 汇总目录的全局计数，供仪表盘与健康检查使用。
type Stats struct {
	TotalAgents  uint64 `json:"total_agents"`
	ActiveAgents uint64 `json:"active_agents"`
}
