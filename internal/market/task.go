package market

import (
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态任务不再接受任何转换。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task 描述一条带托管奖励的任务记录。AssignedAgent 非零当且仅当状态
// 属于 {Assigned, InProgress, Completed, Failed}。
type Task struct {
	ID                   uint64            `json:"id"`
	Creator              identity.Identity `json:"creator"`
	Description          string            `json:"description"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Reward               uint64            `json:"reward"`
	Deadline             int64             `json:"deadline"`
	AssignedAgent        uint64            `json:"assigned_agent,omitempty"`
	Status               Status            `json:"status"`
	Result               string            `json:"result,omitempty"`
	CreationTime         int64             `json:"creation_time"`
	CompletionTime       int64             `json:"completion_time,omitempty"`
}

// clone 返回任务记录的深拷贝。
func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	copied := *t
	copied.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return &copied
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrCapabilityMismatch 表示智能体的能力集未覆盖任务需求。
	ErrCapabilityMismatch = xerrors.New(xerrors.CodeCapabilityMismatch, "agent capabilities do not cover task requirements")
	// ErrDeadlinePassed 表示任务截止时间已过，操作被拒绝。
	ErrDeadlinePassed = xerrors.New(xerrors.CodeInvalidState, "task deadline has passed")
	// ErrMarketPaused 表示市场处于暂停状态，拒绝一切变更操作。
	ErrMarketPaused = xerrors.New(xerrors.CodeInvalidState, "market is paused")
)

// CreateRequest 描述创建任务所需的字段。
type CreateRequest struct {
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Reward               uint64   `json:"reward"`
	Deadline             int64    `json:"deadline"`
}

// Stats 聚合任务状态的统计信息。CompletedTasks 是全局完成计数，与
// 按状态的即时计数一同维护。
type Stats struct {
	Total          uint64 `json:"total"`
	Open           uint64 `json:"open"`
	Assigned       uint64 `json:"assigned"`
	InProgress     uint64 `json:"in_progress"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
	CompletedTasks uint64 `json:"completed_tasks"`
}
