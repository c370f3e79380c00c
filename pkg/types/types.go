// Package types 定義了 beaver-alloc 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// ResourceClassID identifies an independently sized pool of executors
// (e.g. a distinct core/memory shape).
type ResourceClassID string

// DefaultResourceClass is the class used when a stage does not name one.
const DefaultResourceClass ResourceClassID = "default"

// ExecutorID 執行器唯一識別碼
type ExecutorID string

// StageAttempt identifies one execution attempt of a pipeline stage.
type StageAttempt struct {
	StageID int `json:"stage_id"`
	Attempt int `json:"attempt"`
}

func (s StageAttempt) String() string {
	return fmt.Sprintf("%d.%d", s.StageID, s.Attempt)
}

// TaskEndReason 任務結束原因
type TaskEndReason string

const (
	TaskSucceeded TaskEndReason = "succeeded" // 任務成功
	TaskKilled    TaskEndReason = "killed"    // 任務被主動終止（例如推測執行的副本已成功）
	TaskFailed    TaskEndReason = "failed"    // 任務失敗，之後會被重新提交
)

// ClassLocality is the locality hint for one resource class.
type ClassLocality struct {
	LocalityAwareTasks   int            `json:"locality_aware_tasks"`
	HostToLocalTaskCount map[string]int `json:"host_to_local_task_count,omitempty"`
}

// LocalityHints 每個資源類別的本地性提示，隨每次同步請求送往叢集管理器
type LocalityHints map[ResourceClassID]ClassLocality

// KillOptions mirrors the flags accepted by a resource manager kill request.
type KillOptions struct {
	AdjustTarget  bool `json:"adjust_target"`
	CountFailures bool `json:"count_failures"`
	Force         bool `json:"force"`
}

// ============================================================================
// 工作負載事件
// ============================================================================

// EventType 事件類型
type EventType string

const (
	EventStageSubmitted           EventType = "stage_submitted"
	EventStageCompleted           EventType = "stage_completed"
	EventTaskStart                EventType = "task_start"
	EventTaskEnd                  EventType = "task_end"
	EventSpeculativeTaskSubmitted EventType = "speculative_task_submitted"
	EventExecutorAdded            EventType = "executor_added"
	EventExecutorRemoved          EventType = "executor_removed"
)

// Event is implemented by every workload lifecycle event.
type Event interface {
	Type() EventType
}

// StageSubmitted 階段提交事件
type StageSubmitted struct {
	Attempt       StageAttempt
	NumTasks      int
	ResourceClass ResourceClassID
	// LocalityPrefs holds, per task, the hosts the task prefers. Empty entries
	// mean the task has no preference.
	LocalityPrefs [][]string
}

// StageCompleted 階段完成事件
type StageCompleted struct {
	Attempt StageAttempt
}

// TaskStart 任務開始事件
type TaskStart struct {
	Attempt     StageAttempt
	TaskIndex   int
	Speculative bool
	ExecutorID  ExecutorID
}

// TaskEnd 任務結束事件
type TaskEnd struct {
	Attempt     StageAttempt
	TaskIndex   int
	Speculative bool
	Reason      TaskEndReason
	ExecutorID  ExecutorID
}

// SpeculativeTaskSubmitted 推測任務提交事件
type SpeculativeTaskSubmitted struct {
	Attempt   StageAttempt
	TaskIndex int
}

// ExecutorAdded 執行器註冊事件
type ExecutorAdded struct {
	ExecutorID    ExecutorID
	ResourceClass ResourceClassID
	Host          string
	Time          time.Time
}

// ExecutorRemoved 執行器移除事件
type ExecutorRemoved struct {
	ExecutorID ExecutorID
	Reason     string
	Time       time.Time
}

func (StageSubmitted) Type() EventType           { return EventStageSubmitted }
func (StageCompleted) Type() EventType           { return EventStageCompleted }
func (TaskStart) Type() EventType                { return EventTaskStart }
func (TaskEnd) Type() EventType                  { return EventTaskEnd }
func (SpeculativeTaskSubmitted) Type() EventType { return EventSpeculativeTaskSubmitted }
func (ExecutorAdded) Type() EventType            { return EventExecutorAdded }
func (ExecutorRemoved) Type() EventType          { return EventExecutorRemoved }

// ============================================================================
// 狀態報告
// ============================================================================

// ClassStatus is a point-in-time view of one resource class.
type ClassStatus struct {
	ResourceClass  ResourceClassID `json:"resource_class" yaml:"resource_class"`
	Target         int             `json:"target" yaml:"target"`
	AddStep        int             `json:"add_step" yaml:"add_step"`
	MaxNeeded      int             `json:"max_needed" yaml:"max_needed"`
	Executors      int             `json:"executors" yaml:"executors"`
	PendingRemoval int             `json:"pending_removal" yaml:"pending_removal"`
	PendingTasks   int             `json:"pending_tasks" yaml:"pending_tasks"`
	RunningTasks   int             `json:"running_tasks" yaml:"running_tasks"`
	AddArmed       bool            `json:"add_armed" yaml:"add_armed"`
}

// AllocationStatus 控制器狀態快照，用於 metrics、status 指令與快照檔
type AllocationStatus struct {
	Initializing bool          `json:"initializing" yaml:"initializing"`
	Classes      []ClassStatus `json:"classes" yaml:"classes"`
	GeneratedAt  time.Time     `json:"generated_at" yaml:"generated_at"`
	SchemaVer    int           `json:"schema_ver" yaml:"schema_ver"`
}
