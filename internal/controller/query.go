package controller

import (
	"github.com/ChuLiYu/beaver-alloc/internal/allocation"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 查詢方法（metrics、status 指令使用，皆為當下快照）
// ============================================================================

// statusSchemaVer 狀態報告的版本號
const statusSchemaVer = 1

// Target 類別目前的目標；未知類別返回 0
func (c *Controller) Target(class types.ResourceClassID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.classes[class]; ok {
		return e.state.Target
	}
	return 0
}

// AddStep 類別下一輪擴容的步長；未知類別返回 0
func (c *Controller) AddStep(class types.ResourceClassID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.classes[class]; ok {
		return e.state.AddStep
	}
	return 0
}

// PendingRemovalCount 類別內等待移除的執行器數
func (c *Controller) PendingRemovalCount(class types.ResourceClassID) int {
	return c.idle.PendingRemovalCount(class)
}

// ExecutorCount 類別內的執行器數
func (c *Controller) ExecutorCount(class types.ResourceClassID) int {
	return c.idle.ExecutorCount(class)
}

// MaxNeeded 以目前的工作負載計算類別可用上的最大執行器數
func (c *Controller) MaxNeeded(class types.ResourceClassID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxNeededLocked(class)
}

func (c *Controller) maxNeededLocked(class types.ResourceClassID) int {
	return allocation.MaxNeeded(c.demandLocked(class), c.cfg.AllocationRatio, c.cfg.TasksPerExecutorFor(class))
}

func (c *Controller) demandLocked(class types.ResourceClassID) allocation.Demand {
	return allocation.Demand{
		Pending:            c.tracker.PendingTasks(class),
		PendingSpeculative: c.tracker.PendingSpeculativeTasks(class),
		Running:            c.tracker.RunningTasks(class),
	}
}

// Initializing 控制器是否仍在初始化階段
func (c *Controller) Initializing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializing
}

// Status 所有類別的狀態報告，依類別排序
func (c *Controller) Status() types.AllocationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := types.AllocationStatus{
		Initializing: c.initializing,
		GeneratedAt:  c.clock.Now(),
		SchemaVer:    statusSchemaVer,
	}
	for _, class := range c.sortedClassesLocked() {
		e := c.classes[class]
		d := c.demandLocked(class)
		status.Classes = append(status.Classes, types.ClassStatus{
			ResourceClass:  class,
			Target:         e.state.Target,
			AddStep:        e.state.AddStep,
			MaxNeeded:      allocation.MaxNeeded(d, c.cfg.AllocationRatio, c.cfg.TasksPerExecutorFor(class)),
			Executors:      c.idle.ExecutorCount(class),
			PendingRemoval: c.idle.PendingRemovalCount(class),
			PendingTasks:   d.Pending,
			RunningTasks:   d.Running,
			AddArmed:       e.state.AddArmed,
		})
	}
	return status
}
