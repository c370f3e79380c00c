package controller

import (
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 工作負載事件處理
// ============================================================================
//
// 所有事件在控制器鎖內處理，tick 只會看到事件的全部效果或完全沒有。
// 擴容截止時間與步長只經由下面兩個轉換改變：
//   - backloggedLocked: 啟動類別的擴容計時器（已啟動則不變）
//   - queueEmptyLocked: 沒有任何待處理任務時停止所有計時器、步長回到 1

// OnEvent 實作 eventbus.Listener
func (c *Controller) OnEvent(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case types.StageSubmitted:
		c.onStageSubmitted(e)
	case types.StageCompleted:
		c.tracker.StageCompleted(e.Attempt)
		if !c.tracker.HasPendingTasks() {
			c.queueEmptyLocked()
		}
	case types.TaskStart:
		c.tracker.TaskStarted(e.Attempt, e.TaskIndex, e.Speculative)
		if !c.tracker.HasPendingTasks() {
			c.queueEmptyLocked()
		}
	case types.TaskEnd:
		if c.tracker.TaskEnded(e.Attempt, e.TaskIndex, e.Speculative, e.Reason) {
			c.backloggedAttemptLocked(e.Attempt)
		}
	case types.SpeculativeTaskSubmitted:
		c.tracker.SpeculativeTaskSubmitted(e.Attempt)
		c.backloggedAttemptLocked(e.Attempt)
	}
}

func (c *Controller) onStageSubmitted(e types.StageSubmitted) {
	if c.initializing {
		c.initializing = false
		c.log.Info("Leaving initializing phase after the first stage submission", "stage", e.Attempt.String())
	}

	class := e.ResourceClass
	if class == "" {
		class = types.DefaultResourceClass
	}
	c.tracker.StageSubmitted(e.Attempt, e.NumTasks, class, e.LocalityPrefs)
	c.backloggedLocked(class)
}

func (c *Controller) backloggedAttemptLocked(attempt types.StageAttempt) {
	class, ok := c.tracker.ClassOf(attempt)
	if !ok {
		return
	}
	c.backloggedLocked(class)
}

// backloggedLocked 啟動類別的擴容計時器
func (c *Controller) backloggedLocked(class types.ResourceClassID) {
	e := c.entryLocked(class)
	if e.state.AddArmed {
		return
	}
	e.state = e.state.Arm(c.clock.Now(), c.cfg.SchedulerBacklogTimeout)
	c.log.Debug("Scheduler backlogged, ramp-up timer armed", "class", class, "deadline", e.state.AddDeadline)
}

// queueEmptyLocked 沒有待處理任務：停止所有類別的計時器並重置步長。重複呼叫是安全的。
func (c *Controller) queueEmptyLocked() {
	for _, e := range c.classes {
		e.state = e.state.Disarm().ResetAddStep()
	}
}
