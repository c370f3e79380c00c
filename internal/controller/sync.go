package controller

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-alloc/internal/allocation"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// syncPlan 同步階段的結果，在鎖外送往叢集管理器
type syncPlan struct {
	generation uint64
	decisions  map[types.ResourceClassID]allocation.Decision
	targets    map[types.ResourceClassID]int
	hints      types.LocalityHints
}

// schedule 一次 tick 的三個階段
//
//  1. 同步階段：計算每個類別的 maxNeeded，縮容或擴容（初始化期間跳過）
//  2. 提交階段：有變化時送出完整目標，失敗則回滾
//  3. 回收階段：終止閒置逾時且不會讓類別低於 max(min, target) 的執行器
func (c *Controller) schedule(ctx context.Context) {
	timedOut := c.idle.TimedOutExecutors()

	if plan := c.decide(c.clock.Now(), len(timedOut) > 0); plan != nil {
		c.commit(ctx, plan)
	}
	if len(timedOut) > 0 {
		c.reclaim(ctx, timedOut)
	}
}

// decide 同步階段，持有鎖。沒有需要送出的變化時返回 nil。
func (c *Controller) decide(now time.Time, idleTimedOut bool) *syncPlan {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idleTimedOut && c.initializing {
		c.initializing = false
		c.log.Info("Leaving initializing phase after the first idle timeout")
	}
	if c.initializing {
		return nil
	}

	plan := &syncPlan{
		generation: c.generation,
		decisions:  make(map[types.ResourceClassID]allocation.Decision),
	}
	send := false
	for _, class := range c.sortedClassesLocked() {
		e := c.classes[class]
		maxNeeded := c.maxNeededLocked(class)
		d := allocation.Decide(e.state, allocation.Input{
			MaxNeeded:        maxNeeded,
			Executors:        c.idle.ExecutorCount(class),
			Now:              now,
			SustainedTimeout: c.cfg.SustainedBacklogTimeout,
		}, c.bounds)
		e.state = d.New

		if d.Changed() {
			c.logDecision(class, d, maxNeeded)
			plan.decisions[class] = d
			send = true
		}
		if e.needsSync {
			send = true
		}
	}
	if !send {
		return nil
	}

	plan.targets = c.targetsLocked()
	plan.hints = c.tracker.LocalityHints()
	return plan
}

func (c *Controller) logDecision(class types.ResourceClassID, d allocation.Decision, maxNeeded int) {
	if d.Delta > 0 {
		c.log.Info("Requesting more executors",
			"class", class,
			"old_target", d.Old.Target,
			"new_target", d.New.Target,
			"delta", d.Delta,
			"add_step", d.Old.AddStep,
			"max_needed", maxNeeded,
			"capped", d.Capped)
		return
	}
	c.log.Info("Lowering executor target to match the load",
		"class", class,
		"old_target", d.Old.Target,
		"new_target", d.New.Target,
		"max_needed", maxNeeded)
}

// commit 提交階段：在鎖外呼叫叢集管理器，返回後重新取得鎖再確認或回滾
func (c *Controller) commit(ctx context.Context, plan *syncPlan) {
	ok := c.requestTotal(ctx, plan.hints, plan.targets)

	c.mu.Lock()
	defer c.mu.Unlock()

	if plan.generation != c.generation {
		c.log.Debug("Allocation state was reset during sync, dropping result")
		return
	}
	for class, d := range plan.decisions {
		e, exists := c.classes[class]
		if !exists {
			continue
		}
		if ok {
			e.state = allocation.Settle(e.state, d)
			continue
		}
		e.state = allocation.Rollback(e.state, d)
		c.log.Info("Cluster manager did not acknowledge new target, rolled back",
			"class", class,
			"attempted", d.New.Target,
			"target", e.state.Target)
	}
	if ok {
		for class := range plan.targets {
			if e, exists := c.classes[class]; exists {
				e.needsSync = false
			}
		}
	}
}

// reclaim 回收階段
func (c *Controller) reclaim(ctx context.Context, timedOut []types.ExecutorID) {
	toKill := c.selectForRemoval(timedOut)
	if len(toKill) == 0 {
		return
	}

	killed := c.killExecutors(ctx, toKill)

	// 終止請求可能改動叢集管理器端的目標，重新同步一次
	c.mu.Lock()
	gen := c.generation
	targets := c.targetsLocked()
	hints := c.tracker.LocalityHints()
	c.mu.Unlock()
	if c.requestTotal(ctx, hints, targets) {
		c.markSynced(gen, targets)
	}

	if len(killed) > 0 {
		c.idle.ExecutorsKilled(killed)
		c.log.Info("Removed idle executors", "requested", len(toKill), "killed", len(killed), "executors", killed)
	} else {
		c.log.Info("Unable to reach the cluster manager to kill idle executors", "requested", len(toKill))
	}
}

// selectForRemoval 依輸入順序檢查候選執行器，保證每個類別剩餘數不低於 max(min, target)
func (c *Controller) selectForRemoval(candidates []types.ExecutorID) []types.ExecutorID {
	c.mu.Lock()
	defer c.mu.Unlock()

	totals := make(map[types.ResourceClassID]int)
	var out []types.ExecutorID
	for _, id := range candidates {
		class, ok := c.idle.ResourceClassOf(id)
		if !ok {
			c.log.Warn("Not removing idle executor with unknown resource class", "executor", id)
			c.recorder.ObserveKillSkipped("unknown_class")
			continue
		}

		total, seen := totals[class]
		if !seen {
			total = c.idle.ExecutorCount(class) - c.idle.PendingRemovalCount(class)
		}
		target := c.entryLocked(class).state.Target

		switch {
		case total-1 < c.cfg.MinExecutors:
			c.log.Debug("Not removing idle executor, class would drop below the minimum",
				"executor", id, "class", class, "executors", total, "min", c.cfg.MinExecutors)
			c.recorder.ObserveKillSkipped("min_executors")
		case total-1 < target:
			c.log.Debug("Not removing idle executor, class would drop below its target",
				"executor", id, "class", class, "executors", total, "target", target)
			c.recorder.ObserveKillSkipped("target")
		default:
			out = append(out, id)
			total--
		}
		totals[class] = total
	}
	return out
}

// requestTotal 帶逾時呼叫 RequestTotalExecutors；測試模式下一律成功
func (c *Controller) requestTotal(ctx context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) bool {
	if c.cfg.Testing {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	ok, err := c.client.RequestTotalExecutors(callCtx, hints, targets)
	switch {
	case err != nil:
		c.log.Info("Failed to sync executor targets with the cluster manager", "error", err)
		ok = false
	case !ok:
		c.log.Info("Cluster manager did not acknowledge executor targets", "targets", targets)
	}
	c.recorder.ObserveSync(ok)
	return ok
}

// killExecutors 帶逾時的批次終止；不調整叢集管理器的目標
func (c *Controller) killExecutors(ctx context.Context, ids []types.ExecutorID) []types.ExecutorID {
	if c.cfg.Testing {
		c.recorder.ObserveKilled(len(ids), len(ids))
		return ids
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	killed, err := c.client.KillExecutors(callCtx, ids, types.KillOptions{
		AdjustTarget:  false,
		CountFailures: false,
		Force:         false,
	})
	if err != nil {
		c.log.Info("Failed to kill idle executors", "executors", ids, "error", err)
		killed = nil
	}
	c.recorder.ObserveKilled(len(ids), len(killed))
	return killed
}
