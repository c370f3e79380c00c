// ============================================================================
// Beaver-Alloc 模擬執行器 - Task Execution Unit
// ============================================================================
//
// Package: internal/cluster/local
// File: executor.go
// Function: Simulated executor, each one runs in an independent goroutine
//
// How it works:
//   1. Receive task from its class queue (blocking wait)
//   2. Post TaskStart, simulate work, post TaskEnd
//   3. Send result to the driver
//   4. Repeat until killed or the cluster stops
//
// Task Execution Logic (Simulation):
//   - Random delay [0, TaskDuration)
//   - FailureRate chance of failure
//   - A task interrupted by a kill or shutdown ends as killed
//
// ============================================================================

package local

import (
	"log/slog"
	"math/rand"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// Task 一個要在執行器上執行的任務
type Task struct {
	Attempt     types.StageAttempt
	Index       int
	Speculative bool
}

// Result 任務執行結果
type Result struct {
	Task     Task
	Executor types.ExecutorID
	Reason   types.TaskEndReason
	Duration time.Duration
}

type executor struct {
	id      types.ExecutorID
	class   types.ResourceClassID
	host    string
	queue   <-chan Task
	results chan<- Result
	bus     Publisher
	clock   clock.Clock
	cfg     Config
	rng     *rand.Rand
	busy    atomic.Bool
	stopCh  chan struct{} // 被終止
	done    <-chan struct{} // 叢集停止
	log     *slog.Logger
}

// run is the main loop of an executor
func (e *executor) run() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.done:
			return
		case task := <-e.queue:
			e.busy.Store(true)
			e.execute(task)
			e.busy.Store(false)
		}
	}
}

func (e *executor) execute(task Task) {
	start := e.clock.Now()
	e.bus.Post(types.TaskStart{
		Attempt:     task.Attempt,
		TaskIndex:   task.Index,
		Speculative: task.Speculative,
		ExecutorID:  e.id,
	})

	reason := types.TaskSucceeded
	var work time.Duration
	if e.cfg.TaskDuration > 0 {
		work = time.Duration(e.rng.Int63n(int64(e.cfg.TaskDuration)))
	}
	timer := e.clock.NewTimer(work)
	select {
	case <-timer.C():
		if e.rng.Float64() < e.cfg.FailureRate {
			reason = types.TaskFailed
		}
	case <-e.stopCh:
		timer.Stop()
		reason = types.TaskKilled
	case <-e.done:
		timer.Stop()
		reason = types.TaskKilled
	}

	e.bus.Post(types.TaskEnd{
		Attempt:     task.Attempt,
		TaskIndex:   task.Index,
		Speculative: task.Speculative,
		Reason:      reason,
		ExecutorID:  e.id,
	})

	result := Result{Task: task, Executor: e.id, Reason: reason, Duration: e.clock.Since(start)}
	select {
	case e.results <- result:
	case <-e.done:
	default:
		e.log.Warn("Result channel full, dropping result", "executor", e.id, "task", task.Index)
	}
}
