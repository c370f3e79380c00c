package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ErrUnknownStage 沒有這個階段嘗試
var ErrUnknownStage = errors.New("unknown stage attempt")

// stageRun 一個執行中的階段嘗試
type stageRun struct {
	class     types.ResourceClassID
	remaining map[int]struct{} // 尚未成功的任務索引
	retries   int
	done      chan struct{}
}

// Driver 模擬應用程式的排程端：提交階段、重送失敗任務、宣告階段完成
type Driver struct {
	mu        sync.Mutex
	cluster   *Cluster
	bus       Publisher
	log       *slog.Logger
	stages    map[types.StageAttempt]*stageRun
	nextStage int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewDriver 建立 driver
func NewDriver(cluster *Cluster, bus Publisher, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		cluster: cluster,
		bus:     bus,
		log:     log,
		stages:  make(map[types.StageAttempt]*stageRun),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動結果處理迴圈
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(1)
	go d.resultLoop()
}

// Stop 停止結果處理迴圈，未完成的階段不再推進
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

// SubmitStage 提交一個新階段，numTasks 個任務進入類別佇列
//
// 參數說明:
//   - class: 資源類別，空字串代表預設類別
//   - numTasks: 任務數
//   - prefs: 每個任務的偏好主機，可為 nil
//
// 返回值:
//   - types.StageAttempt: 新階段的嘗試識別
//   - error: 佇列已滿或叢集已停止
func (d *Driver) SubmitStage(class types.ResourceClassID, numTasks int, prefs [][]string) (types.StageAttempt, error) {
	if numTasks <= 0 {
		return types.StageAttempt{}, fmt.Errorf("stage needs at least one task, got %d", numTasks)
	}
	if class == "" {
		class = types.DefaultResourceClass
	}

	d.mu.Lock()
	attempt := types.StageAttempt{StageID: d.nextStage}
	d.nextStage++
	run := &stageRun{class: class, remaining: make(map[int]struct{}, numTasks), done: make(chan struct{})}
	for i := 0; i < numTasks; i++ {
		run.remaining[i] = struct{}{}
	}
	d.stages[attempt] = run
	d.mu.Unlock()

	// 事件必須先於任何 TaskStart 送出
	d.bus.Post(types.StageSubmitted{Attempt: attempt, NumTasks: numTasks, ResourceClass: class, LocalityPrefs: prefs})

	for i := 0; i < numTasks; i++ {
		if err := d.cluster.Submit(class, Task{Attempt: attempt, Index: i}); err != nil {
			return attempt, fmt.Errorf("submit task %d of stage %s: %w", i, attempt, err)
		}
	}
	d.log.Info("Stage submitted", "stage", attempt, "class", class, "tasks", numTasks)
	return attempt, nil
}

// SubmitSpeculative 為仍在執行的任務提交一份推測副本
func (d *Driver) SubmitSpeculative(attempt types.StageAttempt, index int) error {
	d.mu.Lock()
	run, ok := d.stages[attempt]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, attempt)
	}

	d.bus.Post(types.SpeculativeTaskSubmitted{Attempt: attempt, TaskIndex: index})
	return d.cluster.Submit(run.class, Task{Attempt: attempt, Index: index, Speculative: true})
}

// WaitStage 等待階段完成
func (d *Driver) WaitStage(ctx context.Context, attempt types.StageAttempt) error {
	d.mu.Lock()
	run, ok := d.stages[attempt]
	d.mu.Unlock()
	if !ok {
		// 已完成的階段會被移除
		return nil
	}

	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveStages 仍在執行的階段數
func (d *Driver) ActiveStages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stages)
}

// ============================================================================
// 結果處理
// ============================================================================

func (d *Driver) resultLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case r := <-d.cluster.Results():
			d.handle(r)
		}
	}
}

// handle 處理一筆任務結果
//
// 成功: 從剩餘集合移除，集合清空時宣告階段完成
// 失敗或被終止: 若索引仍未成功，重新送入佇列
func (d *Driver) handle(r Result) {
	d.mu.Lock()
	run, ok := d.stages[r.Task.Attempt]
	if !ok {
		d.mu.Unlock()
		return
	}

	if r.Reason == types.TaskSucceeded {
		delete(run.remaining, r.Task.Index)
		if len(run.remaining) > 0 {
			d.mu.Unlock()
			return
		}
		delete(d.stages, r.Task.Attempt)
		d.mu.Unlock()

		d.bus.Post(types.StageCompleted{Attempt: r.Task.Attempt})
		close(run.done)
		d.log.Info("Stage completed", "stage", r.Task.Attempt, "retries", run.retries)
		return
	}

	_, pending := run.remaining[r.Task.Index]
	if !pending || r.Task.Speculative {
		d.mu.Unlock()
		return
	}
	run.retries++
	class := run.class
	d.mu.Unlock()

	d.log.Debug("Retrying task", "stage", r.Task.Attempt, "task", r.Task.Index, "reason", r.Reason)
	if err := d.cluster.Submit(class, Task{Attempt: r.Task.Attempt, Index: r.Task.Index}); err != nil {
		d.log.Error("Failed to resubmit task", "stage", r.Task.Attempt, "task", r.Task.Index, "error", err)
	}
}
