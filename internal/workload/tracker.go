// ============================================================================
// Beaver-Alloc 工作負載追蹤器 - 階段與任務計數
// ============================================================================
//
// Package: internal/workload
// 文件: tracker.go
// 功能: 根據工作負載事件維護每個資源類別的待處理/執行中任務數與本地性提示
//
// 數據結構設計:
//   attempts map[StageAttempt]*stageWorkload - 主存儲
//   ├─ numTasks / specTotal 只在階段尚未完成時有效 (tracked == true)
//   └─ running 計數在階段完成後仍保留，直到最後一個在途任務結束
//
//   輔助索引:
//   - classes map[ResourceClassID]map[StageAttempt]struct{} - 類別 → 階段
//   - hints LocalityHints - 本地性提示快取，在階段提交/完成時重算
//
// 階段生命週期:
//   StageSubmitted → tracked（計入 pending 與 running）
//      ↓ StageCompleted
//   zombie（只計入 running，直到在途任務歸零）
//      ↓ 最後一個 TaskEnd
//   移除
//
// 並發安全:
//   Tracker 本身不加鎖。控制器在持有自己的互斥鎖時呼叫所有方法，
//   因此 tick 永遠看到完整的事件效果。
//
// ============================================================================

package workload

import (
	"log/slog"
	"sort"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// stageWorkload 單一階段嘗試的計數
type stageWorkload struct {
	class types.ResourceClassID

	// tracked 為 false 代表階段已完成，只剩 running 計數
	tracked   bool
	numTasks  int
	specTotal int

	running        int
	runningRegular map[int]struct{}
	runningSpec    map[int]struct{}

	localityAware int
	hostCounts    map[string]int
}

func (s *stageWorkload) pending() int {
	if !s.tracked {
		return 0
	}
	return max(s.numTasks-len(s.runningRegular), 0)
}

func (s *stageWorkload) pendingSpeculative() int {
	if !s.tracked {
		return 0
	}
	return max(s.specTotal-len(s.runningSpec), 0)
}

// Tracker 工作負載追蹤器
type Tracker struct {
	attempts map[types.StageAttempt]*stageWorkload
	classes  map[types.ResourceClassID]map[types.StageAttempt]struct{}
	hints    types.LocalityHints
	log      *slog.Logger
}

// NewTracker 建立空的追蹤器。log 為 nil 時使用 slog.Default()。
func NewTracker(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		attempts: make(map[types.StageAttempt]*stageWorkload),
		classes:  make(map[types.ResourceClassID]map[types.StageAttempt]struct{}),
		hints:    make(types.LocalityHints),
		log:      log,
	}
}

// ============================================================================
// 事件處理
// ============================================================================

// StageSubmitted 登記一個新的階段嘗試
//
// 參數說明：
//   - attempt: 階段嘗試
//   - numTasks: 任務總數
//   - class: 資源類別，空字串視為 DefaultResourceClass
//   - localityPrefs: 每個任務偏好的主機列表
//
// 重新提交同一個嘗試會覆蓋任務總數，但保留在途任務計數。
func (t *Tracker) StageSubmitted(attempt types.StageAttempt, numTasks int, class types.ResourceClassID, localityPrefs [][]string) {
	if class == "" {
		class = types.DefaultResourceClass
	}

	s, ok := t.attempts[attempt]
	if !ok {
		s = &stageWorkload{
			runningRegular: make(map[int]struct{}),
			runningSpec:    make(map[int]struct{}),
		}
		t.attempts[attempt] = s
	} else if s.class != class {
		t.detach(attempt, s.class)
	}

	s.class = class
	s.tracked = true
	s.numTasks = max(numTasks, 0)
	s.specTotal = 0
	s.localityAware = 0
	s.hostCounts = make(map[string]int)
	for _, hosts := range localityPrefs {
		if len(hosts) == 0 {
			continue
		}
		s.localityAware++
		for _, h := range hosts {
			s.hostCounts[h]++
		}
	}

	if t.classes[class] == nil {
		t.classes[class] = make(map[types.StageAttempt]struct{})
	}
	t.classes[class][attempt] = struct{}{}

	t.updateHints()
}

// StageCompleted 移除階段的任務總數與推測任務總數，在途任務計數保留
func (t *Tracker) StageCompleted(attempt types.StageAttempt) {
	s, ok := t.attempts[attempt]
	if !ok {
		t.log.Debug("stage completed for unknown attempt", "attempt", attempt.String())
		return
	}

	s.tracked = false
	s.numTasks = 0
	s.specTotal = 0
	s.localityAware = 0
	s.hostCounts = nil
	clear(s.runningRegular)
	clear(s.runningSpec)

	t.removeIfUnused(attempt, s)
	t.updateHints()
}

// TaskStarted 記錄任務開始執行。未知的階段嘗試視為無操作。
func (t *Tracker) TaskStarted(attempt types.StageAttempt, index int, speculative bool) {
	s, ok := t.attempts[attempt]
	if !ok {
		t.log.Debug("task start for unknown attempt", "attempt", attempt.String(), "index", index)
		return
	}

	s.running++
	if !s.tracked {
		return
	}
	if speculative {
		s.runningSpec[index] = struct{}{}
	} else {
		s.runningRegular[index] = struct{}{}
	}
}

// TaskEnded 記錄任務結束
//
// 結束原因處理：
//   - TaskSucceeded / TaskKilled: 任務索引保持完成，不再計入 pending
//   - TaskFailed: 任務索引移出執行集合，之後會重新計入 pending
//
// 推測任務結束時同時扣減該階段的推測任務總數。
//
// 返回值：
//   - bool: 失敗的任務是否讓該階段重新出現待處理任務
func (t *Tracker) TaskEnded(attempt types.StageAttempt, index int, speculative bool, reason types.TaskEndReason) bool {
	s, ok := t.attempts[attempt]
	if !ok {
		t.log.Debug("task end for unknown attempt", "attempt", attempt.String(), "index", index)
		return false
	}

	if s.running > 0 {
		s.running--
	} else {
		t.log.Debug("running task counter already zero", "attempt", attempt.String(), "index", index)
	}

	if !s.tracked {
		t.removeIfUnused(attempt, s)
		return false
	}

	if speculative {
		delete(s.runningSpec, index)
		if s.specTotal > 0 {
			s.specTotal--
		}
		return false
	}

	if reason != types.TaskFailed {
		return false
	}
	delete(s.runningRegular, index)
	return s.pending() > 0
}

// SpeculativeTaskSubmitted 增加階段的推測任務總數
func (t *Tracker) SpeculativeTaskSubmitted(attempt types.StageAttempt) {
	s, ok := t.attempts[attempt]
	if !ok || !s.tracked {
		t.log.Debug("speculative task for unknown attempt", "attempt", attempt.String())
		return
	}
	s.specTotal++
}

// removeIfUnused 已完成且沒有在途任務的階段從類別索引與主存儲移除
func (t *Tracker) removeIfUnused(attempt types.StageAttempt, s *stageWorkload) {
	if s.tracked || s.running > 0 {
		return
	}
	t.detach(attempt, s.class)
	delete(t.attempts, attempt)
}

func (t *Tracker) detach(attempt types.StageAttempt, class types.ResourceClassID) {
	set := t.classes[class]
	delete(set, attempt)
	if len(set) == 0 {
		delete(t.classes, class)
	}
}

func (t *Tracker) updateHints() {
	hints := make(types.LocalityHints, len(t.classes))
	for _, s := range t.attempts {
		if !s.tracked {
			continue
		}
		h := hints[s.class]
		if h.HostToLocalTaskCount == nil {
			h.HostToLocalTaskCount = make(map[string]int)
		}
		h.LocalityAwareTasks += s.localityAware
		for host, n := range s.hostCounts {
			h.HostToLocalTaskCount[host] += n
		}
		hints[s.class] = h
	}
	t.hints = hints
}

// ============================================================================
// 查詢方法
// ============================================================================

// PendingTasks 類別內待處理的一般與推測任務總數
func (t *Tracker) PendingTasks(class types.ResourceClassID) int {
	n := 0
	for attempt := range t.classes[class] {
		s := t.attempts[attempt]
		n += s.pending() + s.pendingSpeculative()
	}
	return n
}

// PendingSpeculativeTasks 類別內待處理的推測任務數
func (t *Tracker) PendingSpeculativeTasks(class types.ResourceClassID) int {
	n := 0
	for attempt := range t.classes[class] {
		n += t.attempts[attempt].pendingSpeculative()
	}
	return n
}

// RunningTasks 類別內執行中的任務數，包含已完成但仍有在途任務的 zombie 階段
func (t *Tracker) RunningTasks(class types.ResourceClassID) int {
	n := 0
	for attempt := range t.classes[class] {
		n += t.attempts[attempt].running
	}
	return n
}

// HasPendingTasks 任何類別還有待處理的任務
func (t *Tracker) HasPendingTasks() bool {
	for _, s := range t.attempts {
		if s.pending() > 0 || s.pendingSpeculative() > 0 {
			return true
		}
	}
	return false
}

// ClassOf 回傳階段嘗試所屬的資源類別
func (t *Tracker) ClassOf(attempt types.StageAttempt) (types.ResourceClassID, bool) {
	s, ok := t.attempts[attempt]
	if !ok {
		return "", false
	}
	return s.class, true
}

// Classes 目前有階段嘗試的資源類別，已排序
func (t *Tracker) Classes() []types.ResourceClassID {
	out := make([]types.ResourceClassID, 0, len(t.classes))
	for c := range t.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LocalityHints 回傳本地性提示的深拷貝
func (t *Tracker) LocalityHints() types.LocalityHints {
	out := make(types.LocalityHints, len(t.hints))
	for class, h := range t.hints {
		counts := make(map[string]int, len(h.HostToLocalTaskCount))
		for host, n := range h.HostToLocalTaskCount {
			counts[host] = n
		}
		out[class] = types.ClassLocality{
			LocalityAwareTasks:   h.LocalityAwareTasks,
			HostToLocalTaskCount: counts,
		}
	}
	return out
}
