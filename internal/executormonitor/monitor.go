// ============================================================================
// Beaver-Alloc 執行器監控 - 閒置逾時追蹤
// ============================================================================
//
// Package: internal/executormonitor
// 文件: monitor.go
// 功能: 追蹤每個執行器的執行中任務數與閒置起始時間，回報閒置逾時的執行器
//
// 執行器狀態:
//   ExecutorAdded → idle (idleSince = 註冊時間)
//      ↓ TaskStart          ↑ 最後一個 TaskEnd
//   busy (running > 0) ─────┘
//      ↓ ExecutorsKilled
//   pendingRemoval（仍計入 ExecutorCount，直到 ExecutorRemoved）
//
// 並發安全:
//   使用自己的 sync.Mutex。控制器持有其鎖時會呼叫本監控器（內層鎖），
//   本監控器絕不回呼控制器。
//
// ============================================================================

package executormonitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

type executorState struct {
	class          types.ResourceClassID
	running        int
	idleSince      time.Time
	pendingRemoval bool
}

// Monitor 閒置逾時追蹤器
type Monitor struct {
	mu          sync.Mutex
	clock       clock.Clock
	idleTimeout time.Duration
	executors   map[types.ExecutorID]*executorState
	log         *slog.Logger
}

// New 建立監控器
//
// 參數說明：
//   - clk: 時間來源，測試時使用 fakeclock
//   - idleTimeout: 執行器閒置多久後可被回收
//   - log: nil 時使用 slog.Default()
func New(clk clock.Clock, idleTimeout time.Duration, log *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.NewClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		clock:       clk,
		idleTimeout: idleTimeout,
		executors:   make(map[types.ExecutorID]*executorState),
		log:         log,
	}
}

// OnEvent 處理執行器註冊/移除與任務開始/結束事件，其餘事件忽略
func (m *Monitor) OnEvent(ev types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case types.ExecutorAdded:
		if _, ok := m.executors[e.ExecutorID]; ok {
			return
		}
		class := e.ResourceClass
		if class == "" {
			class = types.DefaultResourceClass
		}
		m.executors[e.ExecutorID] = &executorState{
			class:     class,
			idleSince: m.clock.Now(),
		}
		m.log.Debug("executor added", "executor", e.ExecutorID, "class", class, "host", e.Host)

	case types.ExecutorRemoved:
		if _, ok := m.executors[e.ExecutorID]; !ok {
			m.log.Debug("removal of unknown executor", "executor", e.ExecutorID)
			return
		}
		delete(m.executors, e.ExecutorID)
		m.log.Debug("executor removed", "executor", e.ExecutorID, "reason", e.Reason)

	case types.TaskStart:
		if s, ok := m.executors[e.ExecutorID]; ok {
			s.running++
		}

	case types.TaskEnd:
		s, ok := m.executors[e.ExecutorID]
		if !ok || s.running == 0 {
			return
		}
		s.running--
		if s.running == 0 {
			s.idleSince = m.clock.Now()
		}
	}
}

// TimedOutExecutors 閒置超過 idleTimeout 且尚未等待移除的執行器，依逾時時間再依 ID 排序
func (m *Monitor) TimedOutExecutors() []types.ExecutorID {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	type candidate struct {
		id       types.ExecutorID
		deadline time.Time
	}
	var cands []candidate
	for id, s := range m.executors {
		if s.pendingRemoval || s.running > 0 {
			continue
		}
		deadline := s.idleSince.Add(m.idleTimeout)
		if now.Before(deadline) {
			continue
		}
		cands = append(cands, candidate{id: id, deadline: deadline})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].deadline.Equal(cands[j].deadline) {
			return cands[i].deadline.Before(cands[j].deadline)
		}
		return cands[i].id < cands[j].id
	})

	out := make([]types.ExecutorID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// ExecutorCount 類別內的執行器數，包含等待移除的
func (m *Monitor) ExecutorCount(class types.ResourceClassID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.executors {
		if s.class == class {
			n++
		}
	}
	return n
}

// PendingRemovalCount 類別內已要求移除但尚未收到 ExecutorRemoved 的執行器數
func (m *Monitor) PendingRemovalCount(class types.ResourceClassID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.executors {
		if s.class == class && s.pendingRemoval {
			n++
		}
	}
	return n
}

// ResourceClassOf 回傳執行器的資源類別
func (m *Monitor) ResourceClassOf(id types.ExecutorID) (types.ResourceClassID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.executors[id]
	if !ok {
		return "", false
	}
	return s.class, true
}

// ExecutorsKilled 標記執行器為等待移除
func (m *Monitor) ExecutorsKilled(ids []types.ExecutorID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if s, ok := m.executors[id]; ok {
			s.pendingRemoval = true
		}
	}
}

// Reset 忘記所有已追蹤的執行器
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.executors)
	m.executors = make(map[types.ExecutorID]*executorState)
	m.log.Info("executor monitor reset", "forgotten", n)
}
