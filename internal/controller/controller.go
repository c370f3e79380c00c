// ============================================================================
// Beaver-Alloc 控制器 - 執行器配置控制迴圈
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依工作負載決定每個資源類別應持有的執行器數，並與叢集管理器同步
//
// 架構設計:
//   控制器是系統的"大腦"，協調以下組件：
//   - workload.Tracker: 待處理/執行中任務計數（由 listener.go 餵入事件）
//   - allocation.State: 每個資源類別的目標、擴容步長、擴容截止時間
//   - IdleTracker:      閒置逾時的執行器（回收階段）
//   - ClusterClient:    叢集資源管理器（同步目標、終止執行器）
//
// 核心循環:
//   1. Schedule Loop - 固定週期 tick：同步階段 → 提交階段 → 回收階段（sync.go）
//   2. Snapshot Loop - 定期將狀態報告寫入 StatusSink（可選）
//
// 初始化階段:
//   第一個階段提交或第一次閒置逾時之前，跳過同步與提交階段，
//   避免剛啟動的應用在收到工作前就被縮容。
//
// 並發安全:
//   - 單一 sync.Mutex 保護 tracker 與所有類別狀態
//   - 呼叫叢集管理器前釋放鎖，返回後重新取得鎖再提交或回滾
//   - Reset 遞增 generation，進行中的提交看到 generation 改變就放棄
//   - atomic running 旗標避免 tick 重疊
//   - stopCh + sync.WaitGroup 確保循環正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-alloc/internal/allocation"
	"github.com/ChuLiYu/beaver-alloc/internal/eventbus"
	"github.com/ChuLiYu/beaver-alloc/internal/workload"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnrecoverable 帶有此錯誤的 panic 不會被 tick 攔截
	ErrUnrecoverable = errors.New("unrecoverable allocation error")
	// ErrAlreadyStarted 重複呼叫 Start
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped 控制器已停止
	ErrStopped = errors.New("controller stopped")
)

const listenerName = "executor-allocation-manager"

// ============================================================================
// 資料結構定義
// ============================================================================

// classEntry 單一資源類別的配置狀態
type classEntry struct {
	state allocation.State
	// needsSync 新出現的類別或 Reset 後，下一次 tick 即使沒有變化也要同步
	needsSync bool
}

// Option 控制器選項
type Option func(*Controller)

// WithClock 設定時間來源，測試時使用 fakeclock
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger 設定 logger
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithRecorder 設定 metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithStatusSink 定期將狀態報告寫入 sink
func WithStatusSink(sink StatusSink, interval time.Duration) Option {
	return func(c *Controller) {
		c.sink = sink
		c.sinkInterval = interval
	}
}

// Controller 執行器配置控制器
type Controller struct {
	mu           sync.Mutex
	cfg          Config
	bounds       allocation.Bounds
	tracker      *workload.Tracker
	classes      map[types.ResourceClassID]*classEntry
	initializing bool
	generation   uint64

	idle     IdleTracker
	client   ClusterClient
	source   EventSource
	clock    clock.Clock
	recorder Recorder
	sink     StatusSink
	log      *slog.Logger

	sinkInterval time.Duration

	running atomic.Bool // tick 進行中
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - cfg: 配置，先驗證；驗證失敗返回包裝 ErrInvalidConfig 的錯誤
//   - idle: 閒置逾時追蹤器
//   - client: 叢集管理器客戶端，測試模式下可為 nil
//   - source: 事件來源，Start 時訂閱
func NewController(cfg Config, idle IdleTracker, client ClusterClient, source EventSource, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if idle == nil {
		return nil, fmt.Errorf("%w: idle tracker is required", ErrInvalidConfig)
	}
	if client == nil && !cfg.Testing {
		return nil, fmt.Errorf("%w: cluster client is required outside testing mode", ErrInvalidConfig)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	c := &Controller{
		cfg:          cfg,
		bounds:       allocation.Bounds{Min: cfg.MinExecutors, Max: cfg.MaxExecutors},
		classes:      make(map[types.ResourceClassID]*classEntry),
		initializing: true,
		idle:         idle,
		client:       client,
		source:       source,
		clock:        clock.NewClock(),
		recorder:     nopRecorder{},
		log:          slog.Default(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracker = workload.NewTracker(c.log)

	c.classes[types.DefaultResourceClass] = &classEntry{state: allocation.NewState(cfg.initialTarget())}
	for class := range cfg.Classes {
		c.classes[class] = &classEntry{state: allocation.NewState(cfg.initialTarget())}
	}
	return c, nil
}

// Start 訂閱事件來源、送出初始目標並啟動排程循環
//
// ctx 取消時循環也會結束。
func (c *Controller) Start(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if c.source != nil {
		if l, ok := c.idle.(eventbus.Listener); ok {
			c.source.Subscribe("executor-monitor", l)
		}
		c.source.Subscribe(listenerName, c)
	}

	// 初始同步
	c.mu.Lock()
	gen := c.generation
	targets := c.targetsLocked()
	hints := c.tracker.LocalityHints()
	c.mu.Unlock()
	if c.requestTotal(ctx, hints, targets) {
		c.markSynced(gen, targets)
	}

	c.loopWg.Add(1)
	go c.scheduleLoop(ctx)
	if c.sink != nil && c.sinkInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop(ctx)
	}

	c.log.Info("Allocation controller started",
		"min", c.cfg.MinExecutors,
		"max", c.cfg.MaxExecutors,
		"initial", c.cfg.initialTarget(),
		"tick", c.cfg.TickInterval)
	return nil
}

// Stop 停止排程並等待（有上限）進行中的 tick 結束。重複呼叫是安全的。
func (c *Controller) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		c.log.Info("Controller already stopped")
		return
	}
	c.log.Info("Stopping allocation controller...")
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.loopWg.Wait()
		close(done)
	}()
	timer := c.clock.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C():
		c.log.Warn("Timed out waiting for the allocation loop to stop", "timeout", c.cfg.StopTimeout)
	}

	if c.sink != nil {
		if err := c.sink.Write(c.Status()); err != nil {
			c.log.Error("Failed to write final status", "error", err)
		}
	}
	c.log.Info("Allocation controller stopped")
}

// Reset 叢集管理器遺失了 driver 端狀態時使用（例如管理器重啟）
//
// 所有類別：目標回到初始值、步長回到 1、擴容截止時間設為現在；
// 閒置追蹤器忘記所有執行器。工作負載追蹤器不受影響。
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	now := c.clock.Now()
	for _, e := range c.classes {
		e.state = allocation.NewState(c.cfg.initialTarget()).ArmAt(now)
		e.needsSync = true
	}
	c.idle.Reset()
	c.log.Info("Allocation state reset", "classes", len(c.classes), "target", c.cfg.initialTarget())
}

// ============================================================================
// 循環
// ============================================================================

// scheduleLoop 固定週期執行 tick
func (c *Controller) scheduleLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Schedule loop stopped")
			return
		case <-ctx.Done():
			c.log.Info("Schedule loop stopped", "reason", ctx.Err())
			return
		case <-ticker.C():
			// 再次檢查是否已停止
			select {
			case <-c.stopCh:
				c.log.Info("Schedule loop stopped")
				return
			default:
			}
			c.tick(ctx)
		}
	}
}

// tick 執行一次排程，攔截 panic（ErrUnrecoverable 除外）
func (c *Controller) tick(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Debug("Previous tick still running, skipping")
		return
	}
	defer c.running.Store(false)

	start := c.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, ErrUnrecoverable) {
				panic(r)
			}
			c.log.Warn("Uncaught panic in allocation tick", "panic", r)
		}
	}()

	c.schedule(ctx)
	c.recorder.ObserveStatus(c.Status())
	c.recorder.ObserveTick(c.clock.Since(start))
}

// snapshotLoop 定期寫入狀態報告
func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := c.clock.NewTicker(c.sinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Snapshot loop stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.sink.Write(c.Status()); err != nil {
				c.log.Error("Failed to write status", "error", err)
			}
		}
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

// entryLocked 取得類別狀態，第一次出現時建立並標記需要同步
func (c *Controller) entryLocked(class types.ResourceClassID) *classEntry {
	e, ok := c.classes[class]
	if !ok {
		e = &classEntry{state: allocation.NewState(c.cfg.initialTarget()), needsSync: true}
		c.classes[class] = e
		c.log.Info("New resource class observed", "class", class, "target", e.state.Target)
	}
	return e
}

// targetsLocked 所有類別目標的拷貝
func (c *Controller) targetsLocked() map[types.ResourceClassID]int {
	out := make(map[types.ResourceClassID]int, len(c.classes))
	for class, e := range c.classes {
		out[class] = e.state.Target
	}
	return out
}

func (c *Controller) sortedClassesLocked() []types.ResourceClassID {
	out := make([]types.ResourceClassID, 0, len(c.classes))
	for class := range c.classes {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// markSynced 同步被確認後清除 needsSync；期間發生過 Reset 則不處理
func (c *Controller) markSynced(gen uint64, targets map[types.ResourceClassID]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	for class := range targets {
		if e, ok := c.classes[class]; ok {
			e.needsSync = false
		}
	}
}
