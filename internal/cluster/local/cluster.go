// ============================================================================
// Beaver-Alloc 模擬叢集管理器 - 行程內的執行器池
// ============================================================================
//
// Package: internal/cluster/local
// 文件: cluster.go
// 功能: 模擬叢集資源管理器，依目標啟動執行器、依要求終止執行器
//
// 架構組件:
//   ┌──────────────┐  RequestTotalExecutors / KillExecutors
//   │  Controller  │ ───────────────────────────────────────┐
//   └──────────────┘                                        ↓
//   ┌──────────────┐  Submit(task)   ┌──────────────────────────────┐
//   │    Driver    │ ──────────────→ │ Cluster                      │
//   │              │ ←────────────── │  queues[class] ──→ executors │
//   └──────────────┘   results       └──────────────────────────────┘
//          │                                    │
//          └──── StageSubmitted/Completed       └──── ExecutorAdded/Removed,
//                                                     TaskStart/TaskEnd ──→ event bus
//
// 行為:
//   - RequestTotalExecutors 記錄目標，並立即啟動不足的執行器（不會終止多出來的）
//   - KillExecutors 停止執行器並發佈 ExecutorRemoved；AdjustTarget 時目標同步減一
//   - SetAvailable(false) 模擬管理器無法連線：請求返回未確認
//
// 並發控制:
//   - mu 保護 targets/executors/queues
//   - 每個執行器一個 goroutine，WaitGroup 追蹤，Stop 時等待全部退出
//
// ============================================================================

package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClusterStopped 叢集已停止
	ErrClusterStopped = errors.New("local cluster stopped")
	// ErrQueueFull 類別的任務佇列已滿
	ErrQueueFull = errors.New("task queue full")
)

// Publisher 事件發佈者，eventbus.Bus 實作此介面
type Publisher interface {
	Post(ev types.Event) bool
}

// Config 模擬叢集配置
type Config struct {
	MaxExecutors int           // 叢集可提供的執行器總上限，0 代表不限
	TaskDuration time.Duration // 模擬任務執行時間上限，實際為 [0, TaskDuration)
	FailureRate  float64       // 模擬任務失敗率 [0, 1)
	Hosts        []string      // 執行器輪流分配到這些主機
	QueueSize    int           // 每個類別的任務佇列容量
	Seed         int64         // 亂數種子，0 代表使用當下時間
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		TaskDuration: 500 * time.Millisecond,
		FailureRate:  0.1,
		Hosts:        []string{"localhost"},
		QueueSize:    10000,
	}
}

// Cluster 模擬叢集管理器
type Cluster struct {
	mu        sync.Mutex
	cfg       Config
	bus       Publisher
	clock     clock.Clock
	log       *slog.Logger
	targets   map[types.ResourceClassID]int
	executors map[types.ExecutorID]*executor
	queues    map[types.ResourceClassID]chan Task
	results   chan Result
	launched  int

	available atomic.Bool
	stopped   atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCluster 建立模擬叢集
func NewCluster(cfg Config, bus Publisher, clk clock.Clock, log *slog.Logger) (*Cluster, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate >= 1 {
		return nil, fmt.Errorf("failure rate must be in [0, 1), got %v", cfg.FailureRate)
	}
	if cfg.MaxExecutors < 0 {
		return nil, fmt.Errorf("max executors must be >= 0, got %d", cfg.MaxExecutors)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = []string{"localhost"}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cluster{
		cfg:       cfg,
		bus:       bus,
		clock:     clk,
		log:       log,
		targets:   make(map[types.ResourceClassID]int),
		executors: make(map[types.ExecutorID]*executor),
		queues:    make(map[types.ResourceClassID]chan Task),
		results:   make(chan Result, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
	c.available.Store(true)
	return c, nil
}

// SetAvailable 模擬管理器可用/不可用
func (c *Cluster) SetAvailable(ok bool) {
	c.available.Store(ok)
	c.log.Info("Local cluster availability changed", "available", ok)
}

// ============================================================================
// 叢集管理器介面
// ============================================================================

// RequestTotalExecutors 記錄每個類別的目標並啟動不足的執行器
func (c *Cluster) RequestTotalExecutors(ctx context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.stopped.Load() {
		return false, ErrClusterStopped
	}
	if !c.available.Load() {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	classes := make([]types.ResourceClassID, 0, len(targets))
	for class := range targets {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	for _, class := range classes {
		target := targets[class]
		c.targets[class] = target
		missing := target - c.liveLocked(class)
		for i := 0; i < missing; i++ {
			if c.cfg.MaxExecutors > 0 && len(c.executors) >= c.cfg.MaxExecutors {
				c.log.Warn("Local cluster is full", "class", class, "target", target, "max", c.cfg.MaxExecutors)
				break
			}
			c.launchLocked(class, hints[class])
		}
	}
	return true, nil
}

// KillExecutors 停止指定的執行器，返回實際被終止的
func (c *Cluster) KillExecutors(ctx context.Context, ids []types.ExecutorID, opts types.KillOptions) ([]types.ExecutorID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.stopped.Load() {
		return nil, ErrClusterStopped
	}
	if !c.available.Load() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var killed []types.ExecutorID
	for _, id := range ids {
		e, ok := c.executors[id]
		if !ok {
			continue
		}
		if e.busy.Load() && !opts.Force {
			c.log.Debug("Not killing busy executor", "executor", id)
			continue
		}
		delete(c.executors, id)
		close(e.stopCh)
		if opts.AdjustTarget && c.targets[e.class] > 0 {
			c.targets[e.class]--
		}
		killed = append(killed, id)
		c.bus.Post(types.ExecutorRemoved{ExecutorID: id, Reason: "killed by request", Time: c.clock.Now()})
	}
	return killed, nil
}

// ============================================================================
// 任務提交與結果
// ============================================================================

// Submit 將任務放入類別佇列
func (c *Cluster) Submit(class types.ResourceClassID, task Task) error {
	if c.stopped.Load() {
		return ErrClusterStopped
	}
	c.mu.Lock()
	q := c.queueLocked(class)
	c.mu.Unlock()

	select {
	case q <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results 執行器回報的任務結果
func (c *Cluster) Results() <-chan Result {
	return c.results
}

// Stop 停止所有執行器並等待其退出
func (c *Cluster) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.log.Info("Local cluster stopped", "launched", c.launched)
}

// ============================================================================
// 查詢方法
// ============================================================================

// Target 管理器端記錄的類別目標
func (c *Cluster) Target(class types.ResourceClassID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[class]
}

// Executors 類別內存活的執行器，已排序
func (c *Cluster) Executors(class types.ResourceClassID) []types.ExecutorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.ExecutorID
	for id, e := range c.executors {
		if e.class == class {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// 內部輔助
// ============================================================================

func (c *Cluster) liveLocked(class types.ResourceClassID) int {
	n := 0
	for _, e := range c.executors {
		if e.class == class {
			n++
		}
	}
	return n
}

func (c *Cluster) queueLocked(class types.ResourceClassID) chan Task {
	q, ok := c.queues[class]
	if !ok {
		q = make(chan Task, c.cfg.QueueSize)
		c.queues[class] = q
	}
	return q
}

// launchLocked 啟動一個執行器，優先放在本地性提示中任務最多的主機
func (c *Cluster) launchLocked(class types.ResourceClassID, hint types.ClassLocality) {
	id := types.ExecutorID("exec-" + uuid.NewString()[:8])
	host := c.pickHost(hint)
	e := &executor{
		id:      id,
		class:   class,
		host:    host,
		queue:   c.queueLocked(class),
		results: c.results,
		bus:     c.bus,
		clock:   c.clock,
		cfg:     c.cfg,
		rng:     rand.New(rand.NewSource(c.cfg.Seed + int64(c.launched))),
		stopCh:  make(chan struct{}),
		done:    c.stopCh,
		log:     c.log,
	}
	c.executors[id] = e
	c.launched++

	c.bus.Post(types.ExecutorAdded{ExecutorID: id, ResourceClass: class, Host: host, Time: c.clock.Now()})
	c.log.Debug("Executor launched", "executor", id, "class", class, "host", host)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		e.run()
	}()
}

func (c *Cluster) pickHost(hint types.ClassLocality) string {
	best, bestCount := "", 0
	for host, n := range hint.HostToLocalTaskCount {
		if n > bestCount || (n == bestCount && host < best) {
			best, bestCount = host, n
		}
	}
	if best != "" {
		return best
	}
	return c.cfg.Hosts[c.launched%len(c.cfg.Hosts)]
}
