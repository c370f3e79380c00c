package controller

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ErrInvalidConfig 配置錯誤，NewController 直接返回
var ErrInvalidConfig = errors.New("invalid allocation config")

// ClassConfig 單一資源類別的設定
type ClassConfig struct {
	// TasksPerExecutor 每個執行器可同時執行的任務數（executor cores / task cpus）
	TasksPerExecutor int
}

// Config Controller 配置
type Config struct {
	MinExecutors     int // 每個類別的最小執行器數
	MaxExecutors     int // 每個類別的最大執行器數
	InitialExecutors int // 類別第一次出現時的目標；低於 MinExecutors 時視為 MinExecutors

	SchedulerBacklogTimeout time.Duration // 第一次出現積壓到第一輪擴容的等待時間
	SustainedBacklogTimeout time.Duration // 持續積壓時每輪擴容的間隔
	AllocationRatio         float64       // (0, 1]，按比例縮小需要的執行器數
	TickInterval            time.Duration // 排程週期
	SyncTimeout             time.Duration // 每次呼叫叢集管理器的逾時
	StopTimeout             time.Duration // Stop 等待進行中 tick 的上限

	TasksPerExecutor int                                   // 未在 Classes 中列出的類別使用
	Classes          map[types.ResourceClassID]ClassConfig // 個別類別設定

	ShuffleServiceEnabled  bool // 有外部 shuffle 服務
	ShuffleTrackingEnabled bool // 明確覆寫：依靠 shuffle 追蹤而不是外部服務
	Testing                bool // 測試模式：叢集管理器呼叫一律視為成功
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		MinExecutors:            0,
		MaxExecutors:            10,
		InitialExecutors:        0,
		SchedulerBacklogTimeout: time.Second,
		SustainedBacklogTimeout: time.Second,
		AllocationRatio:         1.0,
		TickInterval:            100 * time.Millisecond,
		SyncTimeout:             10 * time.Second,
		StopTimeout:             10 * time.Second,
		TasksPerExecutor:        1,
	}
}

// initialTarget 實際使用的初始目標
func (c Config) initialTarget() int {
	return max(c.InitialExecutors, c.MinExecutors)
}

// TasksPerExecutorFor 類別的每執行器任務數
func (c Config) TasksPerExecutorFor(class types.ResourceClassID) int {
	if cc, ok := c.Classes[class]; ok && cc.TasksPerExecutor > 0 {
		return cc.TasksPerExecutor
	}
	return c.TasksPerExecutor
}

// Validate 檢查配置，所有違規一次返回，每一項都包裝 ErrInvalidConfig
func (c Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.MinExecutors < 0 {
		fail("minExecutors must be >= 0, got %d", c.MinExecutors)
	}
	if c.MaxExecutors < 1 {
		fail("maxExecutors must be >= 1, got %d", c.MaxExecutors)
	}
	if c.MinExecutors > c.MaxExecutors {
		fail("minExecutors (%d) must be <= maxExecutors (%d)", c.MinExecutors, c.MaxExecutors)
	}
	if c.InitialExecutors < 0 {
		fail("initialExecutors must be >= 0, got %d", c.InitialExecutors)
	}
	if c.initialTarget() > c.MaxExecutors {
		fail("initialExecutors (%d) must be <= maxExecutors (%d)", c.initialTarget(), c.MaxExecutors)
	}
	if c.SchedulerBacklogTimeout <= 0 {
		fail("schedulerBacklogTimeout must be > 0, got %s", c.SchedulerBacklogTimeout)
	}
	if c.SustainedBacklogTimeout <= 0 {
		fail("sustainedSchedulerBacklogTimeout must be > 0, got %s", c.SustainedBacklogTimeout)
	}
	if c.AllocationRatio <= 0 || c.AllocationRatio > 1 {
		fail("executorAllocationRatio must be in (0, 1], got %v", c.AllocationRatio)
	}
	if c.TickInterval <= 0 {
		fail("tick interval must be > 0, got %s", c.TickInterval)
	}
	if c.SyncTimeout <= 0 {
		fail("sync timeout must be > 0, got %s", c.SyncTimeout)
	}
	if c.TasksPerExecutor < 1 {
		fail("tasksPerExecutor must be >= 1, got %d", c.TasksPerExecutor)
	}
	for class, cc := range c.Classes {
		if cc.TasksPerExecutor < 1 {
			fail("tasksPerExecutor of class %q must be >= 1, got %d", class, cc.TasksPerExecutor)
		}
	}
	if !c.ShuffleServiceEnabled && !c.ShuffleTrackingEnabled && !c.Testing {
		fail("dynamic allocation requires an external shuffle service or shuffle tracking; " +
			"killing an executor would otherwise lose shuffle data other executors still need")
	}
	return errs
}
