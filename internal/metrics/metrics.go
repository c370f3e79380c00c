// ============================================================================
// Beaver-Alloc Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露分配控制器的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 每類別狀態 (GaugeVec, label: class) - 每輪 tick 後更新：
//      - alloc_target_executors: 目前目標
//      - alloc_add_step: 下一輪擴容步長
//      - alloc_max_needed_executors: 工作負載需要的最大執行器數
//      - alloc_executors: 已註冊的執行器數
//      - alloc_pending_removal_executors: 等待移除的執行器數
//      - alloc_pending_tasks / alloc_running_tasks: 工作負載
//
//   2. 計數器 (Counter)：
//      - alloc_sync_total{result="ack|nack"}: 目標同步結果
//      - alloc_executors_kill_requested_total / alloc_executors_killed_total
//      - alloc_kill_skipped_total{reason}: 因下限、目標或未知類別跳過的終止
//      - alloc_events_dropped_total: 事件匯流排丟棄的事件
//
//   3. 性能指標 (Histogram)：
//      - alloc_tick_duration_seconds: 每輪排程耗時
//
// Prometheus 查詢示例:
//
//   # 目標與實際執行器的差距
//   alloc_target_executors - alloc_executors
//
//   # 同步失敗率
//   rate(alloc_sync_total{result="nack"}[5m]) / rate(alloc_sync_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// Collector Prometheus 指標收集器，實作 controller.Recorder
type Collector struct {
	// 每類別狀態
	target         *prometheus.GaugeVec
	addStep        *prometheus.GaugeVec
	maxNeeded      *prometheus.GaugeVec
	executors      *prometheus.GaugeVec
	pendingRemoval *prometheus.GaugeVec
	pendingTasks   *prometheus.GaugeVec
	runningTasks   *prometheus.GaugeVec
	initializing   prometheus.Gauge

	// 計數器
	syncs         *prometheus.CounterVec
	killRequested prometheus.Counter
	killed        prometheus.Counter
	killSkipped   *prometheus.CounterVec
	eventsDropped prometheus.Counter

	// 效能指標
	tickDuration prometheus.Histogram

	mu      sync.Mutex
	classes map[types.ResourceClassID]struct{}
}

func classGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"class"})
}

// NewCollector 創建新的指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	c := &Collector{
		target:         classGauge("alloc_target_executors", "Current executor target per resource class"),
		addStep:        classGauge("alloc_add_step", "Executors to add in the next ramp-up round per resource class"),
		maxNeeded:      classGauge("alloc_max_needed_executors", "Executors needed by the current workload per resource class"),
		executors:      classGauge("alloc_executors", "Registered executors per resource class"),
		pendingRemoval: classGauge("alloc_pending_removal_executors", "Executors pending removal per resource class"),
		pendingTasks:   classGauge("alloc_pending_tasks", "Pending tasks per resource class"),
		runningTasks:   classGauge("alloc_running_tasks", "Running tasks per resource class"),
		initializing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alloc_initializing",
			Help: "1 while the controller is still in its initializing phase",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloc_sync_total",
			Help: "Target sync requests sent to the cluster manager by result",
		}, []string{"result"}),
		killRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloc_executors_kill_requested_total",
			Help: "Executors the controller asked the cluster manager to kill",
		}),
		killed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloc_executors_killed_total",
			Help: "Executors the cluster manager reported as killed",
		}),
		killSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alloc_kill_skipped_total",
			Help: "Idle executors kept alive by reason",
		}, []string{"reason"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloc_events_dropped_total",
			Help: "Workload events dropped because the event bus was full",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alloc_tick_duration_seconds",
			Help:    "Duration of one scheduling round in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		classes: make(map[types.ResourceClassID]struct{}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.target)
	prometheus.MustRegister(c.addStep)
	prometheus.MustRegister(c.maxNeeded)
	prometheus.MustRegister(c.executors)
	prometheus.MustRegister(c.pendingRemoval)
	prometheus.MustRegister(c.pendingTasks)
	prometheus.MustRegister(c.runningTasks)
	prometheus.MustRegister(c.initializing)
	prometheus.MustRegister(c.syncs)
	prometheus.MustRegister(c.killRequested)
	prometheus.MustRegister(c.killed)
	prometheus.MustRegister(c.killSkipped)
	prometheus.MustRegister(c.eventsDropped)
	prometheus.MustRegister(c.tickDuration)

	return c
}

// ObserveStatus 更新每類別的狀態指標
func (c *Collector) ObserveStatus(status types.AllocationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[types.ResourceClassID]struct{}, len(status.Classes))
	for _, cs := range status.Classes {
		class := string(cs.ResourceClass)
		c.target.WithLabelValues(class).Set(float64(cs.Target))
		c.addStep.WithLabelValues(class).Set(float64(cs.AddStep))
		c.maxNeeded.WithLabelValues(class).Set(float64(cs.MaxNeeded))
		c.executors.WithLabelValues(class).Set(float64(cs.Executors))
		c.pendingRemoval.WithLabelValues(class).Set(float64(cs.PendingRemoval))
		c.pendingTasks.WithLabelValues(class).Set(float64(cs.PendingTasks))
		c.runningTasks.WithLabelValues(class).Set(float64(cs.RunningTasks))
		seen[cs.ResourceClass] = struct{}{}
	}

	// 類別消失時移除它的時間序列
	for class := range c.classes {
		if _, ok := seen[class]; !ok {
			c.deleteClassLocked(string(class))
		}
	}
	c.classes = seen

	if status.Initializing {
		c.initializing.Set(1)
	} else {
		c.initializing.Set(0)
	}
}

func (c *Collector) deleteClassLocked(class string) {
	for _, g := range []*prometheus.GaugeVec{c.target, c.addStep, c.maxNeeded, c.executors, c.pendingRemoval, c.pendingTasks, c.runningTasks} {
		g.DeleteLabelValues(class)
	}
}

// ObserveSync 記錄一次目標同步
func (c *Collector) ObserveSync(acknowledged bool) {
	if acknowledged {
		c.syncs.WithLabelValues("ack").Inc()
	} else {
		c.syncs.WithLabelValues("nack").Inc()
	}
}

// ObserveKilled 記錄一次終止請求
func (c *Collector) ObserveKilled(requested, killed int) {
	c.killRequested.Add(float64(requested))
	c.killed.Add(float64(killed))
}

// ObserveKillSkipped 記錄一個被保留的閒置執行器
func (c *Collector) ObserveKillSkipped(reason string) {
	c.killSkipped.WithLabelValues(reason).Inc()
}

// ObserveTick 記錄一輪排程耗時
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

// RecordDropped 記錄事件匯流排丟棄的事件，作為 eventbus.WithDropHook 使用
func (c *Collector) RecordDropped(types.Event) {
	c.eventsDropped.Inc()
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Server metrics HTTP 伺服器
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer 建立 /metrics 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - *Server: 尚未啟動的伺服器
func NewServer(port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run 啟動伺服器，直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Metrics server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
