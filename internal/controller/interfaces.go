package controller

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-alloc/internal/eventbus"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// ============================================================================
// 外部協作者
// ============================================================================

// IdleTracker 回報閒置逾時的執行器，並維護每個類別的執行器數
type IdleTracker interface {
	TimedOutExecutors() []types.ExecutorID
	ExecutorCount(class types.ResourceClassID) int
	PendingRemovalCount(class types.ResourceClassID) int
	ResourceClassOf(id types.ExecutorID) (types.ResourceClassID, bool)
	ExecutorsKilled(ids []types.ExecutorID)
	Reset()
}

// ClusterClient 叢集資源管理器客戶端
type ClusterClient interface {
	// RequestTotalExecutors 送出每個類別的完整目標。false 或 error 代表未被確認。
	RequestTotalExecutors(ctx context.Context, hints types.LocalityHints, targets map[types.ResourceClassID]int) (bool, error)
	// KillExecutors 返回實際被終止的執行器
	KillExecutors(ctx context.Context, ids []types.ExecutorID, opts types.KillOptions) ([]types.ExecutorID, error)
}

// EventSource 工作負載事件來源
type EventSource interface {
	Subscribe(name string, l eventbus.Listener)
}

// Recorder 接收控制器的觀測數據，internal/metrics.Collector 實作此介面
type Recorder interface {
	ObserveStatus(status types.AllocationStatus)
	ObserveSync(acknowledged bool)
	ObserveKilled(requested, killed int)
	ObserveKillSkipped(reason string)
	ObserveTick(d time.Duration)
}

// StatusSink 持久化狀態報告，internal/snapshot.Manager 實作此介面
type StatusSink interface {
	Write(status types.AllocationStatus) error
}

type nopRecorder struct{}

func (nopRecorder) ObserveStatus(types.AllocationStatus) {}
func (nopRecorder) ObserveSync(bool)                     {}
func (nopRecorder) ObserveKilled(int, int)               {}
func (nopRecorder) ObserveKillSkipped(string)            {}
func (nopRecorder) ObserveTick(time.Duration)            {}
