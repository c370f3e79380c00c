// ============================================================================
// Beaver-Alloc 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: allocation_test.go
// 功能: 控制器 + 模擬叢集 + driver 的完整週期
//
// TestEndToEndRampUpAndDrain:
//   - 提交 40 個任務，目標指數成長到上限
//   - 階段完成後目標降回下限
//   - 閒置執行器被回收，只留下限數量
//
// TestManagerOutageRollsBack:
//   - 管理器不可用時目標保持不變（每次同步都回滾）
//   - 恢復後繼續擴容
//
// 測試配置使用毫秒級的逾時與真實時鐘，每個斷言都以 Eventually 等待
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/internal/controller"
	"github.com/ChuLiYu/beaver-alloc/internal/eventbus"
	"github.com/ChuLiYu/beaver-alloc/internal/executormonitor"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 10 * time.Second
	poll    = 10 * time.Millisecond
)

type system struct {
	bus     *eventbus.Bus
	cluster *local.Cluster
	driver  *local.Driver
	ctrl    *controller.Controller
}

// startSystem 組裝並啟動完整系統，測試結束時依序停止
func startSystem(t *testing.T, mutate func(*controller.Config, *local.Config)) *system {
	t.Helper()
	clk := clock.NewClock()

	cfg := controller.DefaultConfig()
	cfg.MinExecutors = 1
	cfg.MaxExecutors = 8
	cfg.InitialExecutors = 1
	cfg.SchedulerBacklogTimeout = 50 * time.Millisecond
	cfg.SustainedBacklogTimeout = 50 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	cfg.SyncTimeout = time.Second
	cfg.ShuffleTrackingEnabled = true

	clusterCfg := local.DefaultConfig()
	clusterCfg.TaskDuration = 100 * time.Millisecond
	clusterCfg.FailureRate = 0
	clusterCfg.Seed = 7

	if mutate != nil {
		mutate(&cfg, &clusterCfg)
	}

	bus := eventbus.New()
	monitor := executormonitor.New(clk, 300*time.Millisecond, nil)
	cluster, err := local.NewCluster(clusterCfg, bus, clk, nil)
	require.NoError(t, err)
	driver := local.NewDriver(cluster, bus, nil)
	ctrl, err := controller.NewController(cfg, monitor, cluster, bus, controller.WithClock(clk))
	require.NoError(t, err)

	require.NoError(t, bus.Start())
	driver.Start()
	require.NoError(t, ctrl.Start(context.Background()))

	t.Cleanup(func() {
		ctrl.Stop()
		driver.Stop()
		cluster.Stop()
		bus.Stop()
	})
	return &system{bus: bus, cluster: cluster, driver: driver, ctrl: ctrl}
}

func TestEndToEndRampUpAndDrain(t *testing.T) {
	s := startSystem(t, nil)
	class := types.DefaultResourceClass

	// 初始同步啟動一個執行器
	require.Eventually(t, func() bool { return len(s.cluster.Executors(class)) == 1 }, waitFor, poll)

	attempt, err := s.driver.SubmitStage(class, 40, nil)
	require.NoError(t, err)

	// 持續積壓，目標成長到上限
	require.Eventually(t, func() bool { return s.ctrl.Target(class) == 8 }, waitFor, poll)
	require.Eventually(t, func() bool { return len(s.cluster.Executors(class)) == 8 }, waitFor, poll)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.driver.WaitStage(ctx, attempt))

	// 沒有工作負載，目標立即降回下限
	require.Eventually(t, func() bool { return s.ctrl.Target(class) == 1 }, waitFor, poll)

	// 閒置逾時後回收到下限
	require.Eventually(t, func() bool { return len(s.cluster.Executors(class)) == 1 }, waitFor, poll)
	require.Eventually(t, func() bool {
		return s.ctrl.ExecutorCount(class) == 1 && s.ctrl.PendingRemovalCount(class) == 0
	}, waitFor, poll)

	status := s.ctrl.Status()
	require.Len(t, status.Classes, 1)
	assert.Equal(t, 1, status.Classes[0].Target)
	assert.Equal(t, 0, status.Classes[0].PendingTasks)
	assert.Equal(t, int64(0), s.bus.Dropped())
}

func TestMultipleResourceClasses(t *testing.T) {
	s := startSystem(t, func(cfg *controller.Config, _ *local.Config) {
		cfg.MaxExecutors = 4
		cfg.Classes = map[types.ResourceClassID]controller.ClassConfig{"gpu": {TasksPerExecutor: 2}}
	})

	attempt, err := s.driver.SubmitStage("gpu", 40, nil)
	require.NoError(t, err)

	// gpu 類別自己擴容到上限，預設類別不受影響
	require.Eventually(t, func() bool { return s.ctrl.Target("gpu") == 4 }, waitFor, poll)
	require.Eventually(t, func() bool { return len(s.cluster.Executors("gpu")) == 4 }, waitFor, poll)
	assert.Equal(t, 1, s.ctrl.Target(types.DefaultResourceClass))
	assert.Len(t, s.cluster.Executors(types.DefaultResourceClass), 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.driver.WaitStage(ctx, attempt))
	require.Eventually(t, func() bool { return s.ctrl.Target("gpu") == 1 }, waitFor, poll)
}

func TestManagerOutageRollsBack(t *testing.T) {
	s := startSystem(t, nil)
	class := types.DefaultResourceClass
	require.Eventually(t, func() bool { return len(s.cluster.Executors(class)) == 1 }, waitFor, poll)

	s.cluster.SetAvailable(false)
	_, err := s.driver.SubmitStage(class, 40, nil)
	require.NoError(t, err)

	// 每一輪擴容都被回滾，管理器端從未收到新目標
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, s.cluster.Target(class))
	assert.Len(t, s.cluster.Executors(class), 1)
	require.Eventually(t, func() bool {
		return s.ctrl.Target(class) == 1 && s.ctrl.AddStep(class) == 1
	}, waitFor, poll)

	s.cluster.SetAvailable(true)
	require.Eventually(t, func() bool { return s.ctrl.Target(class) > 1 }, waitFor, poll)
	require.Eventually(t, func() bool { return len(s.cluster.Executors(class)) > 1 }, waitFor, poll)
}
