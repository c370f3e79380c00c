package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/internal/controller"
	"github.com/ChuLiYu/beaver-alloc/internal/eventbus"
	"github.com/ChuLiYu/beaver-alloc/internal/executormonitor"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// demo 展示一個完整的擴容/縮容週期：
//
//	burst   一個 200 任務的階段，目標 1 → 2 → 4 → 8 ... 直到上限
//	drain   階段完成後目標立即降回下限
//	reclaim 執行器閒置逾時後被回收到下限
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <burst|mixed>")
		os.Exit(1)
	}
	mode := os.Args[1]

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	clk := clock.NewClock()

	cfg := controller.DefaultConfig()
	cfg.MinExecutors = 1
	cfg.MaxExecutors = 16
	cfg.InitialExecutors = 1
	cfg.SchedulerBacklogTimeout = 200 * time.Millisecond
	cfg.SustainedBacklogTimeout = 200 * time.Millisecond
	cfg.TickInterval = 50 * time.Millisecond
	cfg.TasksPerExecutor = 2
	cfg.ShuffleTrackingEnabled = true
	cfg.Classes = map[types.ResourceClassID]controller.ClassConfig{"gpu": {TasksPerExecutor: 1}}

	bus := eventbus.New()
	monitor := executormonitor.New(clk, 2*time.Second, nil)
	clusterCfg := local.DefaultConfig()
	clusterCfg.TaskDuration = 300 * time.Millisecond
	cluster, err := local.NewCluster(clusterCfg, bus, clk, nil)
	if err != nil {
		log.Fatalf("Failed to create cluster: %v", err)
	}
	driver := local.NewDriver(cluster, bus, nil)

	ctrl, err := controller.NewController(cfg, monitor, cluster, bus)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(); err != nil {
		log.Fatalf("Failed to start bus: %v", err)
	}
	driver.Start()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	var stages []types.StageAttempt
	submit := func(class types.ResourceClassID, n int) {
		attempt, err := driver.SubmitStage(class, n, nil)
		if err != nil {
			log.Fatalf("Failed to submit stage: %v", err)
		}
		stages = append(stages, attempt)
		fmt.Printf("✓ Submitted stage %s (%d tasks, class %s)\n", attempt, n, class)
	}

	switch mode {
	case "burst":
		submit(types.DefaultResourceClass, 200)
	case "mixed":
		submit(types.DefaultResourceClass, 120)
		submit("gpu", 20)
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(15 * time.Second)

loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			status := ctrl.Status()
			for _, cs := range status.Classes {
				fmt.Printf("📊 %-8s target=%-3d step=%-3d executors=%-3d removing=%-2d pending=%-4d running=%d\n",
					cs.ResourceClass, cs.Target, cs.AddStep, cs.Executors, cs.PendingRemoval, cs.PendingTasks, cs.RunningTasks)
			}
			if driver.ActiveStages() == 0 && len(stages) > 0 {
				fmt.Println("✓ All stages completed, waiting for idle executors to be reclaimed")
				stages = nil
			}
		}
	}

	ctrl.Stop()
	driver.Stop()
	cluster.Stop()
	bus.Stop()
	fmt.Println("✓ Controller stopped")
}
