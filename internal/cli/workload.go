package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// submitFunc 提交一個階段（本地 driver 或遠端管理器）
type submitFunc func(ctx context.Context, class types.ResourceClassID, numTasks int, prefs [][]string) (types.StageAttempt, error)

// waitFunc 等待階段完成；遠端模式為 nil
type waitFunc func(ctx context.Context, attempt types.StageAttempt) error

// runWorkload 依序提交配置中的階段
//
// 參數說明:
//   - stages: 工作負載描述，After 為相對前一階段的延遲
//   - submit: 提交函數
//   - wait: 等待函數，為 nil 時忽略 StageSpec.Wait
//
// 返回值:
//   - error: 提交失敗；ctx 取消時返回 nil
func runWorkload(ctx context.Context, stages []StageSpec, submit submitFunc, wait waitFunc, log *slog.Logger) error {
	for i, s := range stages {
		if s.After > 0 {
			timer := time.NewTimer(s.After)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		attempt, err := submit(ctx, types.ResourceClassID(s.Class), s.Tasks, localityPrefs(s))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("workload stage %d: %w", i, err)
		}
		log.Info("Workload stage submitted", "index", i, "stage", attempt, "tasks", s.Tasks, "class", s.Class)

		if s.Wait && wait != nil {
			if err := wait(ctx, attempt); err != nil {
				return nil
			}
			log.Info("Workload stage finished", "index", i, "stage", attempt)
		}
	}
	log.Info("Workload fully submitted", "stages", len(stages))
	return nil
}

// localityPrefs 每個任務都偏好同一組主機
func localityPrefs(s StageSpec) [][]string {
	if len(s.PreferredHosts) == 0 {
		return nil
	}
	prefs := make([][]string, s.Tasks)
	for i := range prefs {
		prefs[i] = s.PreferredHosts
	}
	return prefs
}
