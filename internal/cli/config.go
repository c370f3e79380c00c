package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/internal/controller"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Allocation struct {
		MinExecutors            int           `yaml:"min_executors"`
		MaxExecutors            int           `yaml:"max_executors"`
		InitialExecutors        int           `yaml:"initial_executors"`
		SchedulerBacklogTimeout time.Duration `yaml:"scheduler_backlog_timeout"`
		SustainedBacklogTimeout time.Duration `yaml:"sustained_backlog_timeout"`
		AllocationRatio         float64       `yaml:"allocation_ratio"`
		TickInterval            time.Duration `yaml:"tick_interval"`
		SyncTimeout             time.Duration `yaml:"sync_timeout"`
		StopTimeout             time.Duration `yaml:"stop_timeout"`
		Testing                 bool          `yaml:"testing"`
	} `yaml:"allocation"`

	Shuffle struct {
		ServiceEnabled  bool `yaml:"service_enabled"`
		TrackingEnabled bool `yaml:"tracking_enabled"`
	} `yaml:"shuffle"`

	Executor struct {
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		Cores       int           `yaml:"cores"`
		TaskCPUs    int           `yaml:"task_cpus"`
	} `yaml:"executor"`

	// Classes 每個資源類別覆寫 cores/task_cpus
	Classes map[string]struct {
		Cores    int `yaml:"cores"`
		TaskCPUs int `yaml:"task_cpus"`
	} `yaml:"classes"`

	Manager struct {
		Address      string        `yaml:"address"` // 非空時 run 連線遠端管理器
		Port         int           `yaml:"port"`    // manager 指令的 gRPC 端口
		MaxExecutors int           `yaml:"max_executors"`
		TaskDuration time.Duration `yaml:"task_duration"`
		FailureRate  float64       `yaml:"failure_rate"`
		Hosts        []string      `yaml:"hosts"`
		Seed         int64         `yaml:"seed"`
	} `yaml:"manager"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Workload struct {
		Stages []StageSpec `yaml:"stages"`
	} `yaml:"workload"`
}

// StageSpec 工作負載中的一個階段
type StageSpec struct {
	Class          string        `yaml:"class"`
	Tasks          int           `yaml:"tasks"`
	After          time.Duration `yaml:"after"` // 相對前一個階段的延遲
	PreferredHosts []string      `yaml:"preferred_hosts"`
	Wait           bool          `yaml:"wait"` // 等待此階段完成再提交下一個
}

// defaultConfig 未出現在檔案中的欄位使用這些值
func defaultConfig() *Config {
	alloc := controller.DefaultConfig()
	cluster := local.DefaultConfig()

	var cfg Config
	cfg.Allocation.MinExecutors = alloc.MinExecutors
	cfg.Allocation.MaxExecutors = alloc.MaxExecutors
	cfg.Allocation.InitialExecutors = alloc.InitialExecutors
	cfg.Allocation.SchedulerBacklogTimeout = alloc.SchedulerBacklogTimeout
	cfg.Allocation.SustainedBacklogTimeout = alloc.SustainedBacklogTimeout
	cfg.Allocation.AllocationRatio = alloc.AllocationRatio
	cfg.Allocation.TickInterval = alloc.TickInterval
	cfg.Allocation.SyncTimeout = alloc.SyncTimeout
	cfg.Allocation.StopTimeout = alloc.StopTimeout
	cfg.Shuffle.TrackingEnabled = true
	cfg.Executor.IdleTimeout = 60 * time.Second
	cfg.Executor.Cores = 1
	cfg.Executor.TaskCPUs = 1
	cfg.Manager.Port = 50051
	cfg.Manager.TaskDuration = cluster.TaskDuration
	cfg.Manager.FailureRate = cluster.FailureRate
	cfg.Manager.Hosts = cluster.Hosts
	cfg.Metrics.Port = 9090
	cfg.Snapshot.Path = "data/status.json"
	cfg.Snapshot.Interval = 5 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// tasksPerExecutor executor cores / task cpus，至少為 0 讓驗證報錯
func tasksPerExecutor(cores, taskCPUs int) int {
	if taskCPUs <= 0 {
		return 0
	}
	return cores / taskCPUs
}

// ControllerConfig 轉換為控制器配置
func (c *Config) ControllerConfig() controller.Config {
	cc := controller.Config{
		MinExecutors:            c.Allocation.MinExecutors,
		MaxExecutors:            c.Allocation.MaxExecutors,
		InitialExecutors:        c.Allocation.InitialExecutors,
		SchedulerBacklogTimeout: c.Allocation.SchedulerBacklogTimeout,
		SustainedBacklogTimeout: c.Allocation.SustainedBacklogTimeout,
		AllocationRatio:         c.Allocation.AllocationRatio,
		TickInterval:            c.Allocation.TickInterval,
		SyncTimeout:             c.Allocation.SyncTimeout,
		StopTimeout:             c.Allocation.StopTimeout,
		TasksPerExecutor:        tasksPerExecutor(c.Executor.Cores, c.Executor.TaskCPUs),
		ShuffleServiceEnabled:   c.Shuffle.ServiceEnabled,
		ShuffleTrackingEnabled:  c.Shuffle.TrackingEnabled,
		Testing:                 c.Allocation.Testing,
	}
	if len(c.Classes) > 0 {
		cc.Classes = make(map[types.ResourceClassID]controller.ClassConfig, len(c.Classes))
		for name, class := range c.Classes {
			cc.Classes[types.ResourceClassID(name)] = controller.ClassConfig{
				TasksPerExecutor: tasksPerExecutor(class.Cores, class.TaskCPUs),
			}
		}
	}
	return cc
}

// ClusterConfig 轉換為模擬叢集配置
func (c *Config) ClusterConfig() local.Config {
	return local.Config{
		MaxExecutors: c.Manager.MaxExecutors,
		TaskDuration: c.Manager.TaskDuration,
		FailureRate:  c.Manager.FailureRate,
		Hosts:        c.Manager.Hosts,
		Seed:         c.Manager.Seed,
	}
}

// newLogger 依 log 區段建立 slog logger
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
