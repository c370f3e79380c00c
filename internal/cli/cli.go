// ============================================================================
// Beaver-Alloc CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   beaver-alloc                   # Root command
//   ├── run                        # Run the allocation controller
//   │   ├── --manager             # Remote cluster manager address (default: in-process)
//   │   └── --duration            # Stop after this long (default: until signal)
//   ├── manager                    # Serve the simulated cluster manager over gRPC
//   │   └── --port                # Port to listen on
//   ├── status                     # Print the last persisted allocation status
//   │   └── --output, -o          # table | json | yaml
//   ├── validate                   # Check the config file
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   Uses YAML format config file, sections:
//   - allocation: executor bounds, backlog timeouts, ratio, tick
//   - shuffle / executor / classes: durability flags, idle timeout, cores per task
//   - manager: simulated cluster manager (or remote address)
//   - metrics / snapshot / log: observability
//   - workload: stages submitted by `run`
//
// run Command:
//   1. Load config and install the slog handler
//   2. Build event bus, executor monitor, cluster client and controller
//   3. Start metrics HTTP server (if enabled) and the workload
//   4. Wait for SIGINT/SIGTERM or --duration
//   5. Gracefully shutdown: controller, driver, cluster, bus
//
//   Examples:
//     ./beaver-alloc run
//     ./beaver-alloc run -c configs/default.yaml --duration 30s
//     ./beaver-alloc run --manager localhost:50051
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-alloc/internal/cluster/local"
	"github.com/ChuLiYu/beaver-alloc/internal/cluster/rpc"
	"github.com/ChuLiYu/beaver-alloc/internal/controller"
	"github.com/ChuLiYu/beaver-alloc/internal/eventbus"
	"github.com/ChuLiYu/beaver-alloc/internal/executormonitor"
	"github.com/ChuLiYu/beaver-alloc/internal/metrics"
	"github.com/ChuLiYu/beaver-alloc/internal/snapshot"
	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

var configFile string

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-alloc",
		Short: "Beaver-Alloc: dynamic executor allocation for batch workloads",
		Long: `Beaver-Alloc grows and shrinks a pool of executors with the workload:
- Exponential ramp-up while tasks stay backlogged
- Immediate shrink when the workload needs fewer executors
- Idle executor reclaim bounded by the minimum and the target
- Prometheus metrics and a persisted status report`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildManagerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildValidateCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var managerAddr string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the allocation controller",
		Long:  "Run the allocation controller against the in-process simulated cluster or a remote manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if managerAddr != "" {
				cfg.Manager.Address = managerAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runAllocation(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&managerAddr, "manager", "", "Remote cluster manager address (default: in-process simulation)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this duration (0 = until signal)")

	return cmd
}

// runAllocation 組裝並執行控制器，直到 ctx 結束
func runAllocation(ctx context.Context, cfg *Config, logOut io.Writer) error {
	log, err := newLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	var collector *metrics.Collector
	busOpts := []eventbus.Option{eventbus.WithLogger(log)}
	ctrlOpts := []controller.Option{controller.WithLogger(log)}
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		busOpts = append(busOpts, eventbus.WithDropHook(collector.RecordDropped))
		ctrlOpts = append(ctrlOpts, controller.WithRecorder(collector))
	}
	if cfg.Snapshot.Path != "" {
		ctrlOpts = append(ctrlOpts, controller.WithStatusSink(snapshot.NewManager(cfg.Snapshot.Path), cfg.Snapshot.Interval))
	}

	bus := eventbus.New(busOpts...)
	defer bus.Stop()
	monitor := executormonitor.New(clock.NewClock(), cfg.Executor.IdleTimeout, log)

	var (
		client controller.ClusterClient
		submit submitFunc
		wait   waitFunc
		remote *rpc.Client
	)
	if cfg.Manager.Address == "" {
		cluster, err := local.NewCluster(cfg.ClusterConfig(), bus, clock.NewClock(), log)
		if err != nil {
			return fmt.Errorf("failed to create local cluster: %w", err)
		}
		defer cluster.Stop()
		driver := local.NewDriver(cluster, bus, log)
		driver.Start()
		defer driver.Stop()

		client = cluster
		submit = func(_ context.Context, class types.ResourceClassID, n int, prefs [][]string) (types.StageAttempt, error) {
			return driver.SubmitStage(class, n, prefs)
		}
		wait = driver.WaitStage
	} else {
		conn, err := rpc.Dial(cfg.Manager.Address)
		if err != nil {
			return err
		}
		defer conn.Close()
		remote = rpc.NewClient(conn, log)
		client = remote
		submit = remote.SubmitStage
		log.Info("Using remote cluster manager", "address", cfg.Manager.Address)
	}

	ctrl, err := controller.NewController(cfg.ControllerConfig(), monitor, client, bus, ctrlOpts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if remote != nil {
		// 先開始轉發，初始同步啟動的執行器才會被 monitor 看到
		g.Go(func() error { return remote.WatchEvents(gctx, bus) })
	}
	if err := ctrl.Start(gctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if collector != nil {
		srv := metrics.NewServer(cfg.Metrics.Port, log)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return runWorkload(gctx, cfg.Workload.Stages, submit, wait, log) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("System started successfully")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

// ============================================================================
// manager
// ============================================================================

func buildManagerCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Serve the simulated cluster manager over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Manager.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Manager.Port))
			if err != nil {
				return fmt.Errorf("failed to listen on port %d: %w", cfg.Manager.Port, err)
			}
			return runManager(ctx, cfg, lis, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "Port to listen on")
	return cmd
}

// runManager 在 lis 上提供模擬叢集管理器，直到 ctx 結束
func runManager(ctx context.Context, cfg *Config, lis net.Listener, logOut io.Writer) error {
	log, err := newLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.WithLogger(log))
	defer bus.Stop()
	cluster, err := local.NewCluster(cfg.ClusterConfig(), bus, clock.NewClock(), log)
	if err != nil {
		return fmt.Errorf("failed to create local cluster: %w", err)
	}
	defer cluster.Stop()
	driver := local.NewDriver(cluster, bus, log)
	driver.Start()
	defer driver.Stop()

	srv := rpc.NewServer(cluster, driver, log)
	bus.Subscribe("rpc-watchers", srv)
	if err := bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterClusterManagerServer(grpcServer, srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC Server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Info("Cluster manager stopped")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last allocation status",
		Long:  "Print the allocation status persisted by a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			status, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
			if errors.Is(err, snapshot.ErrSnapshotNotFound) {
				return fmt.Errorf("%w: start 'beaver-alloc run' first", err)
			}
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")
	return cmd
}

func printStatus(w io.Writer, status types.AllocationStatus, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(status)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	fmt.Fprintf(w, "Generated:    %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Initializing: %t\n\n", status.Initializing)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tTARGET\tSTEP\tMAX NEEDED\tEXECUTORS\tREMOVING\tPENDING\tRUNNING\tARMED")
	for _, cs := range status.Classes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			cs.ResourceClass, cs.Target, cs.AddStep, cs.MaxNeeded, cs.Executors,
			cs.PendingRemoval, cs.PendingTasks, cs.RunningTasks, cs.AddArmed)
	}
	return tw.Flush()
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return validateConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func validateConfig(w io.Writer, cfg *Config) error {
	err := cfg.ControllerConfig().Validate()
	if _, logErr := newLogger(cfg.Log.Level, cfg.Log.Format, io.Discard); logErr != nil {
		err = multierr.Append(err, logErr)
	}
	if cfg.Manager.Address == "" {
		if _, clusterErr := local.NewCluster(cfg.ClusterConfig(), nil, nil, nil); clusterErr != nil {
			err = multierr.Append(err, fmt.Errorf("manager: %w", clusterErr))
		}
	}
	for i, s := range cfg.Workload.Stages {
		if s.Tasks <= 0 {
			err = multierr.Append(err, fmt.Errorf("workload stage %d: tasks must be positive, got %d", i, s.Tasks))
		}
	}

	if err == nil {
		fmt.Fprintf(w, "%s: OK\n", configFile)
		return nil
	}
	errs := multierr.Errors(err)
	for _, e := range errs {
		fmt.Fprintf(w, "  - %v\n", e)
	}
	return fmt.Errorf("%s: %d problem(s) found", configFile, len(errs))
}

// Execute 執行根命令，供 main 使用
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
