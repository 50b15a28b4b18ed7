package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/embedder"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
)

const minBufferSize = 256

var (
	slaveCount int
	bufferSize int
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the broker and launch slaves",
	Long: `Run this process as the master: launch --slaves copies of this binary as
slaves, connect a channel to each one, greet it and share a buffer with it,
then wait for the slaves to exit.`,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().IntVar(&slaveCount, "slaves", 2, "Number of slave processes to launch")
	masterCmd.Flags().IntVar(&bufferSize, "buffer-size", 4096, "Bytes of shared memory sent to each slave")
	rootCmd.AddCommand(masterCmd)
}

func runMaster(cmd *cobra.Command, _ []string) error {
	if slaveCount < 0 {
		return fmt.Errorf("--slaves must not be negative, got %d", slaveCount)
	}
	if bufferSize < minBufferSize {
		return fmt.Errorf("--buffer-size must be at least %d, got %d", minBufferSize, bufferSize)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "master")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	delegates := runner.NewLoop("delegate", logger)
	defer delegates.Stop()
	ipc := embedder.Init(embedder.Options{
		ProcessType:    embedder.ProcessTypeMaster,
		Delegate:       &masterDelegate{logger: logger},
		DelegateRunner: delegates,
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
	})
	defer ipc.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	var admin errgroup.Group
	if cfg.Admin.Enabled {
		srv := server.New(server.Options{
			Addr:         cfg.Admin.Addr,
			AllowOrigins: cfg.Admin.AllowOrigins,
			Development:  cfg.Logging.Development,
			Status:       func() any { return ipc.Status() },
			Metrics:      metrics,
			Gatherer:     reg,
			Logger:       logger,
		})
		admin.Go(func() error { return srv.Run(adminCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range slaveCount {
		g.Go(func() error {
			return launchSlave(gctx, ipc, exe, fmt.Sprintf("slave-%d", i), logger)
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Interrupted, shutting down")
	}

	stopAdmin()
	if adminErr := admin.Wait(); err == nil {
		err = adminErr
	}
	return err
}

// launchSlave starts one slave process, runs the exchange with it and waits
// for it to exit.
func launchSlave(ctx context.Context, ipc *embedder.IPCSupport, exe, name string, logger *zap.Logger) error {
	pair, err := platform.NewChannelPair()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer pair.Close()

	child := exec.CommandContext(ctx, exe, "slave")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	controlFD, err := pair.PrepareToPassClientHandle(child)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	created := make(chan channel.Info, 1)
	pipe, cid := ipc.ConnectToSlave(name, pair.Server, func(info channel.Info) { created <- info }, nil)
	child.Args = append(child.Args,
		"--connection-id", cid.String(),
		"--control-fd", strconv.Itoa(controlFD))
	if configPath != "" {
		child.Args = append(child.Args, "--config", configPath)
	}

	if err := child.Start(); err != nil {
		pipe.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}
	pair.ChildProcessLaunched()
	slaveLog := logger.With(zap.String("slave", name), zap.Int("slave_pid", child.Process.Pid))
	slaveLog.Info("Slave launched", zap.Stringer("connection_id", cid))

	var info channel.Info
	select {
	case info = <-created:
	case <-ctx.Done():
	}

	var exchangeErr error
	switch {
	case info.IsValid():
		exchangeErr = greetSlave(ctx, ipc, pipe, info, name, bufferSize, slaveLog)
	case ctx.Err() == nil:
		exchangeErr = fmt.Errorf("%s: no channel to slave", name)
		pipe.Close()
	default:
		pipe.Close()
	}

	waitErr := child.Wait()
	if info.IsValid() {
		ipc.DestroyChannel(info, nil, nil)
	}
	if ctx.Err() != nil {
		return nil
	}
	if exchangeErr != nil {
		return exchangeErr
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("%s exited with status %d", name, exitErr.ExitCode())
	}
	if waitErr != nil {
		return fmt.Errorf("%s: %w", name, waitErr)
	}
	slaveLog.Info("Slave exited")
	return nil
}
