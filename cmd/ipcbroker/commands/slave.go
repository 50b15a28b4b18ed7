package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/embedder"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
)

var errMasterGone = errors.New("master went away")

var (
	connectionID string
	controlFD    int
)

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run as a slave of a master process",
	Long: `Run this process as a slave. The master launches slaves itself and
passes the connection id and the inherited control descriptor on the
command line.`,
	Hidden: true,
	RunE:   runSlave,
}

func init() {
	slaveCmd.Flags().StringVar(&connectionID, "connection-id", "", "Connection id issued by the master")
	slaveCmd.Flags().IntVar(&controlFD, "control-fd", -1, "Inherited descriptor of the control channel")
	_ = slaveCmd.MarkFlagRequired("connection-id")
	_ = slaveCmd.MarkFlagRequired("control-fd")
	rootCmd.AddCommand(slaveCmd)
}

func runSlave(cmd *cobra.Command, _ []string) error {
	handle, err := platform.HandleFromInheritedFD(controlFD)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_ = handle.Close()
		return err
	}
	logger, err := newLogger(cfg, "slave")
	if err != nil {
		_ = handle.Close()
		return err
	}
	defer func() { _ = logger.Sync() }()

	delegates := runner.NewLoop("delegate", logger)
	defer delegates.Stop()
	delegate := newSlaveDelegate(logger)
	ipc := embedder.Init(embedder.Options{
		ProcessType:    embedder.ProcessTypeSlave,
		Delegate:       delegate,
		DelegateRunner: delegates,
		ControlHandle:  handle,
		Config:         cfg,
		Logger:         logger,
	})
	defer ipc.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-delegate.lost:
			cancel()
		case <-ctx.Done():
		}
	}()

	created := make(chan channel.Info, 1)
	pipe := ipc.ConnectToMaster(connectionID, func(info channel.Info) { created <- info }, nil)

	var info channel.Info
	select {
	case info = <-created:
	case <-ctx.Done():
		pipe.Close()
		return masterGone(delegate)
	}
	if !info.IsValid() {
		pipe.Close()
		return fmt.Errorf("no channel to master for %s", connectionID)
	}
	logger.Info("Connected to master", zap.Stringer("channel", info))

	if err := serveMaster(ctx, ipc, pipe, info, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return masterGone(delegate)
		}
		return err
	}
	return nil
}

// masterGone reports a lost master as an error and an interrupt as success.
func masterGone(d *slaveDelegate) error {
	select {
	case <-d.lost:
		return errMasterGone
	default:
		return nil
	}
}
