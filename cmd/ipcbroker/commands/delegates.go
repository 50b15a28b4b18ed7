package commands

import (
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/broker"
)

type masterDelegate struct {
	logger *zap.Logger
}

func (d *masterDelegate) OnSlaveDisconnect(info broker.SlaveInfo) {
	d.logger.Info("Slave disconnected", zap.Any("slave", info))
}

func (d *masterDelegate) OnShutdownComplete() {
	d.logger.Debug("IPC shutdown complete")
}

// slaveDelegate closes lost when the master goes away.
type slaveDelegate struct {
	logger *zap.Logger
	lost   chan struct{}
	once   sync.Once
}

func newSlaveDelegate(logger *zap.Logger) *slaveDelegate {
	return &slaveDelegate{logger: logger, lost: make(chan struct{})}
}

func (d *slaveDelegate) OnMasterDisconnect() {
	d.once.Do(func() {
		d.logger.Info("Master disconnected")
		close(d.lost)
	})
}

func (d *slaveDelegate) OnShutdownComplete() {
	d.logger.Debug("IPC shutdown complete")
}
