package embedder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/broker"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
)

// ProcessType is the role this process plays in the broker topology.
type ProcessType int

const (
	// ProcessTypeNone runs channels without a broker.
	ProcessTypeNone ProcessType = iota
	ProcessTypeMaster
	ProcessTypeSlave
)

func (t ProcessType) String() string {
	switch t {
	case ProcessTypeNone:
		return "none"
	case ProcessTypeMaster:
		return "master"
	case ProcessTypeSlave:
		return "slave"
	default:
		return fmt.Sprintf("ProcessType(%d)", int(t))
	}
}

// ProcessDelegate is notified once shutdown has finished.
type ProcessDelegate interface {
	OnShutdownComplete()
}

// MasterProcessDelegate is the delegate of a master process.
type MasterProcessDelegate interface {
	ProcessDelegate
	OnSlaveDisconnect(info broker.SlaveInfo)
}

// SlaveProcessDelegate is the delegate of a slave process.
type SlaveProcessDelegate interface {
	ProcessDelegate
	OnMasterDisconnect()
}

// Options configures Init.
type Options struct {
	ProcessType ProcessType
	// Delegate must implement MasterProcessDelegate or
	// SlaveProcessDelegate to match ProcessType. It may be nil.
	Delegate ProcessDelegate
	// DelegateRunner delivers delegate calls. Nil delivers them on the
	// goroutine that produced them.
	DelegateRunner runner.TaskRunner
	// IOLoop runs channel setup and teardown. Nil starts a private loop
	// that Shutdown stops.
	IOLoop *runner.Loop
	// ControlHandle is a slave's end of its control channel to the master.
	ControlHandle *platform.ScopedHandle

	Config  *config.Config
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}
