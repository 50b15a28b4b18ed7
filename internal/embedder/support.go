package embedder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/broker"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/sharedbuffer"
)

// IPCSupport is the IPC runtime of one process: its broker role, its I/O
// loop and the channels running on it.
type IPCSupport struct {
	label          id.InstanceLabel
	processType    ProcessType
	cfg            *config.Config
	logger         *zap.Logger
	metrics        *monitoring.Metrics
	delegate       ProcessDelegate
	delegateRunner runner.TaskRunner

	ioLoop   *runner.Loop
	ownsLoop bool
	// channels is confined to ioLoop.
	channels *channel.Manager

	master *broker.Master
	slave  *broker.Slave

	connectedToMaster atomic.Bool

	mu       sync.Mutex
	shutdown bool
}

// Status is a point-in-time view for the admin endpoint.
type Status struct {
	Instance          string           `json:"instance"`
	ProcessType       string           `json:"process_type"`
	Channels          int              `json:"channels"`
	ConnectedToMaster bool             `json:"connected_to_master,omitempty"`
	ShutDown          bool             `json:"shut_down"`
	Broker            *broker.Snapshot `json:"broker,omitempty"`
}

// Init brings up the IPC runtime for this process. Mismatched options are
// programming errors and panic.
func Init(opts Options) *IPCSupport {
	validate(opts)

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	platform.IgnoreSIGPIPE()

	label := id.NewInstanceLabel()
	base := logging.OrNop(opts.Logger)
	s := &IPCSupport{
		label:          label,
		processType:    opts.ProcessType,
		cfg:            cfg,
		logger:         base.Named("embedder").With(zap.String("instance", label.String()), zap.Stringer("process_type", opts.ProcessType)),
		metrics:        opts.Metrics,
		delegate:       opts.Delegate,
		delegateRunner: opts.DelegateRunner,
		ioLoop:         opts.IOLoop,
	}
	if s.ioLoop == nil {
		s.ioLoop = runner.NewLoop("io", base)
		s.ownsLoop = true
	}
	s.channels = channel.NewManager(s.ioLoop, base, opts.Metrics)

	switch opts.ProcessType {
	case ProcessTypeMaster:
		var delegate broker.MasterDelegate
		if opts.Delegate != nil {
			delegate = opts.Delegate.(MasterProcessDelegate)
		}
		s.master = broker.NewMaster(broker.MasterOptions{
			Logger:            base,
			Delegate:          delegate,
			DelegateRunner:    opts.DelegateRunner,
			Metrics:           opts.Metrics,
			RequestsPerSecond: cfg.Broker.RequestsPerSecond,
			Burst:             cfg.Broker.Burst,
			MaxProtocolErrors: cfg.Broker.MaxProtocolErrors,
		})
	case ProcessTypeSlave:
		var delegate broker.SlaveDelegate
		if opts.Delegate != nil {
			delegate = opts.Delegate.(SlaveProcessDelegate)
		}
		s.slave = broker.NewSlave(broker.SlaveOptions{
			Logger:         base,
			Delegate:       delegate,
			DelegateRunner: opts.DelegateRunner,
			Metrics:        opts.Metrics,
			Handle:         opts.ControlHandle,
		})
	}

	s.logger.Info("IPC support initialized")
	return s
}

func validate(opts Options) {
	switch opts.ProcessType {
	case ProcessTypeNone:
		if opts.ControlHandle.IsValid() {
			panic("embedder: control handle given to a process without a broker")
		}
	case ProcessTypeMaster:
		if _, ok := opts.Delegate.(MasterProcessDelegate); opts.Delegate != nil && !ok {
			panic(fmt.Sprintf("embedder: master delegate %T lacks OnSlaveDisconnect", opts.Delegate))
		}
		if opts.ControlHandle.IsValid() {
			panic("embedder: control handle given to the master")
		}
	case ProcessTypeSlave:
		if _, ok := opts.Delegate.(SlaveProcessDelegate); opts.Delegate != nil && !ok {
			panic(fmt.Sprintf("embedder: slave delegate %T lacks OnMasterDisconnect", opts.Delegate))
		}
		if !opts.ControlHandle.IsValid() {
			panic("embedder: slave needs a control handle")
		}
	default:
		panic(fmt.Sprintf("embedder: unknown %s", opts.ProcessType))
	}
}

// Label identifies this instance in logs.
func (s *IPCSupport) Label() string {
	return s.label.String()
}

// ProcessType returns the role this process was initialized with.
func (s *IPCSupport) ProcessType() ProcessType {
	return s.processType
}

// IOLoop returns the loop channels run on.
func (s *IPCSupport) IOLoop() *runner.Loop {
	return s.ioLoop
}

// Master returns the broker of a master process, nil elsewhere.
func (s *IPCSupport) Master() *broker.Master {
	return s.master
}

// ConnectionManager returns this process's broker endpoint, nil in a
// process without one.
func (s *IPCSupport) ConnectionManager() broker.ConnectionManager {
	switch {
	case s.master != nil:
		return s.master
	case s.slave != nil:
		return s.slave
	}
	return nil
}

// CreateSharedBuffer allocates shared memory backed as configured.
func (s *IPCSupport) CreateSharedBuffer(numBytes int) (*sharedbuffer.Buffer, error) {
	return sharedbuffer.CreateWithOptions(numBytes, sharedbuffer.Options{
		Dir:          s.cfg.SharedBuffer.Dir,
		DisableMemfd: s.cfg.SharedBuffer.DisableMemfd,
		Metrics:      s.metrics,
	})
}

// SharedBufferFromHandle wraps a handle received from a peer.
func (s *IPCSupport) SharedBufferFromHandle(numBytes int, handle *platform.ScopedHandle) (*sharedbuffer.Buffer, error) {
	return sharedbuffer.CreateFromHandleWithMetrics(numBytes, handle, s.metrics)
}

// Status reports the runtime's state. It must not be called while the I/O
// loop is blocked waiting for the caller.
func (s *IPCSupport) Status() Status {
	st := Status{
		Instance:          s.label.String(),
		ProcessType:       s.processType.String(),
		ConnectedToMaster: s.connectedToMaster.Load(),
		ShutDown:          s.isShutdown(),
	}
	s.onIOLoop(func() { st.Channels = s.channels.Len() })
	if s.master != nil && !st.ShutDown {
		snap := s.master.Snapshot()
		st.Broker = &snap
	}
	return st
}

// Shutdown tears down every channel and the broker endpoint, then
// delivers OnShutdownComplete. It blocks until teardown is done and must
// not be called on the I/O loop. Further calls are no-ops.
func (s *IPCSupport) Shutdown() {
	if s.ioLoop.RunsTasksInCurrentSequence() {
		panic("embedder: Shutdown called on the I/O loop, use ShutdownOnIOThread")
	}
	if s.isShutdown() {
		if s.ownsLoop {
			s.ioLoop.Stop()
		}
		return
	}
	if !s.ioLoop.PostTaskAndWait(s.ShutdownOnIOThread) {
		panic("embedder: I/O loop stopped before Shutdown")
	}
	if s.ownsLoop {
		s.ioLoop.Stop()
	}
}

// ShutdownOnIOThread is Shutdown for callers already on the I/O loop.
func (s *IPCSupport) ShutdownOnIOThread() {
	s.ioLoop.AssertOnLoop("ShutdownOnIOThread")
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	destroyed := s.channels.DestroyAll()
	if s.master != nil {
		s.master.Shutdown()
	}
	if s.slave != nil {
		s.slave.Shutdown()
	}
	s.logger.Info("IPC support shut down", zap.Int("channels_destroyed", destroyed))

	if s.delegate != nil {
		delegate := s.delegate
		runner.PostOrRun(s.delegateRunner, delegate.OnShutdownComplete)
	}
}

func (s *IPCSupport) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *IPCSupport) assertRunning(what string) {
	if s.isShutdown() {
		panic(fmt.Sprintf("embedder: %s after Shutdown", what))
	}
}

// onIOLoop runs task on the I/O loop and waits for it. It reports false if
// the loop has stopped.
func (s *IPCSupport) onIOLoop(task func()) bool {
	if s.ioLoop.RunsTasksInCurrentSequence() {
		task()
		return true
	}
	return s.ioLoop.PostTaskAndWait(task)
}
