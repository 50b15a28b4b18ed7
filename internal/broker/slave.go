package broker

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
)

// ErrMasterDisconnected is reported once the control channel is gone.
var ErrMasterDisconnected = errors.New("broker: master disconnected")

// SlaveOptions configures a Slave.
type SlaveOptions struct {
	Logger   *zap.Logger
	Delegate SlaveDelegate
	// DelegateRunner delivers delegate calls. Nil delivers them on the
	// goroutine that observed the disconnect.
	DelegateRunner runner.TaskRunner
	Metrics        *monitoring.Metrics
	// Handle is this process's end of the control channel to the master.
	Handle *platform.ScopedHandle
}

// Slave forwards ConnectionManager calls to the master over the control
// channel. Calls are synchronous; one is in flight at a time.
type Slave struct {
	logger         *zap.Logger
	metrics        *monitoring.Metrics
	delegate       SlaveDelegate
	delegateRunner runner.TaskRunner
	handle         *platform.ScopedHandle

	requestMu sync.Mutex
	responses chan response

	closed       chan struct{}
	closeOnce    sync.Once
	shuttingDown atomic.Bool
	readerDone   chan struct{}
}

type response struct {
	msg    message
	handle *platform.ScopedHandle
	err    error
}

var _ ConnectionManager = (*Slave)(nil)

// NewSlave starts servicing the control channel. The slave takes ownership
// of opts.Handle.
func NewSlave(opts SlaveOptions) *Slave {
	handle := opts.Handle.Pass()
	if !handle.IsValid() {
		panic("broker: NewSlave with invalid control handle")
	}
	s := &Slave{
		logger:         logging.OrNop(opts.Logger).Named("broker.slave"),
		metrics:        opts.Metrics,
		delegate:       opts.Delegate,
		delegateRunner: opts.DelegateRunner,
		handle:         handle,
		responses:      make(chan response, 1),
		closed:         make(chan struct{}),
		readerDone:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Slave) readLoop() {
	defer close(s.readerDone)
	reader := wire.NewReader(s.handle.Get())
	defer reader.Close()

	for {
		body, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrMasterDisconnected
			}
			s.fail(err)
			return
		}

		r := response{}
		r.msg, r.err = decodeMessage(body)
		if r.err == nil && r.msg.handleCount > 0 {
			if r.msg.handleCount > uint64(reader.Pending()) {
				r.err = fmt.Errorf("%w: %d handles announced, %d received", ErrProtocol, r.msg.handleCount, reader.Pending())
			} else {
				handles, _ := reader.TakeHandles(int(r.msg.handleCount))
				if len(handles) == 1 {
					r.handle = handles[0]
				} else {
					platform.CloseAll(handles)
				}
			}
		}
		reader.DropOrphaned()

		select {
		case s.responses <- r:
		case <-s.closed:
			_ = r.handle.Close()
			return
		}
	}
}

// fail marks the control channel broken and notifies the delegate once.
func (s *Slave) fail(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = platform.ShutdownSocket(s.handle.Get())
		if s.shuttingDown.Load() {
			return
		}
		s.logger.Error("Lost connection to master", zap.Error(err))
		if s.delegate != nil {
			delegate := s.delegate
			runner.PostOrRun(s.delegateRunner, delegate.OnMasterDisconnect)
		}
	})
}

func (s *Slave) checkRunning() {
	if s.shuttingDown.Load() {
		panic("broker: slave used after Shutdown")
	}
}

// request sends msg and waits for the matching response.
func (s *Slave) request(msg message) (response, bool) {
	s.checkRunning()
	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	select {
	case <-s.closed:
		return response{}, false
	default:
	}

	if err := wire.WriteFrame(s.handle.Get(), msg.encode(), nil); err != nil {
		s.fail(err)
		return response{}, false
	}

	select {
	case r := <-s.responses:
		if r.err == nil {
			r.err = validateResponse(r.msg, msg.typ)
		}
		if r.err != nil {
			_ = r.handle.Close()
			s.fail(r.err)
			return response{}, false
		}
		return r, true
	case <-s.closed:
		return response{}, false
	}
}

// GenerateConnectionIdentifier draws a fresh token locally.
func (s *Slave) GenerateConnectionIdentifier() id.ConnectionIdentifier {
	return id.NewConnectionIdentifier()
}

// AllowConnect registers this slave's intent with the master.
func (s *Slave) AllowConnect(cid id.ConnectionIdentifier) bool {
	timer := monitoring.NewTimer(s.metrics, "allow_connect")
	r, ok := s.request(message{typ: msgAllowConnect, connectionID: cid})
	ok = ok && r.msg.ok
	timer.Stop(status(ok))
	return ok
}

// CancelConnect retracts this slave's intent.
func (s *Slave) CancelConnect(cid id.ConnectionIdentifier) bool {
	timer := monitoring.NewTimer(s.metrics, "cancel_connect")
	r, ok := s.request(message{typ: msgCancelConnect, connectionID: cid})
	ok = ok && r.msg.ok
	timer.Stop(status(ok))
	return ok
}

// Connect asks the master to complete the rendezvous.
func (s *Slave) Connect(cid id.ConnectionIdentifier) (Result, ProcessIdentifier, *platform.ScopedHandle) {
	timer := monitoring.NewTimer(s.metrics, "connect")
	r, ok := s.request(message{typ: msgConnect, connectionID: cid})
	if !ok {
		timer.Stop(ResultFailure.String())
		return ResultFailure, InvalidProcessIdentifier, nil
	}
	if r.msg.result == ResultNewConnection && !r.handle.IsValid() {
		s.logger.Warn("Master sent an invalid connection handle", zap.Stringer("connection_id", cid))
		timer.Stop(ResultFailure.String())
		return ResultFailure, InvalidProcessIdentifier, nil
	}
	if r.msg.result != ResultNewConnection {
		_ = r.handle.Close()
		r.handle = nil
	}
	if !r.msg.result.Succeeded() {
		r.msg.peer = InvalidProcessIdentifier
	}
	timer.Stop(r.msg.result.String())
	return r.msg.result, r.msg.peer, r.handle
}

// Shutdown closes the control channel without notifying the delegate. It
// must be the last call on s.
func (s *Slave) Shutdown() {
	if s.shuttingDown.Swap(true) {
		return
	}
	s.requestMu.Lock()
	s.closeOnce.Do(func() { close(s.closed) })
	_ = platform.ShutdownSocket(s.handle.Get())
	s.requestMu.Unlock()

	<-s.readerDone
	select {
	case r := <-s.responses:
		_ = r.handle.Close()
	default:
	}
	_ = s.handle.Close()
	s.logger.Debug("Slave connection manager stopped")
}
