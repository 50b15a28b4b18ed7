package broker

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
)

// helper owns the control channel to one slave. Requests are read on a
// dedicated goroutine and handled on the master's private loop; everything
// else about a helper is confined to that loop.
type helper struct {
	master *Master
	pid    ProcessIdentifier
	record *slaveRecord
	handle *platform.ScopedHandle
	guard  *resilience.Guard
	logger *zap.Logger

	readerDone chan struct{}
	started    bool
}

func newHelper(m *Master, pid ProcessIdentifier, rec *slaveRecord, handle *platform.ScopedHandle) *helper {
	logger := m.logger.With(zap.Stringer("process_id", pid), zap.String("slave", rec.label.String()))
	return &helper{
		master: m,
		pid:    pid,
		record: rec,
		handle: handle,
		logger: logger,
		guard: resilience.NewGuard(rec.label.String(), resilience.GuardConfig{
			RequestsPerSecond: m.opts.RequestsPerSecond,
			Burst:             m.opts.Burst,
			MaxFailures:       m.opts.MaxProtocolErrors,
			OnTrip: func(string) {
				logger.Warn("Slave exceeded its protocol error budget")
			},
		}),
		readerDone: make(chan struct{}),
	}
}

func (h *helper) start() {
	h.started = true
	go h.readLoop()
}

// stop closes the control channel and waits for the reader to exit.
func (h *helper) stop() {
	_ = platform.ShutdownSocket(h.handle.Get())
	if h.started {
		<-h.readerDone
	}
	_ = h.handle.Close()
}

// discard drops a helper that was never attached.
func (h *helper) discard() {
	_ = h.handle.Close()
	h.master.metrics.SlaveRemoved(reasonClosed)
}

// request is one decoded slave request, or the reason it could not be.
type request struct {
	msg message
	err error
}

func (h *helper) readLoop() {
	defer close(h.readerDone)
	reader := wire.NewReader(h.handle.Get())
	defer reader.Close()

	for {
		body, err := reader.Read()
		if err != nil {
			reason, cause := reasonError, err
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET):
				reason, cause = reasonClosed, nil
			case errors.Is(err, wire.ErrFrameTooLarge), errors.Is(err, wire.ErrMalformed):
				reason = reasonMisbehaving
				h.master.metrics.RecordProtocolError("framing")
			}
			h.master.loop.PostTask(func() { h.master.onError(h.pid, reason, cause) })
			return
		}

		req := request{}
		req.msg, req.err = decodeMessage(body)
		if req.err == nil {
			req.err = validateRequest(req.msg)
		}
		if stray := reader.DropOrphaned(); stray > 0 {
			if req.err == nil {
				req.err = fmt.Errorf("%w: %d unexpected handles", ErrProtocol, stray)
			}
		}

		if !h.master.loop.PostTask(func() { h.serve(req) }) {
			return
		}
	}
}

// serve runs on the private loop.
func (h *helper) serve(req request) {
	m := h.master
	if m.helpers[h.pid] != h {
		return
	}

	err := h.guard.Do(func() error {
		if req.err != nil {
			return req.err
		}
		return h.dispatch(req.msg)
	})

	switch {
	case err == nil:
		return
	case errors.Is(err, resilience.ErrCircuitOpen):
	case errors.Is(err, resilience.ErrRateLimited):
		m.metrics.RecordProtocolError("rate_limited")
		h.logger.Debug("Request over rate limit", zap.Stringer("type", req.msg.typ))
		h.replyFailure(req.msg.typ)
	case errors.Is(err, ErrProtocol):
		m.metrics.RecordProtocolError("malformed")
		h.logger.Warn("Rejected malformed request", zap.Error(err))
		h.replyFailure(req.msg.typ)
	default:
		// Write failures: the slave is gone.
		m.onError(h.pid, reasonError, err)
		return
	}

	if h.guard.Tripped() {
		m.onError(h.pid, reasonMisbehaving, err)
	}
}

func (h *helper) dispatch(msg message) error {
	m := h.master
	reply := message{typ: msg.typ}
	switch msg.typ {
	case msgAllowConnect:
		reply.ok = m.allowConnect(h.pid, msg.connectionID)
	case msgCancelConnect:
		reply.ok = m.cancelConnect(h.pid, msg.connectionID)
	case msgConnect:
		result, peer, handle := m.connect(h.pid, msg.connectionID)
		reply.result = result
		reply.peer = peer
		if handle != nil {
			defer handle.Close()
			reply.handleCount = 1
			return h.write(reply, []platform.Handle{handle.Get()})
		}
	}
	return h.write(reply, nil)
}

func (h *helper) replyFailure(typ messageType) {
	if !typ.known() {
		return
	}
	if err := h.write(message{typ: typ}, nil); err != nil {
		h.master.onError(h.pid, reasonError, err)
	}
}

func (h *helper) write(msg message, handles []platform.Handle) error {
	if err := wire.WriteFrame(h.handle.Get(), msg.encode(), handles); err != nil {
		return fmt.Errorf("reply %s: %w", msg.typ, err)
	}
	return nil
}
