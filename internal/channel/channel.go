package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
)

// BootstrapPipe is the number of the pipe every channel starts with.
const BootstrapPipe uint64 = 0

// MaxPipes bounds how many pipes one channel may carry, including those
// the peer opens by writing to them.
const MaxPipes = 1024

// ErrTooManyPipes is returned when a channel already carries MaxPipes pipes.
var ErrTooManyPipes = errors.New("channel: too many pipes")

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// Options configures a Channel.
type Options struct {
	Name    string
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Channel multiplexes message pipes over one connected stream socket.
// Writes go straight to the socket on the writer's goroutine; a dedicated
// reader goroutine demultiplexes incoming frames.
type Channel struct {
	name    string
	logger  *zap.Logger
	metrics *monitoring.Metrics
	handle  *platform.ScopedHandle

	writeMu     sync.Mutex
	writeClosed bool

	mu    sync.Mutex
	state state
	pipes map[uint64]*MessagePipe

	willShutdown atomic.Bool
	readerDone   chan struct{}
}

// New wraps a connected socket. bootstrap becomes pipe 0 and starts
// carrying traffic once Start is called. New takes ownership of handle.
func New(handle *platform.ScopedHandle, bootstrap *MessagePipe, opts Options) *Channel {
	h := handle.Pass()
	if !h.IsValid() {
		panic("channel: New with invalid handle")
	}
	if bootstrap == nil || bootstrap.id != BootstrapPipe {
		panic("channel: New needs a bootstrap pipe")
	}
	name := opts.Name
	if name == "" {
		name = "channel"
	}
	return &Channel{
		name:       name,
		logger:     logging.OrNop(opts.Logger).Named("channel").With(zap.String("channel", name)),
		metrics:    opts.Metrics,
		handle:     h,
		pipes:      map[uint64]*MessagePipe{BootstrapPipe: bootstrap},
		readerDone: make(chan struct{}),
	}
}

// Name returns the channel's name.
func (c *Channel) Name() string {
	return c.name
}

// Start begins reading and flushes whatever the pipes queued so far.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		panic(fmt.Sprintf("channel: %s started twice", c.name))
	}
	c.state = stateRunning
	pipes := c.snapshotLocked()
	c.mu.Unlock()

	go c.readLoop()
	for _, p := range pipes {
		p.attach(c)
	}
	c.metrics.ChannelStarted()
	c.logger.Debug("Channel started")
}

// Pipe returns pipe id, creating it if this side has not seen it yet.
// Both ends agree on pipe numbers out of band, usually over the bootstrap
// pipe.
func (c *Channel) Pipe(id uint64) (*MessagePipe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipes[id]; ok {
		return p, nil
	}
	if c.state == stateStopped {
		return nil, ErrPeerClosed
	}
	if len(c.pipes) >= MaxPipes {
		return nil, ErrTooManyPipes
	}
	p := newPipe(id)
	if c.state == stateRunning {
		// Nothing can have been queued on a pipe nobody has seen yet.
		p.ch = c
	}
	c.pipes[id] = p
	return p, nil
}

// WillShutdownSoon marks the channel as about to go away. Failures seen
// from then on are expected and logged quietly.
func (c *Channel) WillShutdownSoon() {
	c.willShutdown.Store(true)
}

// Shutdown closes the socket and detaches every pipe. Messages written
// before Shutdown are already in the socket and still reach the peer.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	started := c.state == stateRunning
	c.state = stateStopped
	pipes := c.snapshotLocked()
	c.mu.Unlock()

	c.willShutdown.Store(true)
	// Shutting the socket down first wakes writers blocked on a full
	// buffer, so writeMu is free soon after.
	_ = platform.ShutdownSocket(c.handle.Get())
	c.writeMu.Lock()
	c.writeClosed = true
	c.writeMu.Unlock()

	if started {
		<-c.readerDone
	}
	_ = c.handle.Close()
	for _, p := range pipes {
		p.Detach()
	}
	if started {
		c.metrics.ChannelStopped()
	}
	c.logger.Debug("Channel shut down")
}

// Done is closed when the reader goroutine exits.
func (c *Channel) Done() <-chan struct{} {
	return c.readerDone
}

func (c *Channel) snapshotLocked() []*MessagePipe {
	pipes := make([]*MessagePipe, 0, len(c.pipes))
	for _, p := range c.pipes {
		pipes = append(pipes, p)
	}
	return pipes
}

// send writes one frame. It always consumes handles.
func (c *Channel) send(pipe uint64, kind frameKind, data []byte, handles []*platform.ScopedHandle) error {
	defer platform.CloseAll(handles)
	raw := make([]platform.Handle, len(handles))
	for i, h := range handles {
		raw[i] = h.Get()
	}
	body := frame{pipe: pipe, kind: kind, payload: data, handleCount: uint64(len(handles))}.encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return ErrPeerClosed
	}
	if err := wire.WriteFrame(c.handle.Get(), body, raw); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		c.logger.Debug("Write failed", zap.Uint64("pipe", pipe), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	c.metrics.RecordMessage(monitoring.DirectionSent, len(handles))
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.readerDone)
	reader := wire.NewReader(c.handle.Get())
	defer reader.Close()

	for {
		body, err := reader.Read()
		if err != nil {
			c.readFailed(err)
			return
		}
		if err := c.dispatch(reader, body); err != nil {
			c.metrics.RecordProtocolError("channel_frame")
			c.logger.Warn("Peer sent a bad frame, dropping channel", zap.Error(err))
			_ = platform.ShutdownSocket(c.handle.Get())
			c.readFailed(err)
			return
		}
	}
}

func (c *Channel) dispatch(reader *wire.Reader, body []byte) error {
	f, err := decodeFrame(body)
	if err != nil {
		return err
	}
	handles, err := reader.TakeHandles(int(f.handleCount))
	if err != nil {
		return err
	}
	if stray := reader.DropOrphaned(); stray > 0 {
		platform.CloseAll(handles)
		return fmt.Errorf("%w: %d unannounced handles", ErrMalformedFrame, stray)
	}

	p, err := c.Pipe(f.pipe)
	if err != nil {
		platform.CloseAll(handles)
		if errors.Is(err, ErrPeerClosed) {
			return nil
		}
		return err
	}
	switch f.kind {
	case kindData:
		c.metrics.RecordMessage(monitoring.DirectionReceived, len(handles))
		p.deliver(&Message{Data: f.payload, Handles: handles})
	case kindClose:
		p.peerClose()
	}
	return nil
}

// readFailed marks every pipe as closed by the peer.
func (c *Channel) readFailed(err error) {
	c.mu.Lock()
	stopping := c.state == stateStopped
	pipes := c.snapshotLocked()
	c.mu.Unlock()

	for _, p := range pipes {
		p.peerClose()
	}

	switch {
	case stopping, c.willShutdown.Load():
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET):
		c.logger.Info("Peer closed channel")
	default:
		c.logger.Warn("Channel read failed", zap.Error(err))
	}
}
