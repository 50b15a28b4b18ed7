package channel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
)

// ErrUnknownChannel is returned for an Info that was never issued or whose
// channel has already been destroyed.
var ErrUnknownChannel = errors.New("channel: unknown or destroyed channel")

// Info is the ticket for one running channel. The zero Info is never
// issued.
type Info struct {
	ticket uint64
}

// IsValid reports whether i could have been issued.
func (i Info) IsValid() bool {
	return i.ticket != 0
}

func (i Info) String() string {
	return fmt.Sprintf("channel-%d", i.ticket)
}

type entry struct {
	ch          *Channel
	willDestroy bool
}

// Manager owns every channel created on one I/O loop. All methods must be
// called on that loop.
type Manager struct {
	loop    *runner.Loop
	logger  *zap.Logger
	metrics *monitoring.Metrics

	next     uint64
	channels map[uint64]*entry
}

// NewManager creates a Manager confined to loop.
func NewManager(loop *runner.Loop, logger *zap.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		loop:     loop,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		channels: make(map[uint64]*entry),
	}
}

// Create starts a channel over handle with bootstrap as its first pipe
// and issues a ticket for it.
func (m *Manager) Create(handle *platform.ScopedHandle, bootstrap *MessagePipe) Info {
	m.loop.AssertOnLoop("channel.Manager.Create")
	m.next++
	info := Info{ticket: m.next}

	ch := New(handle, bootstrap, Options{
		Name:    info.String(),
		Logger:  m.logger,
		Metrics: m.metrics,
	})
	m.channels[info.ticket] = &entry{ch: ch}
	ch.Start()
	return info
}

// Lookup returns the channel behind info.
func (m *Manager) Lookup(info Info) (*Channel, error) {
	m.loop.AssertOnLoop("channel.Manager.Lookup")
	e, ok := m.channels[info.ticket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, info)
	}
	return e.ch, nil
}

// WillDestroySoon forwards the advisory to the channel behind info.
func (m *Manager) WillDestroySoon(info Info) error {
	m.loop.AssertOnLoop("channel.Manager.WillDestroySoon")
	e, ok := m.channels[info.ticket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, info)
	}
	e.willDestroy = true
	e.ch.WillShutdownSoon()
	return nil
}

// Destroy shuts the channel down and retires its ticket.
func (m *Manager) Destroy(info Info) error {
	m.loop.AssertOnLoop("channel.Manager.Destroy")
	e, ok := m.channels[info.ticket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, info)
	}
	delete(m.channels, info.ticket)
	m.logger.Debug("Destroying channel", zap.Stringer("channel", info), zap.Bool("announced", e.willDestroy))
	e.ch.Shutdown()
	return nil
}

// DestroyAll shuts down every channel and reports how many there were.
func (m *Manager) DestroyAll() int {
	m.loop.AssertOnLoop("channel.Manager.DestroyAll")
	n := len(m.channels)
	for ticket, e := range m.channels {
		delete(m.channels, ticket)
		e.ch.Shutdown()
	}
	if n > 0 {
		m.logger.Info("Destroyed remaining channels", zap.Int("count", n))
	}
	return n
}

// Len reports the number of live channels.
func (m *Manager) Len() int {
	m.loop.AssertOnLoop("channel.Manager.Len")
	return len(m.channels)
}
