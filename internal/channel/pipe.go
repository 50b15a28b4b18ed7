package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
)

var (
	// ErrClosed is returned by operations on a pipe this side has closed.
	ErrClosed = errors.New("channel: message pipe closed")
	// ErrPeerClosed is returned once the other end is unreachable: it
	// closed the pipe, its process went away, or the channel was shut down.
	ErrPeerClosed = errors.New("channel: peer closed message pipe")
)

// Message is one payload read from a MessagePipe. The reader owns Handles.
type Message struct {
	Data    []byte
	Handles []*platform.ScopedHandle
}

// Close releases any handles the message still owns.
func (m *Message) Close() {
	platform.CloseAll(m.Handles)
	m.Handles = nil
}

type outgoing struct {
	data    []byte
	handles []*platform.ScopedHandle
}

// MessagePipe is one endpoint of a logical pipe multiplexed over a Channel.
// It is usable as soon as it exists: writes issued before the channel is
// running are queued and sent in order once it is, and a close issued in
// that window follows the queued writes.
type MessagePipe struct {
	id uint64

	// sendMu orders frames of this pipe on the socket. It is held across
	// a send, mu never is, so the channel's reader can always deliver.
	sendMu sync.Mutex

	mu         sync.Mutex
	ch         *Channel
	queue      []outgoing
	closed     bool
	closeSent  bool
	peerClosed bool
	detached   bool
	inbox      []*Message
	wake       chan struct{}
}

// NewBootstrapPipe returns the unattached first pipe of a channel that is
// about to be created.
func NewBootstrapPipe() *MessagePipe {
	return newPipe(BootstrapPipe)
}

func newPipe(id uint64) *MessagePipe {
	return &MessagePipe{id: id, wake: make(chan struct{})}
}

// ID returns the pipe's number within its channel.
func (p *MessagePipe) ID() uint64 {
	return p.id
}

// Write sends data and transfers handles to the peer. The pipe takes
// ownership of handles whether or not the write succeeds.
func (p *MessagePipe) Write(data []byte, handles ...*platform.ScopedHandle) error {
	if len(handles) > platform.MaxHandlesPerMessage {
		platform.CloseAll(handles)
		return fmt.Errorf("channel: write with %d handles: %w", len(handles), platform.ErrHandleCount)
	}
	for _, h := range handles {
		if !h.IsValid() {
			platform.CloseAll(handles)
			return fmt.Errorf("channel: write: %w", platform.ErrInvalidHandle)
		}
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	ch := p.ch
	switch {
	case p.closed:
		p.mu.Unlock()
		platform.CloseAll(handles)
		return ErrClosed
	case p.peerClosed, p.detached:
		p.mu.Unlock()
		platform.CloseAll(handles)
		return ErrPeerClosed
	case ch == nil:
		owned := make([]*platform.ScopedHandle, len(handles))
		for i, h := range handles {
			owned[i] = h.Pass()
		}
		p.queue = append(p.queue, outgoing{
			data:    append([]byte(nil), data...),
			handles: owned,
		})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return ch.send(p.id, kindData, data, handles)
}

// Read blocks until a message arrives, the pipe is closed on either side,
// or ctx is done. Messages that arrived before the peer closed are still
// returned.
func (p *MessagePipe) Read(ctx context.Context) (*Message, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if len(p.inbox) > 0 {
			msg := p.inbox[0]
			p.inbox[0] = nil
			p.inbox = p.inbox[1:]
			p.mu.Unlock()
			return msg, nil
		}
		if p.peerClosed || p.detached {
			p.mu.Unlock()
			return nil, ErrPeerClosed
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close closes this end. Unread messages are discarded. Closing twice is a
// no-op.
func (p *MessagePipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.discardInbox()
	p.broadcast()
	p.mu.Unlock()

	// Writes already in flight reach the socket before the close frame.
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if ch := p.takeCloseFrame(); ch != nil {
		return ch.send(p.id, kindClose, nil, nil)
	}
	return nil
}

// attach binds p to a running channel and flushes anything queued.
func (p *MessagePipe) attach(c *Channel) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.ch != nil {
		p.mu.Unlock()
		panic(fmt.Sprintf("channel: pipe %d attached twice", p.id))
	}
	p.ch = c
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for i, out := range queue {
		if err := c.send(p.id, kindData, out.data, out.handles); err != nil {
			for _, rest := range queue[i+1:] {
				platform.CloseAll(rest.handles)
			}
			return
		}
	}
	if ch := p.takeCloseFrame(); ch != nil {
		_ = ch.send(p.id, kindClose, nil, nil)
	}
}

// takeCloseFrame reports the channel to send this side's close frame on,
// or nil if none is due. At most one close frame is ever sent. Callers hold
// sendMu.
func (p *MessagePipe) takeCloseFrame() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed || p.closeSent || p.ch == nil || p.peerClosed || p.detached {
		return nil
	}
	p.closeSent = true
	return p.ch
}

func (p *MessagePipe) deliver(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.peerClosed || p.detached {
		msg.Close()
		return
	}
	p.inbox = append(p.inbox, msg)
	p.broadcast()
}

func (p *MessagePipe) peerClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerClosed = true
	p.broadcast()
}

// Detach cuts p off from its channel for good, releasing anything queued.
// Its channel calls Detach on shutdown; owners call it when the channel a
// pipe was created for will never exist.
func (p *MessagePipe) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
	for _, out := range p.queue {
		platform.CloseAll(out.handles)
	}
	p.queue = nil
	p.broadcast()
}

func (p *MessagePipe) discardInbox() {
	for _, msg := range p.inbox {
		msg.Close()
	}
	p.inbox = nil
}

// broadcast wakes every blocked reader. Callers hold mu.
func (p *MessagePipe) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}
