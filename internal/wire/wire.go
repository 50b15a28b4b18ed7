// Package wire frames messages on a stream socket that may carry attached
// handles. Each frame is a protobuf varint length followed by the body; the
// body itself is a sequence of protobuf-encoded fields.
package wire

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

const readChunk = 64 << 10

var (
	ErrFrameTooLarge  = errors.New("wire: frame too large")
	ErrMalformed      = errors.New("wire: malformed frame")
	ErrMissingHandles = errors.New("wire: frame references handles that were not received")
)

// WriteFrame writes body as one frame with handles attached to its first
// byte. Callers must serialize concurrent writers on the same handle.
func WriteFrame(h platform.Handle, body []byte, handles []platform.Handle) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body))
	frame = protowire.AppendVarint(frame, uint64(len(body)))
	frame = append(frame, body...)

	if len(handles) > 0 {
		n, err := platform.SendWithHandles(h, frame, handles)
		if err != nil {
			return fmt.Errorf("wire: send with handles: %w", err)
		}
		frame = frame[n:]
	}
	for len(frame) > 0 {
		n, err := platform.Write(h, frame)
		if err != nil {
			return fmt.Errorf("wire: write: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

// Reader reassembles frames and keeps received handles in arrival order
// until a decoded frame claims them.
type Reader struct {
	h       platform.Handle
	buf     []byte
	scratch []byte
	inbox   []*platform.ScopedHandle
}

// NewReader reads frames from h. The Reader does not own h.
func NewReader(h platform.Handle) *Reader {
	return &Reader{
		h:       h,
		scratch: make([]byte, readChunk),
	}
}

// Read blocks until a full frame is available. It returns io.EOF when the
// peer closes cleanly between frames.
func (r *Reader) Read() ([]byte, error) {
	for {
		body, ok, err := r.next()
		if err != nil {
			return nil, err
		}
		if ok {
			return body, nil
		}

		n, err := platform.RecvWithHandles(r.h, r.scratch, &r.inbox)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		r.buf = append(r.buf, r.scratch[:n]...)
	}
}

func (r *Reader) next() ([]byte, bool, error) {
	if len(r.buf) == 0 {
		return nil, false, nil
	}
	size, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		if len(r.buf) < protowire.SizeVarint(^uint64(0)) {
			return nil, false, nil
		}
		return nil, false, ErrMalformed
	}
	if size > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	if uint64(len(r.buf)-n) < size {
		return nil, false, nil
	}

	end := n + int(size)
	body := make([]byte, size)
	copy(body, r.buf[n:end])
	r.buf = append(r.buf[:0], r.buf[end:]...)
	return body, true, nil
}

// TakeHandles removes the next n handles from the inbox. Invalid
// placeholders are dropped from the result.
func (r *Reader) TakeHandles(n int) ([]*platform.ScopedHandle, error) {
	if n < 0 || n > len(r.inbox) {
		return nil, ErrMissingHandles
	}
	out := make([]*platform.ScopedHandle, 0, n)
	for _, h := range r.inbox[:n] {
		if h.IsValid() {
			out = append(out, h)
		}
	}
	r.inbox = append(r.inbox[:0], r.inbox[n:]...)
	return out, nil
}

// Pending reports how many received handles are waiting to be claimed.
func (r *Reader) Pending() int {
	return len(r.inbox)
}

// DropOrphaned closes handles no frame can still claim and returns how
// many there were. Handles travel with the first byte of their frame, so
// while bytes of a later frame are buffered the queued handles may belong
// to it and are kept.
func (r *Reader) DropOrphaned() int {
	if len(r.buf) > 0 || len(r.inbox) == 0 {
		return 0
	}
	n := len(r.inbox)
	platform.CloseAll(r.inbox)
	r.inbox = nil
	return n
}

// Close releases any handles that were received but never claimed.
func (r *Reader) Close() {
	platform.CloseAll(r.inbox)
	r.inbox = nil
}
