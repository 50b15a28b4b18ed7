package broker

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
)

// ErrProtocol wraps every control message that fails validation.
var ErrProtocol = errors.New("broker: protocol violation")

type messageType uint64

const (
	msgAllowConnect  messageType = 1
	msgCancelConnect messageType = 2
	msgConnect       messageType = 3
)

func (t messageType) known() bool {
	return t >= msgAllowConnect && t <= msgConnect
}

func (t messageType) String() string {
	switch t {
	case msgAllowConnect:
		return "allow_connect"
	case msgCancelConnect:
		return "cancel_connect"
	case msgConnect:
		return "connect"
	default:
		return fmt.Sprintf("type(%d)", uint64(t))
	}
}

const (
	fieldType         protowire.Number = 1
	fieldConnectionID protowire.Number = 2
	fieldResult       protowire.Number = 3
	fieldPeer         protowire.Number = 4
	fieldHandleCount  protowire.Number = 5
	fieldOK           protowire.Number = 6
)

// message is one control frame. Requests carry typ and connectionID.
// Responses echo typ; AllowConnect and CancelConnect answer with ok, Connect
// with result, peer and handleCount.
type message struct {
	typ          messageType
	connectionID id.ConnectionIdentifier
	result       Result
	peer         ProcessIdentifier
	handleCount  uint64
	ok           bool
}

func (m message) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.typ))
	if !m.connectionID.IsZero() {
		b = protowire.AppendTag(b, fieldConnectionID, protowire.BytesType)
		b = protowire.AppendBytes(b, m.connectionID.Bytes())
	}
	if m.result != ResultFailure {
		b = protowire.AppendTag(b, fieldResult, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.result))
	}
	if m.peer != InvalidProcessIdentifier {
		b = protowire.AppendTag(b, fieldPeer, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.peer))
	}
	if m.handleCount > 0 {
		b = protowire.AppendTag(b, fieldHandleCount, protowire.VarintType)
		b = protowire.AppendVarint(b, m.handleCount)
	}
	if m.ok {
		b = protowire.AppendTag(b, fieldOK, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func decodeMessage(body []byte) (message, error) {
	var m message
	err := wire.DecodeFields(body, func(f wire.Field) error {
		switch f.Num {
		case fieldType:
			m.typ = messageType(f.Uint)
		case fieldConnectionID:
			cid, err := id.ConnectionIdentifierFromBytes(f.Bytes)
			if f.Type != protowire.BytesType || err != nil {
				return fmt.Errorf("%w: connection id of %d bytes", ErrProtocol, len(f.Bytes))
			}
			m.connectionID = cid
		case fieldResult:
			m.result = Result(f.Uint)
		case fieldPeer:
			m.peer = ProcessIdentifier(f.Uint)
		case fieldHandleCount:
			m.handleCount = f.Uint
		case fieldOK:
			m.ok = f.Uint != 0
		}
		return nil
	})
	if err == nil && !m.typ.known() {
		err = fmt.Errorf("%w: unknown message %s", ErrProtocol, m.typ)
	}
	if err != nil && !errors.Is(err, ErrProtocol) {
		err = fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	// On error m holds whatever was decoded, so the type can still be
	// echoed in a failure response.
	return m, err
}

// validateRequest checks a message received from a slave.
func validateRequest(m message) error {
	if m.connectionID.IsZero() {
		return fmt.Errorf("%w: %s without connection id", ErrProtocol, m.typ)
	}
	if m.handleCount != 0 || m.result != ResultFailure || m.peer != InvalidProcessIdentifier || m.ok {
		return fmt.Errorf("%w: %s carries response fields", ErrProtocol, m.typ)
	}
	return nil
}

// validateResponse checks a message received from the master.
func validateResponse(m message, want messageType) error {
	if m.typ != want {
		return fmt.Errorf("%w: response %s to %s", ErrProtocol, m.typ, want)
	}
	if want != msgConnect {
		if m.result != ResultFailure || m.handleCount != 0 || m.peer != InvalidProcessIdentifier {
			return fmt.Errorf("%w: %s response carries connect fields", ErrProtocol, want)
		}
		return nil
	}
	if m.ok {
		return fmt.Errorf("%w: connect response carries ok", ErrProtocol)
	}
	if m.result < ResultFailure || m.result > ResultReuseConnection {
		return fmt.Errorf("%w: bad result %d", ErrProtocol, int(m.result))
	}
	wantHandles := uint64(0)
	if m.result == ResultNewConnection {
		wantHandles = 1
	}
	if m.handleCount != wantHandles {
		return fmt.Errorf("%w: %s with %d handles", ErrProtocol, m.result, m.handleCount)
	}
	return nil
}
