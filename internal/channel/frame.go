package channel

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
)

// ErrMalformedFrame is returned for frames the peer should never have sent.
var ErrMalformedFrame = errors.New("channel: malformed frame")

type frameKind uint64

const (
	kindData  frameKind = 1
	kindClose frameKind = 2
)

func (k frameKind) String() string {
	switch k {
	case kindData:
		return "data"
	case kindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

const (
	fieldPipe        protowire.Number = 1
	fieldKind        protowire.Number = 2
	fieldPayload     protowire.Number = 3
	fieldHandleCount protowire.Number = 4
)

type frame struct {
	pipe        uint64
	kind        frameKind
	payload     []byte
	handleCount uint64
}

func (f frame) encode() []byte {
	b := make([]byte, 0, len(f.payload)+16)
	if f.pipe != 0 {
		b = protowire.AppendTag(b, fieldPipe, protowire.VarintType)
		b = protowire.AppendVarint(b, f.pipe)
	}
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	if f.handleCount > 0 {
		b = protowire.AppendTag(b, fieldHandleCount, protowire.VarintType)
		b = protowire.AppendVarint(b, f.handleCount)
	}
	return b
}

func decodeFrame(body []byte) (frame, error) {
	var f frame
	err := wire.DecodeFields(body, func(fl wire.Field) error {
		switch fl.Num {
		case fieldPipe:
			f.pipe = fl.Uint
		case fieldKind:
			f.kind = frameKind(fl.Uint)
		case fieldPayload:
			if fl.Type != protowire.BytesType {
				return fmt.Errorf("%w: payload has wire type %d", ErrMalformedFrame, fl.Type)
			}
			f.payload = fl.Bytes
		case fieldHandleCount:
			f.handleCount = fl.Uint
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrMalformedFrame) {
			err = fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return frame{}, err
	}

	switch f.kind {
	case kindData:
		if f.handleCount > platform.MaxHandlesPerMessage {
			return frame{}, fmt.Errorf("%w: %d handles", ErrMalformedFrame, f.handleCount)
		}
	case kindClose:
		if len(f.payload) > 0 || f.handleCount > 0 {
			return frame{}, fmt.Errorf("%w: close frame with contents", ErrMalformedFrame)
		}
	default:
		return frame{}, fmt.Errorf("%w: unknown %s", ErrMalformedFrame, f.kind)
	}
	return f, nil
}
