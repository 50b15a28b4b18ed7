package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	in := frame{pipe: 7, kind: kindData, payload: []byte("payload"), handleCount: 2}
	out, err := decodeFrame(in.encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = decodeFrame(frame{kind: kindClose}.encode())
	require.NoError(t, err)
	assert.Equal(t, kindClose, out.kind)
	assert.Zero(t, out.pipe)
}

func TestDecodeFrameRejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"missing kind", nil},
		{"unknown kind", frame{kind: 9}.encode()},
		{"close with payload", frame{kind: kindClose, payload: []byte("x")}.encode()},
		{"close with handles", frame{kind: kindClose, handleCount: 1}.encode()},
		{"too many handles", frame{kind: kindData, handleCount: 129}.encode()},
		{"truncated", frame{kind: kindData, payload: []byte("abc")}.encode()[:5]},
		{"payload as varint", protowire.AppendVarint(
			protowire.AppendTag(frame{kind: kindData}.encode(), fieldPayload, protowire.VarintType), 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame(tt.body)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}
