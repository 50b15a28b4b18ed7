package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

func TestMessageEncodeDecode(t *testing.T) {
	cid := id.NewConnectionIdentifier()
	msgs := []message{
		{typ: msgAllowConnect, connectionID: cid},
		{typ: msgCancelConnect, ok: true},
		{typ: msgConnect, result: ResultNewConnection, peer: 7, handleCount: 1},
		{typ: msgConnect, result: ResultReuseConnection, peer: MasterProcessIdentifier},
		{typ: msgConnect},
	}
	for _, want := range msgs {
		got, err := decodeMessage(want.encode())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	var shortID []byte
	shortID = protowire.AppendTag(shortID, fieldType, protowire.VarintType)
	shortID = protowire.AppendVarint(shortID, uint64(msgConnect))
	shortID = protowire.AppendTag(shortID, fieldConnectionID, protowire.BytesType)
	shortID = protowire.AppendBytes(shortID, []byte{1, 2, 3})

	var unknown []byte
	unknown = protowire.AppendTag(unknown, fieldType, protowire.VarintType)
	unknown = protowire.AppendVarint(unknown, 99)

	cases := map[string][]byte{
		"empty":           nil,
		"garbage":         {0xff, 0xff, 0xff},
		"short id":        shortID,
		"unknown type":    unknown,
		"truncated bytes": {0x12, 0x10, 0x01},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeMessage(body)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}

	m, err := decodeMessage(shortID)
	assert.Error(t, err)
	assert.Equal(t, msgConnect, m.typ, "type survives for the failure reply")
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body := message{typ: msgAllowConnect, connectionID: id.NewConnectionIdentifier()}.encode()
	body = protowire.AppendTag(body, 42, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 7)

	m, err := decodeMessage(body)
	require.NoError(t, err)
	assert.NoError(t, validateRequest(m))
}

func TestValidateRequest(t *testing.T) {
	cid := id.NewConnectionIdentifier()

	assert.NoError(t, validateRequest(message{typ: msgConnect, connectionID: cid}))
	assert.ErrorIs(t, validateRequest(message{typ: msgConnect}), ErrProtocol)
	assert.ErrorIs(t, validateRequest(message{typ: msgConnect, connectionID: cid, handleCount: 1}), ErrProtocol)
	assert.ErrorIs(t, validateRequest(message{typ: msgAllowConnect, connectionID: cid, ok: true}), ErrProtocol)
	assert.ErrorIs(t, validateRequest(message{typ: msgAllowConnect, connectionID: cid, peer: 3}), ErrProtocol)
}

func TestValidateResponse(t *testing.T) {
	ok := []struct {
		msg  message
		want messageType
	}{
		{message{typ: msgAllowConnect, ok: true}, msgAllowConnect},
		{message{typ: msgCancelConnect}, msgCancelConnect},
		{message{typ: msgConnect}, msgConnect},
		{message{typ: msgConnect, result: ResultSameProcess, peer: 3}, msgConnect},
		{message{typ: msgConnect, result: ResultNewConnection, peer: 1, handleCount: 1}, msgConnect},
		{message{typ: msgConnect, result: ResultReuseConnection, peer: 4}, msgConnect},
	}
	for _, tc := range ok {
		assert.NoError(t, validateResponse(tc.msg, tc.want), "%+v", tc.msg)
	}

	bad := []struct {
		msg  message
		want messageType
	}{
		{message{typ: msgConnect}, msgAllowConnect},
		{message{typ: msgAllowConnect, result: ResultNewConnection}, msgAllowConnect},
		{message{typ: msgConnect, result: ResultNewConnection, peer: 1}, msgConnect},
		{message{typ: msgConnect, result: ResultReuseConnection, handleCount: 1}, msgConnect},
		{message{typ: msgConnect, result: Result(9)}, msgConnect},
		{message{typ: msgConnect, ok: true}, msgConnect},
	}
	for _, tc := range bad {
		assert.ErrorIs(t, validateResponse(tc.msg, tc.want), ErrProtocol, "%+v", tc.msg)
	}
}
