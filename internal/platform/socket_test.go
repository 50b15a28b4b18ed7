package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownSocketWakesReader(t *testing.T) {
	pair, err := NewChannelPair()
	require.NoError(t, err)
	defer pair.Close()

	result := make(chan int, 1)
	go func() {
		var inbox []*ScopedHandle
		n, _ := RecvWithHandles(pair.Server.Get(), make([]byte, 16), &inbox)
		result <- n
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ShutdownSocket(pair.Server.Get()))

	select {
	case n := <-result:
		assert.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken by shutdown")
	}

	assert.ErrorIs(t, ShutdownSocket(InvalidHandle()), ErrInvalidHandle)
}

func TestSetSendTimeout(t *testing.T) {
	pair, err := NewChannelPair()
	require.NoError(t, err)
	defer pair.Close()

	require.NoError(t, SetSendTimeout(pair.Server.Get(), 50*time.Millisecond))

	chunk := make([]byte, 64<<10)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = Write(pair.Server.Get(), chunk); err != nil {
			break
		}
	}
	assert.Error(t, err, "writes to a peer that never reads must time out")
	assert.ErrorIs(t, SetSendTimeout(InvalidHandle(), time.Second), ErrInvalidHandle)
}
