// Package testutil provides mocks and helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
)

// MockMasterDelegate records master-side notifications.
type MockMasterDelegate struct {
	mock.Mock
}

// OnSlaveDisconnect mocks the OnSlaveDisconnect method.
func (m *MockMasterDelegate) OnSlaveDisconnect(info any) {
	m.Called(info)
}

// OnShutdownComplete mocks the OnShutdownComplete method.
func (m *MockMasterDelegate) OnShutdownComplete() {
	m.Called()
}

// MockSlaveDelegate records slave-side notifications.
type MockSlaveDelegate struct {
	mock.Mock
}

// OnMasterDisconnect mocks the OnMasterDisconnect method.
func (m *MockSlaveDelegate) OnMasterDisconnect() {
	m.Called()
}

// OnShutdownComplete mocks the OnShutdownComplete method.
func (m *MockSlaveDelegate) OnShutdownComplete() {
	m.Called()
}

// NewMockMasterDelegate creates a master delegate that accepts any call.
func NewMockMasterDelegate(t *testing.T) *MockMasterDelegate {
	t.Helper()
	m := new(MockMasterDelegate)
	m.On("OnSlaveDisconnect", mock.Anything).Maybe()
	m.On("OnShutdownComplete").Maybe()
	return m
}

// NewMockSlaveDelegate creates a slave delegate that accepts any call.
func NewMockSlaveDelegate(t *testing.T) *MockSlaveDelegate {
	t.Helper()
	m := new(MockSlaveDelegate)
	m.On("OnMasterDisconnect").Maybe()
	m.On("OnShutdownComplete").Maybe()
	return m
}

// Signal returns a channel and a mock Run function that sends on it, for
// waiting on asynchronous delegate calls.
func Signal() (chan mock.Arguments, func(mock.Arguments)) {
	ch := make(chan mock.Arguments, 16)
	return ch, func(args mock.Arguments) { ch <- args }
}

// Wait receives from ch or fails the test after timeout.
func Wait[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting", "after %s", timeout)
	}
	var zero T
	return zero
}

// SocketPair returns a connected socket pair closed at test cleanup.
func SocketPair(t *testing.T) (*platform.ScopedHandle, *platform.ScopedHandle) {
	t.Helper()
	pair, err := platform.NewChannelPair()
	require.NoError(t, err)
	t.Cleanup(pair.Close)
	return pair.Server, pair.Client
}

// AssertConnected writes through a and reads the bytes back from b.
func AssertConnected(t *testing.T, a, b *platform.ScopedHandle) {
	t.Helper()
	msg := []byte("ping")
	n, err := platform.Write(a.Get(), msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 16)
	var inbox []*platform.ScopedHandle
	n, err = platform.RecvWithHandles(b.Get(), buf, &inbox)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}
