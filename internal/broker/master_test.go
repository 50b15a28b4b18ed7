package broker

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/wire"
	"github.com/GriffinCanCode/AgentOS/ipc/tests/helpers/testutil"
)

const waitTimeout = 5 * time.Second

func newTestMaster(t *testing.T, opts MasterOptions) *Master {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	m := NewMaster(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func attachSlave(t *testing.T, m *Master, info SlaveInfo, delegate SlaveDelegate) (ProcessIdentifier, *Slave) {
	t.Helper()
	server, client := testutil.SocketPair(t)
	pid := m.AddSlave(info, server)
	s := NewSlave(SlaveOptions{Handle: client, Delegate: delegate})
	t.Cleanup(s.Shutdown)
	return pid, s
}

// rawSlave attaches a slave end that the test drives by hand.
func rawSlave(t *testing.T, m *Master, info SlaveInfo) (*platform.ScopedHandle, *wire.Reader) {
	t.Helper()
	server, client := testutil.SocketPair(t)
	m.AddSlave(info, server)
	reader := wire.NewReader(client.Get())
	t.Cleanup(reader.Close)
	return client, reader
}

func TestMasterSlaveRendezvous(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	pid, s := attachSlave(t, m, "renderer", nil)
	assert.Equal(t, firstSlaveProcessIdentifier, pid)

	cid := m.GenerateConnectionIdentifier()
	require.True(t, m.AllowConnect(cid))
	require.True(t, s.AllowConnect(cid))

	result, peer, masterEnd := m.Connect(cid)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, pid, peer)
	defer masterEnd.Close()

	result, peer, slaveEnd := s.Connect(cid)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, MasterProcessIdentifier, peer)
	defer slaveEnd.Close()

	testutil.AssertConnected(t, masterEnd, slaveEnd)
	testutil.AssertConnected(t, slaveEnd, masterEnd)

	result, peer, h := s.Connect(cid)
	assert.Equal(t, ResultFailure, result)
	assert.Equal(t, InvalidProcessIdentifier, peer)
	assert.Nil(t, h)
}

func TestSlaveConnectBeforeAllowFails(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	_, s := attachSlave(t, m, nil, nil)
	cid := s.GenerateConnectionIdentifier()

	result, _, h := s.Connect(cid)
	assert.Equal(t, ResultFailure, result)
	assert.Nil(t, h)

	require.True(t, s.AllowConnect(cid))
	result, _, _ = s.Connect(cid)
	assert.Equal(t, ResultFailure, result)

	require.True(t, m.AllowConnect(cid))
	result, _, h = s.Connect(cid)
	require.Equal(t, ResultNewConnection, result)
	h.Close()
}

func TestAddSlaveAndBootstrap(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	server, client := testutil.SocketPair(t)
	cid := m.GenerateConnectionIdentifier()

	pid := m.AddSlaveAndBootstrap("gpu", server, cid)
	s := NewSlave(SlaveOptions{Handle: client})
	t.Cleanup(s.Shutdown)

	result, peer, slaveEnd := s.Connect(cid)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, MasterProcessIdentifier, peer)
	defer slaveEnd.Close()

	result, peer, masterEnd := m.Connect(cid)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, pid, peer)
	defer masterEnd.Close()

	testutil.AssertConnected(t, slaveEnd, masterEnd)

	assert.Panics(t, func() {
		other, _ := testutil.SocketPair(t)
		m.AddSlaveAndBootstrap("dup", other, id.ConnectionIdentifier{})
	})
}

func TestSlaveToSlaveNewThenReuse(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	pidA, a := attachSlave(t, m, "a", nil)
	pidB, b := attachSlave(t, m, "b", nil)

	first := a.GenerateConnectionIdentifier()
	require.True(t, a.AllowConnect(first))
	require.True(t, b.AllowConnect(first))

	result, peer, endA := a.Connect(first)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, pidB, peer)
	defer endA.Close()
	result, peer, endB := b.Connect(first)
	require.Equal(t, ResultNewConnection, result)
	assert.Equal(t, pidA, peer)
	defer endB.Close()
	testutil.AssertConnected(t, endA, endB)

	second := b.GenerateConnectionIdentifier()
	require.True(t, b.AllowConnect(second))
	require.True(t, a.AllowConnect(second))
	for _, s := range []*Slave{a, b} {
		result, _, h := s.Connect(second)
		assert.Equal(t, ResultReuseConnection, result)
		assert.Nil(t, h)
	}
	assert.Equal(t, 1, m.Snapshot().Connections)
}

func TestSlaveCancel(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	_, s := attachSlave(t, m, nil, nil)
	cid := s.GenerateConnectionIdentifier()

	assert.False(t, s.CancelConnect(cid))
	require.True(t, s.AllowConnect(cid))
	assert.True(t, s.CancelConnect(cid))

	require.True(t, m.AllowConnect(cid))
	result, _, _ := s.Connect(cid)
	assert.Equal(t, ResultFailure, result)
	assert.True(t, m.CancelConnect(cid))
}

func TestSlaveSameProcess(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	pid, s := attachSlave(t, m, nil, nil)
	cid := s.GenerateConnectionIdentifier()

	require.True(t, s.AllowConnect(cid))
	require.True(t, s.AllowConnect(cid))
	for range 2 {
		result, peer, h := s.Connect(cid)
		assert.Equal(t, ResultSameProcess, result)
		assert.Equal(t, pid, peer)
		assert.Nil(t, h)
	}
	result, _, _ := s.Connect(cid)
	assert.Equal(t, ResultFailure, result)

	mcid := m.GenerateConnectionIdentifier()
	require.True(t, m.AllowConnect(mcid))
	require.True(t, m.AllowConnect(mcid))
	for range 2 {
		result, peer, h := m.Connect(mcid)
		assert.Equal(t, ResultSameProcess, result)
		assert.Equal(t, MasterProcessIdentifier, peer)
		assert.Nil(t, h)
	}
	result, _, _ = m.Connect(mcid)
	assert.Equal(t, ResultFailure, result)
}

func TestSlaveDisconnectNotifiesDelegate(t *testing.T) {
	calls, signal := testutil.Signal()
	delegate := new(testutil.MockMasterDelegate)
	delegate.On("OnSlaveDisconnect", "plugin").Run(signal).Once()

	m := newTestMaster(t, MasterOptions{Delegate: delegate})
	_, s := attachSlave(t, m, "plugin", nil)
	_, survivor := attachSlave(t, m, "other", nil)

	cid := s.GenerateConnectionIdentifier()
	require.True(t, s.AllowConnect(cid))
	require.True(t, m.AllowConnect(cid))
	unrelated := survivor.GenerateConnectionIdentifier()
	require.True(t, survivor.AllowConnect(unrelated))
	assert.Equal(t, 2, m.Snapshot().PendingConnections)

	s.Shutdown()
	args := testutil.Wait(t, calls, waitTimeout)
	assert.Equal(t, "plugin", args.Get(0))

	snap := m.Snapshot()
	require.Len(t, snap.Slaves, 1)
	assert.Equal(t, 1, snap.PendingConnections, "the gone slave's rendezvous is dropped")

	result, _, _ := m.Connect(cid)
	assert.Equal(t, ResultFailure, result)
	assert.True(t, survivor.CancelConnect(unrelated), "other slaves are unaffected")
	delegate.AssertExpectations(t)
}

func TestMasterDisconnectNotifiesSlaveOnce(t *testing.T) {
	calls, signal := testutil.Signal()
	delegate := new(testutil.MockSlaveDelegate)
	delegate.On("OnMasterDisconnect").Run(signal).Once()

	m := NewMaster(MasterOptions{})
	_, s := attachSlave(t, m, nil, delegate)
	require.True(t, s.AllowConnect(s.GenerateConnectionIdentifier()))

	m.Shutdown()
	testutil.Wait(t, calls, waitTimeout)

	assert.False(t, s.AllowConnect(s.GenerateConnectionIdentifier()))
	result, _, _ := s.Connect(s.GenerateConnectionIdentifier())
	assert.Equal(t, ResultFailure, result)
	assert.False(t, s.CancelConnect(s.GenerateConnectionIdentifier()))

	s.Shutdown()
	delegate.AssertNumberOfCalls(t, "OnMasterDisconnect", 1)
}

func TestSlaveShutdownDoesNotNotify(t *testing.T) {
	delegate := new(testutil.MockSlaveDelegate)
	m := newTestMaster(t, MasterOptions{})
	_, s := attachSlave(t, m, nil, delegate)

	s.Shutdown()
	s.Shutdown()
	delegate.AssertNotCalled(t, "OnMasterDisconnect")
	assert.Panics(t, func() { s.AllowConnect(id.NewConnectionIdentifier()) })
}

func TestMalformedRequestGetsFailureReply(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	client, reader := rawSlave(t, m, nil)

	require.NoError(t, wire.WriteFrame(client.Get(), message{typ: msgConnect}.encode(), nil))

	body, err := reader.Read()
	require.NoError(t, err)
	reply, err := decodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, message{typ: msgConnect}, reply)
}

func TestMisbehavingSlaveIsDropped(t *testing.T) {
	calls, signal := testutil.Signal()
	delegate := new(testutil.MockMasterDelegate)
	delegate.On("OnSlaveDisconnect", "bad").Run(signal).Once()

	m := newTestMaster(t, MasterOptions{Delegate: delegate, MaxProtocolErrors: 3})
	client, reader := rawSlave(t, m, "bad")
	_, good := attachSlave(t, m, "good", nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, wire.WriteFrame(client.Get(), []byte{0xff}, nil))
	}
	testutil.Wait(t, calls, waitTimeout)

	_, err := reader.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, good.AllowConnect(good.GenerateConnectionIdentifier()), "the broker keeps serving others")
	assert.Len(t, m.Snapshot().Slaves, 1)
}

func TestOversizedFrameDropsSlave(t *testing.T) {
	calls, signal := testutil.Signal()
	delegate := new(testutil.MockMasterDelegate)
	delegate.On("OnSlaveDisconnect", mock.Anything).Run(signal).Once()

	m := newTestMaster(t, MasterOptions{Delegate: delegate})
	client, _ := rawSlave(t, m, "huge")

	var header []byte
	header = append(header, 0x80, 0x80, 0x80, 0x80, 0x10) // varint 4 GiB
	_, err := platform.Write(client.Get(), header)
	require.NoError(t, err)

	testutil.Wait(t, calls, waitTimeout)
}

func TestUnexpectedHandlesAreClosed(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	client, reader := rawSlave(t, m, nil)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])

	req := message{typ: msgAllowConnect, connectionID: id.NewConnectionIdentifier()}
	require.NoError(t, wire.WriteFrame(client.Get(), req.encode(), []platform.Handle{platform.NewHandle(p[1])}))
	require.NoError(t, unix.Close(p[1]))

	body, err := reader.Read()
	require.NoError(t, err)
	reply, err := decodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msgAllowConnect, reply.typ)
	assert.False(t, reply.ok)

	n, err := unix.Read(p[0], make([]byte, 1))
	require.NoError(t, err)
	assert.Zero(t, n, "the broker closed its copy of the stray handle")
}

func TestRateLimitedSlaveGetsFailures(t *testing.T) {
	m := newTestMaster(t, MasterOptions{RequestsPerSecond: 1, Burst: 1, MaxProtocolErrors: 100})
	_, s := attachSlave(t, m, nil, nil)

	assert.True(t, s.AllowConnect(s.GenerateConnectionIdentifier()))
	assert.False(t, s.AllowConnect(s.GenerateConnectionIdentifier()))
	assert.Len(t, m.Snapshot().Slaves, 1, "rate limiting alone does not drop the slave")
}

func TestSnapshot(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	pidA, _ := attachSlave(t, m, nil, nil)
	pidB, _ := attachSlave(t, m, nil, nil)
	require.True(t, m.AllowConnect(id.NewConnectionIdentifier()))

	snap := m.Snapshot()
	require.Len(t, snap.Slaves, 2)
	assert.Equal(t, pidA, snap.Slaves[0].ProcessID)
	assert.Equal(t, pidB, snap.Slaves[1].ProcessID)
	assert.Regexp(t, `^slave_[0-9A-HJKMNP-TV-Z]{26}$`, snap.Slaves[0].Label)
	assert.NotEqual(t, snap.Slaves[0].Label, snap.Slaves[1].Label)
	assert.Equal(t, 1, snap.PendingConnections)
}

func TestUseAfterShutdownPanics(t *testing.T) {
	m := NewMaster(MasterOptions{})
	m.Shutdown()
	m.Shutdown()

	cid := id.NewConnectionIdentifier()
	assert.Panics(t, func() { m.AllowConnect(cid) })
	assert.Panics(t, func() { m.Connect(cid) })
	assert.Panics(t, func() {
		server, _ := testutil.SocketPair(t)
		m.AddSlave(nil, server)
	})
}

func TestConcurrentRendezvous(t *testing.T) {
	m := newTestMaster(t, MasterOptions{})
	const slaves, rounds = 4, 10

	var wg sync.WaitGroup
	errs := make(chan error, slaves*rounds)
	for i := 0; i < slaves; i++ {
		pid, s := attachSlave(t, m, i, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				cid := s.GenerateConnectionIdentifier()
				if !s.AllowConnect(cid) || !m.AllowConnect(cid) {
					errs <- fmt.Errorf("%s round %d: allow failed", pid, r)
					return
				}
				want := ResultReuseConnection
				if r == 0 {
					want = ResultNewConnection
				}
				mr, mpeer, mh := m.Connect(cid)
				sr, speer, sh := s.Connect(cid)
				if mr != want || sr != want || mpeer != pid || speer != MasterProcessIdentifier {
					errs <- fmt.Errorf("%s round %d: got %s/%s", pid, r, mr, sr)
				}
				mh.Close()
				sh.Close()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, m.Snapshot().PendingConnections)
}
