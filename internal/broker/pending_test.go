package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/ipc/tests/helpers/testutil"
)

const (
	procA ProcessIdentifier = 2
	procB ProcessIdentifier = 3
	procC ProcessIdentifier = 4
)

func connectBoth(t *testing.T, table *connectionTable, cid id.ConnectionIdentifier) (Result, *platform.ScopedHandle, *platform.ScopedHandle) {
	t.Helper()
	r1, peer1, h1, err := table.connect(procA, cid)
	require.NoError(t, err)
	assert.Equal(t, procB, peer1)
	r2, peer2, h2, err := table.connect(procB, cid)
	require.NoError(t, err)
	assert.Equal(t, procA, peer2)
	require.Equal(t, r1, r2)
	return r1, h1, h2
}

func TestConnectBeforeBothAllowFails(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()

	result, _, h, err := table.connect(procA, cid)
	require.NoError(t, err)
	assert.Equal(t, ResultFailure, result)
	assert.Nil(t, h)

	require.True(t, table.allow(procA, cid))
	result, _, _, _ = table.connect(procA, cid)
	assert.Equal(t, ResultFailure, result)
	result, _, _, _ = table.connect(procB, cid)
	assert.Equal(t, ResultFailure, result, "a process that never allowed is not a party")

	require.True(t, table.allow(procB, cid))
	result, h1, h2 := connectBoth(t, table, cid)
	assert.Equal(t, ResultNewConnection, result)
	defer h1.Close()
	defer h2.Close()
	testutil.AssertConnected(t, h1, h2)
	testutil.AssertConnected(t, h2, h1)
	assert.Zero(t, table.pendingCount())
}

func TestRendezvousIsConsumed(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, cid))
	require.True(t, table.allow(procB, cid))

	result, _, h1, err := table.connect(procA, cid)
	require.NoError(t, err)
	require.Equal(t, ResultNewConnection, result)
	defer h1.Close()

	result, _, h, _ := table.connect(procA, cid)
	assert.Equal(t, ResultFailure, result, "first party may not connect twice")
	assert.Nil(t, h)

	result, _, h2, _ := table.connect(procB, cid)
	require.Equal(t, ResultNewConnection, result)
	defer h2.Close()

	for _, pid := range []ProcessIdentifier{procA, procB} {
		result, _, _, _ := table.connect(pid, cid)
		assert.Equal(t, ResultFailure, result)
	}
}

func TestAllowLimits(t *testing.T) {
	table := newConnectionTable(2)
	cid := id.NewConnectionIdentifier()

	require.True(t, table.allow(procA, cid))
	require.True(t, table.allow(procB, cid))
	assert.False(t, table.allow(procC, cid), "third allow is refused")

	require.True(t, table.allow(procA, id.NewConnectionIdentifier()))
	assert.False(t, table.allow(procA, id.NewConnectionIdentifier()), "per-process cap")
	assert.True(t, table.allow(procB, id.NewConnectionIdentifier()))

	require.True(t, table.cancel(procA, cid))
	assert.True(t, table.allow(procA, id.NewConnectionIdentifier()), "cancel frees capacity")
}

func TestCancel(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()

	assert.False(t, table.cancel(procA, cid), "nothing to cancel")

	require.True(t, table.allow(procA, cid))
	assert.False(t, table.cancel(procB, cid), "only a party may cancel")
	assert.True(t, table.cancel(procA, cid))
	assert.False(t, table.cancel(procA, cid))

	result, _, _, _ := table.connect(procA, cid)
	assert.Equal(t, ResultFailure, result)

	require.True(t, table.allow(procA, cid))
	require.True(t, table.allow(procB, cid))
	assert.True(t, table.cancel(procB, cid))
	assert.Equal(t, 1, table.pendingCount(), "the second party has not connected yet")

	result, peer, h, err := table.connect(procA, cid)
	require.NoError(t, err)
	assert.Equal(t, ResultSameProcess, result)
	assert.Equal(t, procA, peer)
	assert.Nil(t, h)
	assert.Zero(t, table.pendingCount())
	assert.Zero(t, table.connectionCount())

	result, _, _, _ = table.connect(procA, cid)
	assert.Equal(t, ResultFailure, result, "the rendezvous is spent")
}

func TestCancelAfterFirstConnectClosesStashedHandle(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, cid))
	require.True(t, table.allow(procB, cid))

	result, _, h1, _ := table.connect(procA, cid)
	require.Equal(t, ResultNewConnection, result)
	defer h1.Close()
	stashed := table.pending[cid].handle
	require.True(t, stashed.IsValid())

	assert.True(t, table.cancel(procB, cid))
	assert.False(t, stashed.IsValid())

	var inbox []*platform.ScopedHandle
	n, err := platform.RecvWithHandles(h1.Get(), make([]byte, 1), &inbox)
	require.NoError(t, err)
	assert.Zero(t, n, "peer end was closed")
}

func TestSameProcess(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, cid))
	require.True(t, table.allow(procA, cid))

	result, peer, h, err := table.connect(procA, cid)
	require.NoError(t, err)
	assert.Equal(t, ResultSameProcess, result)
	assert.Equal(t, procA, peer)
	assert.Nil(t, h)

	assert.Equal(t, 1, table.pendingCount(), "the second party has not connected yet")

	result, peer, h, err = table.connect(procA, cid)
	require.NoError(t, err)
	assert.Equal(t, ResultSameProcess, result)
	assert.Equal(t, procA, peer)
	assert.Nil(t, h)
	assert.Zero(t, table.pendingCount())
	assert.Zero(t, table.connectionCount())

	result, _, _, _ = table.connect(procA, cid)
	assert.Equal(t, ResultFailure, result, "the rendezvous is spent")
}

func TestReuseConnection(t *testing.T) {
	table := newConnectionTable(0)

	first := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, first))
	require.True(t, table.allow(procB, first))
	result, h1, h2 := connectBoth(t, table, first)
	require.Equal(t, ResultNewConnection, result)
	h1.Close()
	h2.Close()
	assert.Equal(t, 1, table.connectionCount())

	second := id.NewConnectionIdentifier()
	require.True(t, table.allow(procB, second))
	require.True(t, table.allow(procA, second))
	result, h1, h2 = connectBoth(t, table, second)
	assert.Equal(t, ResultReuseConnection, result)
	assert.Nil(t, h1)
	assert.Nil(t, h2)
	assert.Zero(t, table.pendingCount())

	third := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, third))
	require.True(t, table.allow(procC, third))
	result, _, h, _ := table.connect(procC, third)
	assert.Equal(t, ResultNewConnection, result, "a different pair gets a new connection")
	h.Close()
}

func TestBootstrap(t *testing.T) {
	table := newConnectionTable(0)
	cid := id.NewConnectionIdentifier()

	require.True(t, table.bootstrap(MasterProcessIdentifier, procA, cid))
	assert.False(t, table.bootstrap(MasterProcessIdentifier, procB, cid))
	assert.False(t, table.allow(procC, cid))

	r1, peer1, h1, _ := table.connect(procA, cid)
	require.Equal(t, ResultNewConnection, r1)
	assert.Equal(t, MasterProcessIdentifier, peer1)
	defer h1.Close()
	r2, peer2, h2, _ := table.connect(MasterProcessIdentifier, cid)
	require.Equal(t, ResultNewConnection, r2)
	assert.Equal(t, procA, peer2)
	defer h2.Close()

	testutil.AssertConnected(t, h1, h2)
}

func TestRemoveProcess(t *testing.T) {
	table := newConnectionTable(0)

	established := id.NewConnectionIdentifier()
	require.True(t, table.allow(procA, established))
	require.True(t, table.allow(procB, established))
	result, h1, h2 := connectBoth(t, table, established)
	require.Equal(t, ResultNewConnection, result)
	h1.Close()
	h2.Close()

	halfway := id.NewConnectionIdentifier()
	require.True(t, table.allow(procC, halfway))
	require.True(t, table.allow(procA, halfway))
	result, _, hc, _ := table.connect(procC, halfway)
	require.Equal(t, ResultNewConnection, result)
	defer hc.Close()
	stashed := table.pending[halfway].handle

	unrelated := id.NewConnectionIdentifier()
	require.True(t, table.allow(procB, unrelated))
	require.True(t, table.allow(procC, unrelated))

	assert.Equal(t, 1, table.removeProcess(procA))
	assert.False(t, stashed.IsValid())
	assert.Equal(t, 1, table.pendingCount())
	assert.Zero(t, table.connectionCount(), "every pair involving A is forgotten")

	table.clear()
	assert.Zero(t, table.pendingCount())
	assert.Zero(t, table.connectionCount())
}
