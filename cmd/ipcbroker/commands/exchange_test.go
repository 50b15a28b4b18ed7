package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/embedder"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/sharedbuffer"
	"github.com/GriffinCanCode/AgentOS/ipc/tests/helpers/testutil"
)

const waitFor = 5 * time.Second

type connected struct {
	master, slave         *embedder.IPCSupport
	masterPipe, slavePipe *channel.MessagePipe
	masterInfo, slaveInfo channel.Info
}

func connect(t *testing.T) connected {
	t.Helper()
	master := embedder.Init(embedder.Options{ProcessType: embedder.ProcessTypeMaster})
	t.Cleanup(master.Shutdown)
	server, client := testutil.SocketPair(t)

	masterCreated := make(chan channel.Info, 1)
	mpipe, cid := master.ConnectToSlave("slave-0", server, func(info channel.Info) { masterCreated <- info }, nil)

	slave := embedder.Init(embedder.Options{ProcessType: embedder.ProcessTypeSlave, ControlHandle: client})
	t.Cleanup(slave.Shutdown)
	slaveCreated := make(chan channel.Info, 1)
	spipe := slave.ConnectToMaster(cid.String(), func(info channel.Info) { slaveCreated <- info }, nil)

	return connected{
		master:     master,
		slave:      slave,
		masterPipe: mpipe,
		slavePipe:  spipe,
		masterInfo: testutil.Wait(t, masterCreated, waitFor),
		slaveInfo:  testutil.Wait(t, slaveCreated, waitFor),
	}
}

func TestExchange(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	core, logs := observer.New(zapcore.InfoLevel)
	var g errgroup.Group
	g.Go(func() error {
		return greetSlave(ctx, c.master, c.masterPipe, c.masterInfo, "slave-0", 4096, zap.New(core))
	})
	g.Go(func() error {
		return serveMaster(ctx, c.slave, c.slavePipe, c.slaveInfo, zap.NewNop())
	})
	require.NoError(t, g.Wait())

	done := logs.FilterMessage("Exchange complete").All()
	require.Len(t, done, 1)
	fields := done[0].ContextMap()
	assert.Equal(t, "slave-0", fields["slave"])
	assert.Contains(t, []any{sharedbuffer.BackingMemfd, sharedbuffer.BackingTempFile}, fields["backing"])
}

func TestServeMasterRejectsBadGreeting(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, c.masterPipe.Write([]byte("howdy")))
	err := serveMaster(ctx, c.slave, c.slavePipe, c.slaveInfo, zap.NewNop())
	assert.ErrorContains(t, err, "unexpected greeting")
}

func TestGreetSlaveFailsWhenSlaveHangsUp(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	c.slavePipe.Close()
	err := greetSlave(ctx, c.master, c.masterPipe, c.masterInfo, "slave-0", 4096, zap.NewNop())
	assert.ErrorIs(t, err, channel.ErrPeerClosed)
}

func TestStampBufferRejectsMessageWithoutBuffer(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	side, err := c.slave.OpenPipe(c.slaveInfo, sharedPipe)
	require.NoError(t, err)
	peer, err := c.master.OpenPipe(c.masterInfo, sharedPipe)
	require.NoError(t, err)
	require.NoError(t, peer.Write([]byte("4096")))

	err = stampBuffer(ctx, c.slave, side)
	assert.ErrorContains(t, err, "0 handles")
}

func TestMasterGone(t *testing.T) {
	d := newSlaveDelegate(zap.NewNop())
	assert.NoError(t, masterGone(d))

	d.OnMasterDisconnect()
	d.OnMasterDisconnect()
	assert.ErrorIs(t, masterGone(d), errMasterGone)
}
