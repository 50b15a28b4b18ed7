package embedder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/broker"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/runner"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

// CreateChannelOnIOThread starts a channel over handle, which must be one
// end of a connected stream socket, and returns its bootstrap pipe. It must
// be called on the I/O loop.
func (s *IPCSupport) CreateChannelOnIOThread(handle *platform.ScopedHandle) (*channel.MessagePipe, channel.Info) {
	s.ioLoop.AssertOnLoop("CreateChannelOnIOThread")
	s.assertRunning("CreateChannelOnIOThread")
	pipe := channel.NewBootstrapPipe()
	info := s.channels.Create(handle, pipe)
	return pipe, info
}

// CreateChannel starts a channel over handle on the I/O loop. The returned
// pipe is usable at once; onCreated, if set, receives the channel's ticket
// through callbackRunner, or on the I/O loop when callbackRunner is nil.
func (s *IPCSupport) CreateChannel(handle *platform.ScopedHandle, onCreated func(channel.Info), callbackRunner runner.TaskRunner) *channel.MessagePipe {
	s.assertRunning("CreateChannel")
	owned := handle.Pass()
	if !owned.IsValid() {
		panic("embedder: CreateChannel with invalid handle")
	}
	pipe := channel.NewBootstrapPipe()
	s.createChannel(owned, pipe, onCreated, callbackRunner)
	return pipe
}

func (s *IPCSupport) createChannel(handle *platform.ScopedHandle, pipe *channel.MessagePipe, onCreated func(channel.Info), callbackRunner runner.TaskRunner) {
	posted := s.ioLoop.PostTask(func() {
		if s.isShutdown() {
			_ = handle.Close()
			pipe.Detach()
			return
		}
		info := s.channels.Create(handle, pipe)
		s.logger.Debug("Channel created", zap.Stringer("channel", info))
		if onCreated != nil {
			s.deliver(callbackRunner, func() { onCreated(info) })
		}
	})
	if !posted {
		_ = handle.Close()
		pipe.Detach()
	}
}

// ConnectToSlave attaches a slave reachable over handle, its control
// channel, and starts the first channel to it. The returned connection id
// must reach the slave out of band, for example on its command line; the
// slave passes it to ConnectToMaster. onConnected receives the channel's
// ticket, or the zero Info if no channel could be created.
func (s *IPCSupport) ConnectToSlave(info broker.SlaveInfo, handle *platform.ScopedHandle, onConnected func(channel.Info), callbackRunner runner.TaskRunner) (*channel.MessagePipe, id.ConnectionIdentifier) {
	if s.master == nil {
		panic(fmt.Sprintf("embedder: ConnectToSlave in a %s process", s.processType))
	}
	s.assertRunning("ConnectToSlave")

	cid := s.master.GenerateConnectionIdentifier()
	pid := s.master.AddSlaveAndBootstrap(info, handle, cid)
	result, _, transport := s.master.Connect(cid)

	pipe := channel.NewBootstrapPipe()
	if result != broker.ResultNewConnection {
		s.logger.Error("No transport to new slave",
			zap.Stringer("process_id", pid),
			zap.Stringer("connection_id", cid),
			zap.Stringer("result", result))
		_ = transport.Close()
		s.abandon(pipe, onConnected, callbackRunner)
		return pipe, cid
	}
	s.createChannel(transport, pipe, onConnected, callbackRunner)
	return pipe, cid
}

// ConnectToMaster starts the channel to the master using the connection id
// the master produced in ConnectToSlave. It may be called once per slave
// process. A malformed or refused id means the process was launched
// incorrectly and panics.
func (s *IPCSupport) ConnectToMaster(connectionID string, onConnected func(channel.Info), callbackRunner runner.TaskRunner) *channel.MessagePipe {
	if s.slave == nil {
		panic(fmt.Sprintf("embedder: ConnectToMaster in a %s process", s.processType))
	}
	cid, err := id.ParseConnectionIdentifier(connectionID)
	if err != nil {
		s.logger.Error("Invalid connection id", zap.String("connection_id", connectionID), zap.Error(err))
		panic(fmt.Sprintf("embedder: ConnectToMaster: %v", err))
	}
	if !s.connectedToMaster.CompareAndSwap(false, true) {
		panic("embedder: ConnectToMaster called twice")
	}
	s.assertRunning("ConnectToMaster")

	result, peer, transport := s.slave.Connect(cid)
	pipe := channel.NewBootstrapPipe()
	switch result {
	case broker.ResultNewConnection:
		s.createChannel(transport, pipe, onConnected, callbackRunner)
	case broker.ResultFailure:
		s.logger.Error("Master refused connection id", zap.Stringer("connection_id", cid))
		panic(fmt.Sprintf("embedder: master refused connection id %s", cid))
	default:
		s.logger.Warn("Unexpected connect result for master channel",
			zap.Stringer("connection_id", cid),
			zap.Stringer("result", result),
			zap.Stringer("peer", peer))
		s.abandon(pipe, onConnected, callbackRunner)
	}
	return pipe
}

// DestroyChannelOnIOThread shuts down the channel behind info. It must be
// called on the I/O loop.
func (s *IPCSupport) DestroyChannelOnIOThread(info channel.Info) error {
	s.ioLoop.AssertOnLoop("DestroyChannelOnIOThread")
	return s.channels.Destroy(info)
}

// DestroyChannel shuts down the channel behind info on the I/O loop.
// onDestroyed, if set, receives the outcome; an unknown or already
// destroyed ticket yields channel.ErrUnknownChannel.
func (s *IPCSupport) DestroyChannel(info channel.Info, onDestroyed func(error), callbackRunner runner.TaskRunner) {
	posted := s.ioLoop.PostTask(func() {
		err := s.channels.Destroy(info)
		if err != nil {
			s.logger.Error("Rejected channel destroy", zap.Stringer("channel", info), zap.Error(err))
		}
		if onDestroyed != nil {
			s.deliver(callbackRunner, func() { onDestroyed(err) })
		}
	})
	if !posted && onDestroyed != nil {
		s.deliver(callbackRunner, func() { onDestroyed(fmt.Errorf("%w: %s", channel.ErrUnknownChannel, info)) })
	}
}

// WillDestroyChannelSoon tells the channel behind info that DestroyChannel
// is coming, so the failures that precede it are not reported as errors.
func (s *IPCSupport) WillDestroyChannelSoon(info channel.Info) {
	s.ioLoop.PostTask(func() {
		if err := s.channels.WillDestroySoon(info); err != nil {
			s.logger.Warn("WillDestroyChannelSoon for unknown channel", zap.Stringer("channel", info))
		}
	})
}

// OpenPipe returns pipe pipeID of the channel behind info. Both processes
// must agree on the number.
func (s *IPCSupport) OpenPipe(info channel.Info, pipeID uint64) (*channel.MessagePipe, error) {
	var (
		pipe *channel.MessagePipe
		err  = fmt.Errorf("%w: %s", channel.ErrUnknownChannel, info)
	)
	s.onIOLoop(func() {
		var ch *channel.Channel
		if ch, err = s.channels.Lookup(info); err == nil {
			pipe, err = ch.Pipe(pipeID)
		}
	})
	return pipe, err
}

// abandon reports a channel that will never exist.
func (s *IPCSupport) abandon(pipe *channel.MessagePipe, onConnected func(channel.Info), callbackRunner runner.TaskRunner) {
	pipe.Detach()
	if onConnected != nil {
		s.deliver(callbackRunner, func() { onConnected(channel.Info{}) })
	}
}

func (s *IPCSupport) deliver(r runner.TaskRunner, task func()) {
	if !runner.PostOrRun(r, task) {
		s.logger.Warn("Callback runner rejected a completion callback")
	}
}
