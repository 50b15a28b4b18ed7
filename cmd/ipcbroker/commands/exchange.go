package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/embedder"
)

// sharedPipe carries the shared buffer next to the bootstrap pipe.
const sharedPipe uint64 = 1

const (
	greetingPrefix = "hello "
	echoPrefix     = "echo: "
	ackPrefix      = "ack:"
	msgFilled      = "filled"
	msgBye         = "bye"
)

// greetSlave runs the master's side of the exchange: a greeting on the
// bootstrap pipe, then a shared buffer on sharedPipe that the slave stamps.
func greetSlave(ctx context.Context, ipc *embedder.IPCSupport, pipe *channel.MessagePipe, info channel.Info, name string, bufferSize int, logger *zap.Logger) error {
	defer pipe.Close()

	greeting := greetingPrefix + name
	if err := pipe.Write([]byte(greeting)); err != nil {
		return fmt.Errorf("%s: greet: %w", name, err)
	}
	reply, err := readText(ctx, pipe)
	if err != nil {
		return fmt.Errorf("%s: read echo: %w", name, err)
	}
	if reply != echoPrefix+greeting {
		return fmt.Errorf("%s: unexpected echo %q", name, reply)
	}

	side, err := ipc.OpenPipe(info, sharedPipe)
	if err != nil {
		return fmt.Errorf("%s: open pipe: %w", name, err)
	}
	defer side.Close()

	buf, err := ipc.CreateSharedBuffer(bufferSize)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	mapping, err := buf.Map(0, bufferSize)
	if err != nil {
		buf.Release()
		return fmt.Errorf("%s: %w", name, err)
	}
	defer mapping.Unmap()
	copy(mapping.Bytes(), name)

	backing := buf.Backing()
	handle := buf.PassHandle()
	buf.Release()
	if err := side.Write([]byte(strconv.Itoa(bufferSize)), handle); err != nil {
		return fmt.Errorf("%s: send buffer: %w", name, err)
	}
	reply, err = readText(ctx, side)
	if err != nil {
		return fmt.Errorf("%s: read ack: %w", name, err)
	}
	if reply != msgFilled {
		return fmt.Errorf("%s: unexpected reply %q", name, reply)
	}

	want := ackPrefix + name
	half := bufferSize / 2
	if half+len(want) > bufferSize {
		return fmt.Errorf("%s: buffer of %d bytes too small", name, bufferSize)
	}
	if got := string(mapping.Bytes()[half : half+len(want)]); got != want {
		return fmt.Errorf("%s: shared buffer holds %q, want %q", name, got, want)
	}
	logger.Info("Exchange complete",
		zap.String("slave", name),
		zap.Int("buffer_size", bufferSize),
		zap.String("backing", backing))

	return pipe.Write([]byte(msgBye))
}

// serveMaster answers greetSlave until the master says goodbye or goes away.
func serveMaster(ctx context.Context, ipc *embedder.IPCSupport, pipe *channel.MessagePipe, info channel.Info, logger *zap.Logger) error {
	defer pipe.Close()

	greeting, err := readText(ctx, pipe)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, greetingPrefix) {
		return fmt.Errorf("unexpected greeting %q", greeting)
	}
	logger.Info("Greeted by master", zap.String("greeting", greeting))
	if err := pipe.Write([]byte(echoPrefix + greeting)); err != nil {
		return fmt.Errorf("echo: %w", err)
	}

	side, err := ipc.OpenPipe(info, sharedPipe)
	if err != nil {
		return fmt.Errorf("open pipe: %w", err)
	}
	defer side.Close()
	if err := stampBuffer(ctx, ipc, side); err != nil {
		return err
	}
	if err := side.Write([]byte(msgFilled)); err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	bye, err := readText(ctx, pipe)
	switch {
	case errors.Is(err, channel.ErrPeerClosed):
		return nil
	case err != nil:
		return fmt.Errorf("read bye: %w", err)
	case bye != msgBye:
		return fmt.Errorf("unexpected message %q", bye)
	}
	return nil
}

// stampBuffer maps the buffer the master sent and writes an ack of the name
// found at its start into its second half.
func stampBuffer(ctx context.Context, ipc *embedder.IPCSupport, side *channel.MessagePipe) error {
	msg, err := side.Read(ctx)
	if err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}
	defer msg.Close()
	if len(msg.Handles) != 1 {
		return fmt.Errorf("buffer message carries %d handles", len(msg.Handles))
	}
	size, err := strconv.Atoi(string(msg.Data))
	if err != nil || size <= 0 {
		return fmt.Errorf("bad buffer size %q", msg.Data)
	}

	buf, err := ipc.SharedBufferFromHandle(size, msg.Handles[0])
	if err != nil {
		return fmt.Errorf("adopt buffer: %w", err)
	}
	defer buf.Release()
	mapping, err := buf.Map(0, size)
	if err != nil {
		return fmt.Errorf("map buffer: %w", err)
	}
	defer mapping.Unmap()

	data := mapping.Bytes()
	half := size / 2
	name := data[:half]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	ack := ackPrefix + string(name)
	if len(ack) > size-half {
		return fmt.Errorf("buffer of %d bytes too small for %q", size, ack)
	}
	copy(data[half:], ack)
	return nil
}

func readText(ctx context.Context, pipe *channel.MessagePipe) (string, error) {
	msg, err := pipe.Read(ctx)
	if err != nil {
		return "", err
	}
	defer msg.Close()
	return string(msg.Data), nil
}
