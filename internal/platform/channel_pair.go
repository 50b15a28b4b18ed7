package platform

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChannelPair is a pair of connected, bidirectional stream sockets. The
// server end stays in this process; the client end usually goes to a child.
type ChannelPair struct {
	Server *ScopedHandle
	Client *ScopedHandle

	clientFile *os.File
}

// NewChannelPair creates a connected AF_UNIX stream socket pair with
// close-on-exec set on both ends.
func NewChannelPair() (*ChannelPair, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("platform: socketpair: %w", err)
	}

	return &ChannelPair{
		Server: NewScopedHandle(NewHandle(fds[0])),
		Client: NewScopedHandle(NewHandle(fds[1])),
	}, nil
}

// PrepareToPassClientHandle hands the client end to cmd as an inherited file
// and returns the descriptor number the child will see.
func (p *ChannelPair) PrepareToPassClientHandle(cmd *exec.Cmd) (int, error) {
	if p.clientFile != nil {
		return 0, fmt.Errorf("platform: client handle already prepared")
	}
	f := p.Client.File("ipc-client")
	if f == nil {
		return 0, ErrInvalidHandle
	}
	p.clientFile = f
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	return 2 + len(cmd.ExtraFiles), nil
}

// ChildProcessLaunched closes this process's copy of the client end once the
// child has inherited it.
func (p *ChannelPair) ChildProcessLaunched() {
	if p.clientFile != nil {
		_ = p.clientFile.Close()
		p.clientFile = nil
	}
	_ = p.Client.Close()
}

// Close closes whatever ends are still owned by the pair.
func (p *ChannelPair) Close() {
	_ = p.Server.Close()
	p.ChildProcessLaunched()
}

// HandleFromInheritedFD adopts a descriptor inherited from the parent
// process, marking it close-on-exec so it does not leak further.
func HandleFromInheritedFD(fd int) (*ScopedHandle, error) {
	if fd < 0 {
		return nil, ErrInvalidHandle
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("platform: inherited fd %d: %w", fd, err)
	}
	unix.CloseOnExec(fd)
	return NewScopedHandle(NewHandle(fd)), nil
}
