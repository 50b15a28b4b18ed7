//go:build linux

package platform

import "golang.org/x/sys/unix"

const (
	sendFlags = unix.MSG_NOSIGNAL
	recvFlags = unix.MSG_CMSG_CLOEXEC
)

// Received descriptors already carry FD_CLOEXEC via MSG_CMSG_CLOEXEC.
func markCloseOnExec(int) {}
