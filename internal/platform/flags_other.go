//go:build unix && !linux

package platform

import "golang.org/x/sys/unix"

// Without MSG_NOSIGNAL, SIGPIPE suppression relies on IgnoreSIGPIPE, which
// every IPC runtime installs at startup.
const (
	sendFlags = 0
	recvFlags = 0
)

func markCloseOnExec(fd int) {
	unix.CloseOnExec(fd)
}
