package platform

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ShutdownSocket shuts down both directions of a connected socket. A
// goroutine blocked reading h wakes up with end of file; closing the
// descriptor alone does not guarantee that.
func ShutdownSocket(h Handle) error {
	if !h.IsValid() {
		return ErrInvalidHandle
	}
	err := unix.Shutdown(h.FD, unix.SHUT_RDWR)
	if err != nil && err != unix.ENOTCONN {
		return fmt.Errorf("platform: shutdown %s: %w", h, err)
	}
	return nil
}

// SetSendTimeout bounds how long a blocking send on h may wait for buffer
// space. Zero removes the bound.
func SetSendTimeout(h Handle, d time.Duration) error {
	if !h.IsValid() {
		return ErrInvalidHandle
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(h.FD, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("platform: set send timeout on %s: %w", h, err)
	}
	return nil
}
