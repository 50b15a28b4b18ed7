package sharedbuffer

import (
	"golang.org/x/sys/unix"
)

func createMemfd() (int, error) {
	for {
		fd, err := unix.MemfdCreate("ipc-shared-buffer", unix.MFD_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOSYS || err == unix.EINVAL {
			return -1, ErrMemfdNotSupported
		}
		return fd, err
	}
}
