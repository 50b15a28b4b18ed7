package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// MaxHandlesPerMessage caps the handles attached to a single send.
const MaxHandlesPerMessage = 128

var (
	ErrHandleCount      = errors.New("platform: handle count out of range")
	ErrEmptyPayload     = errors.New("platform: payload must not be empty")
	ErrControlTruncated = errors.New("platform: ancillary data truncated")
)

// Write writes data to a connected socket. It retries on EINTR and reports
// a broken peer as an error (EPIPE/ECONNRESET) instead of a signal.
func Write(h Handle, data []byte) (int, error) {
	if !h.IsValid() {
		return 0, ErrInvalidHandle
	}
	for {
		n, err := unix.SendmsgN(h.FD, data, nil, nil, sendFlags)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ENOTSOCK:
			return writeFD(h.FD, data)
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func writeFD(fd int, data []byte) (int, error) {
	for {
		n, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// SendWithHandles writes data with handles attached as SCM_RIGHTS in one
// message. The handle count is checked before any syscall. The handles stay
// open in the sender.
func SendWithHandles(h Handle, data []byte, handles []Handle) (int, error) {
	if len(handles) == 0 || len(handles) > MaxHandlesPerMessage {
		return 0, ErrHandleCount
	}
	if len(data) == 0 {
		return 0, ErrEmptyPayload
	}
	if !h.IsValid() {
		return 0, ErrInvalidHandle
	}

	fds := make([]int, len(handles))
	for i, attached := range handles {
		if !attached.IsValid() {
			return 0, ErrInvalidHandle
		}
		fds[i] = attached.FD
	}
	oob := unix.UnixRights(fds...)

	for {
		n, err := unix.SendmsgN(h.FD, data, oob, nil, sendFlags)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// RecvWithHandles reads into buf and appends any received handles to inbox,
// preserving what inbox already holds. A return of (0, nil) means the peer
// closed the connection.
func RecvWithHandles(h Handle, buf []byte, inbox *[]*ScopedHandle) (int, error) {
	if !h.IsValid() {
		return 0, ErrInvalidHandle
	}
	oob := make([]byte, unix.CmsgSpace(MaxHandlesPerMessage*4))

	for {
		n, oobn, flags, _, err := unix.Recvmsg(h.FD, buf, oob, recvFlags)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}

		received, err := parseRights(oob[:oobn])
		if err == nil && flags&unix.MSG_CTRUNC != 0 {
			err = ErrControlTruncated
		}
		if err != nil {
			CloseAll(received)
			return 0, err
		}
		*inbox = append(*inbox, received...)
		return n, nil
	}
}

// parseRights takes ownership of every descriptor in oob. A malformed
// control block still yields the descriptors that precede the damage, so the
// caller can close them.
func parseRights(oob []byte) ([]*ScopedHandle, error) {
	var out []*ScopedHandle
	for len(oob) >= unix.CmsgLen(0) {
		hdr, data, rest, err := unix.ParseOneSocketControlMessage(oob)
		if err != nil {
			return out, ErrControlTruncated
		}
		oob = rest
		if hdr.Level != unix.SOL_SOCKET || hdr.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&unix.SocketControlMessage{Header: hdr, Data: data})
		if err != nil {
			return out, ErrControlTruncated
		}
		for _, fd := range fds {
			markCloseOnExec(fd)
			out = append(out, NewScopedHandle(NewHandle(fd)))
		}
	}
	return out, nil
}
