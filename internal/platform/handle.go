package platform

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrInvalidHandle is returned when an operation needs a valid handle.
var ErrInvalidHandle = errors.New("platform: invalid handle")

// Handle is a raw file descriptor reference. It has no ownership semantics
// and is never closed implicitly.
type Handle struct {
	FD    int
	valid bool
}

// NewHandle wraps fd. Negative values produce an invalid handle.
func NewHandle(fd int) Handle {
	return Handle{FD: fd, valid: fd >= 0}
}

// InvalidHandle returns a handle that refers to nothing.
func InvalidHandle() Handle {
	return Handle{FD: -1}
}

// IsValid reports whether the handle refers to a descriptor.
func (h Handle) IsValid() bool {
	return h.valid && h.FD >= 0
}

// String returns a printable form for logs.
func (h Handle) String() string {
	if !h.IsValid() {
		return "fd(invalid)"
	}
	return fmt.Sprintf("fd(%d)", h.FD)
}

// ScopedHandle exclusively owns one Handle. Use Pass to move ownership; a
// ScopedHandle must not be copied.
type ScopedHandle struct {
	mu     sync.Mutex
	handle Handle
}

// NewScopedHandle takes ownership of h.
func NewScopedHandle(h Handle) *ScopedHandle {
	if !h.IsValid() {
		h = InvalidHandle()
	}
	return &ScopedHandle{handle: h}
}

// Get returns the owned handle without giving up ownership.
func (s *ScopedHandle) Get() Handle {
	if s == nil {
		return InvalidHandle()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsValid reports whether s currently owns a valid handle.
func (s *ScopedHandle) IsValid() bool {
	return s.Get().IsValid()
}

// Release gives up ownership and returns the raw handle. The caller becomes
// responsible for closing it.
func (s *ScopedHandle) Release() Handle {
	if s == nil {
		return InvalidHandle()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = InvalidHandle()
	return h
}

// Pass moves ownership into a new ScopedHandle, leaving s invalid.
func (s *ScopedHandle) Pass() *ScopedHandle {
	return NewScopedHandle(s.Release())
}

// Reset closes the currently owned handle, if any, and takes ownership of h.
func (s *ScopedHandle) Reset(h Handle) error {
	s.mu.Lock()
	prev := s.handle
	if h.IsValid() {
		s.handle = h
	} else {
		s.handle = InvalidHandle()
	}
	s.mu.Unlock()

	if prev.IsValid() && prev.FD != h.FD {
		return closeFD(prev.FD)
	}
	return nil
}

// Close closes the owned handle. Calling Close more than once is a no-op.
func (s *ScopedHandle) Close() error {
	if s == nil {
		return nil
	}
	h := s.Release()
	if !h.IsValid() {
		return nil
	}
	return closeFD(h.FD)
}

// Duplicate returns an independent descriptor for the same kernel object.
func (s *ScopedHandle) Duplicate() (*ScopedHandle, error) {
	h := s.Get()
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	fd, err := unix.FcntlInt(uintptr(h.FD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: dup %s: %w", h, err)
	}
	return NewScopedHandle(NewHandle(fd)), nil
}

// File converts the handle into an *os.File, consuming s.
func (s *ScopedHandle) File(name string) *os.File {
	h := s.Release()
	if !h.IsValid() {
		return nil
	}
	return os.NewFile(uintptr(h.FD), name)
}

// CloseAll closes every handle in hs, ignoring errors.
func CloseAll(hs []*ScopedHandle) {
	for _, h := range hs {
		_ = h.Close()
	}
}

func closeFD(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("platform: close fd %d: %w", fd, err)
	}
	return nil
}
