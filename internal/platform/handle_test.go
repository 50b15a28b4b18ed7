package platform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (*ScopedHandle, *ScopedHandle) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	rfd, err := unix.Dup(int(r.Fd()))
	require.NoError(t, err)
	wfd, err := unix.Dup(int(w.Fd()))
	require.NoError(t, err)
	r.Close()
	w.Close()

	return NewScopedHandle(NewHandle(rfd)), NewScopedHandle(NewHandle(wfd))
}

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestHandleValidity(t *testing.T) {
	var zero Handle
	assert.False(t, zero.IsValid())
	assert.False(t, InvalidHandle().IsValid())
	assert.False(t, NewHandle(-3).IsValid())
	assert.True(t, NewHandle(0).IsValid())
	assert.Equal(t, "fd(invalid)", InvalidHandle().String())
	assert.Equal(t, "fd(7)", NewHandle(7).String())
}

func TestScopedHandleCloseOnce(t *testing.T) {
	r, w := newPipe(t)
	defer w.Close()

	fd := r.Get().FD
	require.True(t, isOpen(fd))

	require.NoError(t, r.Close())
	assert.False(t, r.IsValid())
	assert.False(t, isOpen(fd))

	// Second close must not touch whatever now reuses the number.
	assert.NoError(t, r.Close())
}

func TestScopedHandleReleaseAndPass(t *testing.T) {
	r, w := newPipe(t)
	defer w.Close()

	moved := r.Pass()
	assert.False(t, r.IsValid())
	require.True(t, moved.IsValid())

	raw := moved.Release()
	assert.False(t, moved.IsValid())
	assert.True(t, isOpen(raw.FD))

	NewScopedHandle(raw).Close()
	assert.False(t, isOpen(raw.FD))
}

func TestScopedHandleResetClosesPrevious(t *testing.T) {
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	defer w1.Close()
	defer w2.Close()

	first := r1.Get().FD
	second := r2.Release()

	require.NoError(t, r1.Reset(second))
	assert.False(t, isOpen(first))
	assert.Equal(t, second.FD, r1.Get().FD)

	require.NoError(t, r1.Close())
	assert.False(t, isOpen(second.FD))
}

func TestScopedHandleDuplicateIsIndependent(t *testing.T) {
	r, w := newPipe(t)
	defer r.Close()

	dup, err := w.Duplicate()
	require.NoError(t, err)
	assert.NotEqual(t, w.Get().FD, dup.Get().FD)

	require.NoError(t, w.Close())

	_, err = unix.Write(dup.Get().FD, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, dup.Close())

	buf := make([]byte, 4)
	n, err := unix.Read(r.Get().FD, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestScopedHandleDuplicateInvalid(t *testing.T) {
	_, err := NewScopedHandle(InvalidHandle()).Duplicate()
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestNilScopedHandle(t *testing.T) {
	var s *ScopedHandle
	assert.False(t, s.IsValid())
	assert.NoError(t, s.Close())
	assert.False(t, s.Release().IsValid())
}
