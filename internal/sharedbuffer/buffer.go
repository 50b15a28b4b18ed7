// Package sharedbuffer provides fixed-size shared memory segments backed by
// a file descriptor that can be passed to other processes.
//
// A Buffer is created once with its final size; it is never resized. The
// backing object is an anonymous memfd where the kernel supports it and
// otherwise a temp file that is unlinked immediately after creation, so the
// segment cannot be reopened by path and lives exactly as long as some
// process holds a descriptor for it.
//
// Writes to mapped memory are not synchronized by this package.
package sharedbuffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
)

var (
	ErrInvalidSize       = errors.New("sharedbuffer: size must be positive")
	ErrInvalidMap        = errors.New("sharedbuffer: mapping out of range")
	ErrSizeMismatch      = errors.New("sharedbuffer: handle size does not match")
	ErrNotSharedMemory   = errors.New("sharedbuffer: handle is not a shared memory object")
	ErrMemfdNotSupported = errors.New("sharedbuffer: memfd not supported")
)

// Backing kinds reported to metrics.
const (
	BackingMemfd    = "memfd"
	BackingTempFile = "tempfile"
	BackingImported = "imported"
)

// Options selects how a new buffer is backed.
type Options struct {
	// Dir is where the temp file fallback is created. Empty means /dev/shm
	// when present, else os.TempDir().
	Dir string
	// DisableMemfd forces the temp file fallback.
	DisableMemfd bool
	Metrics      *monitoring.Metrics
}

// Buffer is a reference counted shared memory segment. The creator holds
// the first reference.
type Buffer struct {
	numBytes int
	backing  string
	metrics  *monitoring.Metrics

	handle *platform.ScopedHandle

	mu   sync.Mutex
	refs int
}

// Create makes a new segment of numBytes with default options.
func Create(numBytes int) (*Buffer, error) {
	return CreateWithOptions(numBytes, Options{})
}

// CreateWithOptions makes a new segment of numBytes.
func CreateWithOptions(numBytes int, opts Options) (*Buffer, error) {
	if numBytes <= 0 {
		return nil, ErrInvalidSize
	}

	backing := BackingMemfd
	raw, err := -1, ErrMemfdNotSupported
	if !opts.DisableMemfd {
		raw, err = createMemfd()
	}
	if err != nil {
		backing = BackingTempFile
		if raw, err = createUnlinkedFile(opts.Dir); err != nil {
			return nil, err
		}
	}
	handle := platform.NewScopedHandle(platform.NewHandle(raw))

	if err := unix.Ftruncate(raw, int64(numBytes)); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("sharedbuffer: ftruncate %d: %w", numBytes, err)
	}

	opts.Metrics.RecordSharedBuffer(backing)
	return newBuffer(numBytes, handle, backing, opts.Metrics), nil
}

// CreateFromHandle wraps a descriptor received from another process. The
// descriptor must back a shared memory object of exactly numBytes. The
// buffer takes ownership of handle; on failure handle is closed.
func CreateFromHandle(numBytes int, handle *platform.ScopedHandle) (*Buffer, error) {
	return CreateFromHandleWithMetrics(numBytes, handle, nil)
}

// CreateFromHandleWithMetrics is CreateFromHandle with metrics recording.
func CreateFromHandleWithMetrics(numBytes int, handle *platform.ScopedHandle, metrics *monitoring.Metrics) (*Buffer, error) {
	owned := handle.Pass()
	if numBytes <= 0 {
		_ = owned.Close()
		return nil, ErrInvalidSize
	}
	h := owned.Get()
	if !h.IsValid() {
		return nil, platform.ErrInvalidHandle
	}

	var st unix.Stat_t
	if err := unix.Fstat(h.FD, &st); err != nil {
		_ = owned.Close()
		return nil, fmt.Errorf("sharedbuffer: fstat %s: %w", h, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = owned.Close()
		return nil, ErrNotSharedMemory
	}
	if st.Size != int64(numBytes) {
		_ = owned.Close()
		return nil, fmt.Errorf("%w: want %d, have %d", ErrSizeMismatch, numBytes, st.Size)
	}

	metrics.RecordSharedBuffer(BackingImported)
	return newBuffer(numBytes, owned, BackingImported, metrics), nil
}

func newBuffer(numBytes int, handle *platform.ScopedHandle, backing string, metrics *monitoring.Metrics) *Buffer {
	return &Buffer{
		numBytes: numBytes,
		backing:  backing,
		metrics:  metrics,
		handle:   handle,
		refs:     1,
	}
}

func createUnlinkedFile(dir string) (int, error) {
	if dir == "" {
		dir = defaultDir()
	}
	f, err := os.CreateTemp(dir, ".ipc-shm-*")
	if err != nil {
		return -1, fmt.Errorf("sharedbuffer: create temp file in %s: %w", dir, err)
	}
	defer f.Close()

	if err := os.Remove(f.Name()); err != nil {
		return -1, fmt.Errorf("sharedbuffer: unlink %s: %w", f.Name(), err)
	}

	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("sharedbuffer: dup temp file: %w", err)
	}
	return fd, nil
}

func defaultDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return filepath.Clean(os.TempDir())
}

// NumBytes returns the fixed size of the segment.
func (b *Buffer) NumBytes() int {
	return b.numBytes
}

// Backing reports how the segment is backed.
func (b *Buffer) Backing() string {
	return b.backing
}

// IsValidMap reports whether [offset, offset+length) lies inside the buffer.
func (b *Buffer) IsValidMap(offset, length int) bool {
	if offset < 0 || length <= 0 {
		return false
	}
	if offset > b.numBytes {
		return false
	}
	return length <= b.numBytes-offset
}

// Map maps [offset, offset+length) read-write.
func (b *Buffer) Map(offset, length int) (*Mapping, error) {
	if !b.IsValidMap(offset, length) {
		return nil, ErrInvalidMap
	}
	return b.MapNoCheck(offset, length)
}

// MapNoCheck maps without the range check. The caller guarantees the range
// is valid.
func (b *Buffer) MapNoCheck(offset, length int) (*Mapping, error) {
	h := b.handle.Get()
	if !h.IsValid() {
		return nil, platform.ErrInvalidHandle
	}

	pageSize := os.Getpagesize()
	realOffset := offset - offset%pageSize
	delta := offset - realOffset

	region, err := unix.Mmap(h.FD, int64(realOffset), length+delta, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sharedbuffer: mmap offset %d length %d: %w", offset, length, err)
	}

	b.metrics.RecordMapped(length)
	return &Mapping{
		region: region,
		view:   region[delta : delta+length : delta+length],
	}, nil
}

// DuplicateHandle returns an independent descriptor for the segment. The
// buffer keeps its own.
func (b *Buffer) DuplicateHandle() (*platform.ScopedHandle, error) {
	return b.handle.Duplicate()
}

// PassHandle moves the backing descriptor out of the buffer, which can no
// longer be mapped afterwards. The caller must hold the only reference.
func (b *Buffer) PassHandle() *platform.ScopedHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs != 1 {
		panic(fmt.Sprintf("sharedbuffer: PassHandle with %d references", b.refs))
	}
	return b.handle.Pass()
}

// AddRef takes another reference and returns b.
func (b *Buffer) AddRef() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs <= 0 {
		panic("sharedbuffer: AddRef on released buffer")
	}
	b.refs++
	return b
}

// Release drops a reference. The last release closes the descriptor;
// existing mappings stay valid until unmapped.
func (b *Buffer) Release() {
	b.mu.Lock()
	if b.refs <= 0 {
		b.mu.Unlock()
		panic("sharedbuffer: Release on released buffer")
	}
	b.refs--
	last := b.refs == 0
	b.mu.Unlock()

	if last {
		_ = b.handle.Close()
	}
}

// Mapping is one mapped view of a Buffer. Bytes starts exactly at the
// requested offset even though the mapping itself is page aligned.
//
// The owner must call Unmap. Dropping the last reference to a Mapping does
// not unmap it: slices returned by Bytes point into the mapping without
// keeping the Mapping reachable, so the memory stays mapped until Unmap or
// process exit. Those slices must not be touched after Unmap.
type Mapping struct {
	mu     sync.Mutex
	region []byte
	view   []byte
}

// Bytes returns the mapped memory, or nil once unmapped.
func (m *Mapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Len returns the mapped length as requested.
func (m *Mapping) Len() int {
	return len(m.Bytes())
}

// Unmap releases the mapping. Calling it again is a no-op.
func (m *Mapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.region == nil {
		return nil
	}
	err := unix.Munmap(m.region)
	m.region = nil
	m.view = nil
	if err != nil {
		return fmt.Errorf("sharedbuffer: munmap: %w", err)
	}
	return nil
}
