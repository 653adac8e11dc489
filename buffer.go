package videostream

import (
	"strings"
	"sync"
)

// BufferKind identifies how a buffer's backing memory was obtained.
type BufferKind int

const (
	// BufferDMAHeap is a descriptor exported by a kernel DMA heap.
	BufferDMAHeap BufferKind = iota + 1
	// BufferSharedMem is a named shared-memory region.
	BufferSharedMem
	// BufferImported is a descriptor received from a peer; its origin is
	// unknown to this process.
	BufferImported
)

func (k BufferKind) String() string {
	switch k {
	case BufferDMAHeap:
		return "dma-heap"
	case BufferSharedMem:
		return "shared-memory"
	case BufferImported:
		return "imported"
	default:
		return "unknown"
	}
}

// Buffer is a transferable pixel buffer: a file descriptor plus the byte
// length it was created with. The descriptor can be mapped locally and
// passed to another process as socket ancillary data; both sides then hold
// independent references to the same kernel object.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	fd     int
	size   uint64
	kind   BufferKind
	name   string // shm name; empty for dma-heap and imported buffers
	owned  bool   // this process created the shm name and unlinks it
	data   []byte // cached mapping
	closed bool
}

// AllocBuffer acquires a buffer of size bytes according to the path policy:
//
//   - "" — try each known DMA-heap device in priority order, then fall back
//     to a uniquely named shared-memory region.
//   - a path starting with /dev/ — allocate from that DMA heap only.
//   - any other non-empty string — create a shared-memory region under that
//     name; an existing name is an error.
func AllocBuffer(path string, size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, ErrInvalidArgument
	}
	switch {
	case path == "":
		for _, dev := range dmaHeapDevices {
			fd, err := allocHeap(dev, size)
			if err == nil {
				return &Buffer{fd: fd, size: size, kind: BufferDMAHeap}, nil
			}
		}
		name := anonShmName()
		fd, err := createShm(name, size)
		if err != nil {
			return nil, err
		}
		return &Buffer{fd: fd, size: size, kind: BufferSharedMem, name: name, owned: true}, nil

	case strings.HasPrefix(path, "/dev/"):
		fd, err := allocHeap(path, size)
		if err != nil {
			return nil, err
		}
		return &Buffer{fd: fd, size: size, kind: BufferDMAHeap}, nil

	default:
		fd, err := createShm(path, size)
		if err != nil {
			return nil, err
		}
		return &Buffer{fd: fd, size: size, kind: BufferSharedMem, name: path, owned: true}, nil
	}
}

// ImportBuffer wraps a descriptor received from a peer. The buffer takes
// ownership of fd and closes it on Close.
func ImportBuffer(fd int, size uint64) *Buffer {
	return &Buffer{fd: fd, size: size, kind: BufferImported}
}

// AttachFd wraps a descriptor the producing collaborator already owns, for
// example a camera-exported dmabuf. kind tells the buffer whether a
// physical-address query is worth attempting.
func AttachFd(fd int, size uint64, kind BufferKind) *Buffer {
	return &Buffer{fd: fd, size: size, kind: kind}
}

// Fd returns the descriptor, or -1 after Close.
func (b *Buffer) Fd() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return -1
	}
	return b.fd
}

// Size returns the byte length the buffer was created with.
func (b *Buffer) Size() uint64 { return b.size }

// Kind reports how the backing memory was obtained.
func (b *Buffer) Kind() BufferKind { return b.kind }

// Name returns the shared-memory name backing the buffer, or "".
func (b *Buffer) Name() string { return b.name }

// Map returns a writable view of the buffer. The mapping is cached; repeat
// calls return the same slice until Unmap or Close.
func (b *Buffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnmapped
	}
	if b.data != nil {
		return b.data, nil
	}
	data, err := mmapShared(b.fd, b.size)
	if err != nil {
		return nil, err
	}
	b.data = data
	return data, nil
}

// Unmap drops the cached mapping. The descriptor stays valid and the buffer
// may be mapped again.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unmapLocked()
}

func (b *Buffer) unmapLocked() error {
	if b.data == nil {
		return nil
	}
	data := b.data
	b.data = nil
	return munmap(data)
}

// Phys returns the bus address of a DMA-heap buffer. Shared-memory and
// imported buffers have none.
func (b *Buffer) Phys() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrUnmapped
	}
	if b.kind != BufferDMAHeap {
		return 0, ErrNotSupported
	}
	return bufferPhys(b.fd)
}

// Close unmaps, closes the descriptor, and removes an owned shared-memory
// name from the namespace. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.unmapLocked()
	if cerr := closeFd(b.fd); err == nil {
		err = cerr
	}
	b.fd = -1
	if b.owned {
		if uerr := unlinkShm(b.name); err == nil {
			err = uerr
		}
	}
	return err
}
