package videostream

import (
	"sync"
	"sync/atomic"
	"time"
)

// CleanupFunc is a producer-supplied finalizer, invoked exactly once when
// the last in-process reference to a frame is released. It receives the
// userptr the frame was constructed with.
type CleanupFunc func(userptr any)

// Frame is one video frame: pixel geometry, timing, and a transferable
// buffer handle. A frame is built by a producer, published to a host pool,
// and surfaced to clients as a proxy populated from the announce message.
//
// Two counters with different jobs:
//
//   - the reference count (Retain/Release) governs the lifetime of this
//     record within one process; the last Release closes the descriptor and
//     runs the finalizer.
//   - the hold count (Hold/Unhold) counts outstanding cross-process locks
//     and governs host-side recycling eligibility.
type Frame struct {
	// Serial is the host-assigned identifier, monotonically increasing in
	// publication order and never reused within a host's lifetime. Zero
	// until published.
	Serial uint64

	// Width and Height are the pixel geometry; Stride is bytes per row.
	Width, Height, Stride uint32

	// Format is the four-character pixel-format code.
	Format FourCC

	// Timestamp is the wall-clock acquisition time in nanoseconds. PTS,
	// DTS, and Duration are presentation and decode timings.
	Timestamp, PTS, DTS, Duration int64

	// Expires is the absolute nanosecond deadline after which the host may
	// recycle the frame once its hold count is zero. Zero disables
	// time-based expiry.
	Expires int64

	// Size is the byte length of the pixel data. Encoder collaborators may
	// freeze the actual compressed length once via SetSize.
	Size uint64

	mu      sync.Mutex
	buf     *Buffer
	sizeSet bool // Size frozen after the one post-publication write
	userptr any
	cleanup CleanupFunc

	refs     atomic.Int32
	holds    atomic.Int32
	released atomic.Bool
}

// NewFrame constructs an unpublished frame with no buffer attached. The
// caller holds the one initial reference. A stride of 0 means "derive from
// width and pixel format at allocation time".
func NewFrame(width, height, stride uint32, format FourCC, userptr any, cleanup CleanupFunc) *Frame {
	f := &Frame{
		Width:   width,
		Height:  height,
		Stride:  stride,
		Format:  format,
		userptr: userptr,
		cleanup: cleanup,
	}
	f.refs.Store(1)
	return f
}

// Allocate acquires a pixel buffer through the allocator and attaches it.
// path selects the allocation policy exactly as AllocBuffer does. A size of
// 0 derives stride*height from the frame geometry, which requires a format
// with a computable stride.
func (f *Frame) Allocate(path string, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf != nil {
		return ErrInvalidArgument
	}
	if f.Stride == 0 {
		f.Stride = f.Width * f.Format.BytesPerPixel()
	}
	if size == 0 {
		if f.Stride == 0 || f.Height == 0 {
			return ErrInvalidArgument
		}
		size = uint64(f.Stride) * uint64(f.Height)
	}
	buf, err := AllocBuffer(path, size)
	if err != nil {
		return err
	}
	f.buf = buf
	f.Size = size
	return nil
}

// Attach takes ownership of a pre-existing buffer, for producers that
// already hold a descriptor (camera exports, codec output). stride of 0
// keeps the frame's current stride.
func (f *Frame) Attach(buf *Buffer, stride uint32) error {
	if buf == nil {
		return ErrInvalidArgument
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf != nil {
		return ErrInvalidArgument
	}
	f.buf = buf
	f.Size = buf.Size()
	if stride != 0 {
		f.Stride = stride
	}
	return nil
}

// AttachDescriptor wraps a raw descriptor the producer already owns and
// attaches it, taking ownership. The buffer counts as imported, so a
// physical-address query reports ErrNotSupported; producers holding a
// DMA-heap export should build the buffer with AttachFd and BufferDMAHeap
// instead.
func (f *Frame) AttachDescriptor(fd int, size uint64, stride uint32) error {
	if fd < 0 || size == 0 {
		return ErrInvalidArgument
	}
	return f.Attach(AttachFd(fd, size, BufferImported), stride)
}

// Buffer returns the attached buffer, or nil.
func (f *Frame) Buffer() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf
}

// SetSize records the actual pixel-data length, at most once, after a codec
// collaborator finishes writing. It cannot exceed the mapped region.
func (f *Frame) SetSize(n uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeSet || f.buf == nil || n > f.buf.Size() {
		return ErrInvalidArgument
	}
	f.Size = n
	f.sizeSet = true
	return nil
}

// Map returns a writable view of the pixel buffer. The mapping is cached
// until Unmap or the final Release.
func (f *Frame) Map() ([]byte, error) {
	f.mu.Lock()
	buf := f.buf
	f.mu.Unlock()
	if buf == nil {
		return nil, ErrUnmapped
	}
	return buf.Map()
}

// Unmap releases the cached mapping; the descriptor remains attached and
// the frame may be mapped again.
func (f *Frame) Unmap() error {
	f.mu.Lock()
	buf := f.buf
	f.mu.Unlock()
	if buf == nil {
		return ErrUnmapped
	}
	return buf.Unmap()
}

// PhysicalAddress returns the bus address of a DMA-heap-backed frame, for
// hardware collaborators. Other backings report ErrNotSupported.
func (f *Frame) PhysicalAddress() (uint64, error) {
	f.mu.Lock()
	buf := f.buf
	f.mu.Unlock()
	if buf == nil {
		return 0, ErrUnmapped
	}
	return buf.Phys()
}

// Detach removes and returns the attached buffer without closing it. Used
// by the client session when a lock is surrendered but the proxy record
// stays alive for a later lock.
func (f *Frame) Detach() *Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.buf
	f.buf = nil
	f.sizeSet = false
	return buf
}

// Retain adds one in-process reference.
func (f *Frame) Retain() {
	f.refs.Add(1)
}

// Release drops one in-process reference. When the last reference goes, the
// mapping is torn down, the descriptor closed, any owned shared-memory name
// removed, and the finalizer invoked exactly once. Extra Release calls on a
// dead frame are no-ops.
func (f *Frame) Release() {
	if f.refs.Add(-1) > 0 {
		return
	}
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	buf := f.buf
	f.buf = nil
	cleanup := f.cleanup
	userptr := f.userptr
	f.cleanup = nil
	f.mu.Unlock()
	if buf != nil {
		buf.Close()
	}
	if cleanup != nil {
		cleanup(userptr)
	}
}

// UserPtr returns the opaque producer payload.
func (f *Frame) UserPtr() any { return f.userptr }

// Hold adds one cross-process lock and returns the new hold count.
func (f *Frame) Hold() int32 { return f.holds.Add(1) }

// Unhold drops one cross-process lock and returns the new hold count.
func (f *Frame) Unhold() int32 { return f.holds.Add(-1) }

// Holds returns the current hold count.
func (f *Frame) Holds() int32 { return f.holds.Load() }

// Recyclable reports whether the frame may be recycled at the given
// wall-clock instant: no outstanding holds and past its expiry (or no
// expiry set at all).
func (f *Frame) Recyclable(now int64) bool {
	return f.holds.Load() == 0 && (f.Expires == 0 || now > f.Expires)
}

// NowNS returns the wall-clock time in nanoseconds, the timebase used by
// Timestamp and Expires.
func NowNS() int64 {
	return time.Now().UnixNano()
}
