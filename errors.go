package videostream

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Error kinds surfaced by this module. Operations wrap one of these together
// with the underlying errno (when there is one), so callers can match either
// with errors.Is:
//
//	if errors.Is(err, videostream.ErrResourceUnavailable) { ... }
//	if errors.Is(err, unix.ENOMEM) { ... }
var (
	// ErrInvalidArgument indicates the caller violated an input contract:
	// a nil handle, bad geometry, or an operation issued in the wrong state.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceUnavailable indicates the kernel refused an allocation or
	// socket operation. Retrying or falling back may succeed.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrNameExists indicates a shared-memory name collision.
	ErrNameExists = errors.New("name exists")

	// ErrPermissionDenied indicates no access to a DMA-heap device or
	// socket path.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAddressInUse indicates the socket path is held by a live host.
	ErrAddressInUse = errors.New("address in use")

	// ErrConnectionRefused indicates no host is listening on the path.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrDisconnected indicates the peer closed mid-operation.
	ErrDisconnected = errors.New("disconnected")

	// ErrTimeout indicates a deadline elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrLimitExceeded indicates the per-client frame hold cap was hit.
	// The client must unlock a frame before locking another.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrUnmapped indicates an operation that requires an attached buffer
	// was called on a frame without one.
	ErrUnmapped = errors.New("unmapped")

	// ErrNotSupported indicates the operation requires a capability the
	// buffer does not have (e.g. a physical address for shared memory).
	ErrNotSupported = errors.New("not supported")
)

// ParseErrno maps a kernel errno to the closest error kind.
func ParseErrno(errno sys.Errno) error {
	switch errno {
	case sys.EINVAL, sys.EBADF, sys.EFAULT:
		return ErrInvalidArgument
	case sys.EEXIST:
		return ErrNameExists
	case sys.EACCES, sys.EPERM:
		return ErrPermissionDenied
	case sys.EADDRINUSE:
		return ErrAddressInUse
	case sys.ECONNREFUSED:
		return ErrConnectionRefused
	case sys.EPIPE, sys.ECONNRESET, sys.ENOTCONN, sys.ESHUTDOWN:
		return ErrDisconnected
	case sys.ETIMEDOUT:
		return ErrTimeout
	case sys.ENOTTY, sys.EOPNOTSUPP, sys.ENOSYS:
		return ErrNotSupported
	case sys.ENOMEM, sys.ENOSPC, sys.ENODEV, sys.ENOENT, sys.ENXIO,
		sys.EMFILE, sys.ENFILE, sys.EAGAIN, sys.EIO:
		return ErrResourceUnavailable
	default:
		return errno
	}
}

// WrapErrno wraps a syscall failure so that the result matches both the
// mapped error kind and the raw errno under errors.Is.
func WrapErrno(op string, errno sys.Errno) error {
	kind := ParseErrno(errno)
	if kind == error(errno) {
		return fmt.Errorf("%s: %w", op, errno)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, errno)
}
