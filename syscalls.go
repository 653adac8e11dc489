package videostream

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// openFd opens path with an EINTR retry loop. The Go os API is deliberately
// bypassed: these descriptors are handed to ioctls and sendmsg and must not
// be wrapped in an *os.File finalizer.
func openFd(path string, flags int, mode uint32) (int, error) {
	for {
		fd, err := sys.Openat(sys.AT_FDCWD, path, flags|sys.O_CLOEXEC, mode)
		if err == nil {
			return fd, nil
		}
		if err == sys.EINTR {
			continue
		}
		return -1, WrapErrno("open "+path, err.(sys.Errno))
	}
}

// closeFd closes a descriptor, swallowing EINTR (the fd is gone either way).
func closeFd(fd int) error {
	if err := sys.Close(fd); err != nil && err != sys.EINTR {
		return WrapErrno("close", err.(sys.Errno))
	}
	return nil
}

// ioctl is a wrapper for Syscall(SYS_IOCTL) with EINTR retry.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) sys.Errno {
	for {
		_, _, errno := sys.Syscall(sys.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return 0
		case sys.EINTR:
			continue // retry
		default:
			return errno
		}
	}
}

// mmapShared maps size bytes of fd read-write shared.
func mmapShared(fd int, size uint64) ([]byte, error) {
	data, err := sys.Mmap(fd, 0, int(size), sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED)
	if err != nil {
		return nil, WrapErrno("mmap", err.(sys.Errno))
	}
	return data, nil
}

func munmap(data []byte) error {
	if err := sys.Munmap(data); err != nil {
		return WrapErrno("munmap", err.(sys.Errno))
	}
	return nil
}
