package videostream

import (
	"strings"

	"github.com/google/uuid"
	sys "golang.org/x/sys/unix"
)

// Named shared-memory regions. These are plain files under /dev/shm (the
// same namespace shm_open uses), created exclusively with mode 0600 and
// unlinked by their creator on release.

const shmDir = "/dev/shm/"

// shmPath converts a region name to its tmpfs path. A leading slash on the
// name is accepted for shm_open familiarity and stripped.
func shmPath(name string) string {
	return shmDir + strings.TrimPrefix(name, "/")
}

// createShm creates the named region with the given size and returns its
// descriptor. An existing name is an error; the region is never truncated
// out from under another process.
func createShm(name string, size uint64) (int, error) {
	fd, err := openFd(shmPath(name), sys.O_RDWR|sys.O_CREAT|sys.O_EXCL, 0600)
	if err != nil {
		return -1, err
	}
	for {
		err := sys.Ftruncate(fd, int64(size))
		if err == nil {
			break
		}
		if err == sys.EINTR {
			continue
		}
		closeFd(fd)
		unlinkShm(name)
		return -1, WrapErrno("ftruncate "+name, err.(sys.Errno))
	}
	return fd, nil
}

// unlinkShm removes the region name from the namespace. Missing names are
// not an error; release paths may race with host teardown.
func unlinkShm(name string) error {
	if err := sys.Unlink(shmPath(name)); err != nil && err != sys.ENOENT {
		return WrapErrno("unlink "+name, err.(sys.Errno))
	}
	return nil
}

// anonShmName generates a collision-free name for a region allocated under
// the default policy, where the caller did not pick one.
func anonShmName() string {
	return "videostream-" + uuid.NewString()
}
