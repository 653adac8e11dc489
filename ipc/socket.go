package ipc

import (
	"fmt"
	"strings"

	sys "golang.org/x/sys/unix"

	videostream "github.com/EdgeFirstAI/videostream"
)

// Socket addressing. A path beginning with / is a filesystem socket entry,
// created mode 0600. Any other path uses the abstract namespace and leaves
// no filesystem presence.

const listenBacklog = 16

// DefaultPath derives a socket path from a prefix and the calling thread's
// kernel id, so multiple hosts within one process stay distinguishable.
// This is a developer convenience; production deployments pass explicit
// paths that both sides agree on.
func DefaultPath(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, sys.Gettid())
}

// isFilesystem reports whether path names a filesystem socket entry.
func isFilesystem(path string) bool {
	return strings.HasPrefix(path, "/")
}

func sockaddr(path string) *sys.SockaddrUnix {
	if isFilesystem(path) {
		return &sys.SockaddrUnix{Name: path}
	}
	// leading @ selects the abstract namespace
	return &sys.SockaddrUnix{Name: "@" + path}
}

// Listener accepts client connections for a host pool.
type Listener struct {
	fd   int
	path string
}

// Listen binds a SOCK_SEQPACKET socket on path and listens. A stale
// filesystem entry left by a dead host (bind collides but a connect probe
// is refused) is removed and the bind retried once; a path held by a live
// host reports ErrAddressInUse.
func Listen(path string) (*Listener, error) {
	if path == "" {
		return nil, videostream.ErrInvalidArgument
	}
	fd, err := sys.Socket(sys.AF_UNIX, sys.SOCK_SEQPACKET|sys.SOCK_CLOEXEC|sys.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, videostream.WrapErrno("socket", err.(sys.Errno))
	}

	sa := sockaddr(path)
	if err := sys.Bind(fd, sa); err != nil {
		if err != sys.EADDRINUSE || !isFilesystem(path) || !staleSocket(path) {
			sys.Close(fd)
			return nil, videostream.WrapErrno("bind "+path, err.(sys.Errno))
		}
		// stale entry from a crashed host: remove and rebind
		if uerr := sys.Unlink(path); uerr != nil && uerr != sys.ENOENT {
			sys.Close(fd)
			return nil, videostream.WrapErrno("unlink "+path, uerr.(sys.Errno))
		}
		if err := sys.Bind(fd, sa); err != nil {
			sys.Close(fd)
			return nil, videostream.WrapErrno("bind "+path, err.(sys.Errno))
		}
	}

	if isFilesystem(path) {
		if err := sys.Chmod(path, 0600); err != nil {
			sys.Close(fd)
			sys.Unlink(path)
			return nil, videostream.WrapErrno("chmod "+path, err.(sys.Errno))
		}
	}
	if err := sys.Listen(fd, listenBacklog); err != nil {
		sys.Close(fd)
		if isFilesystem(path) {
			sys.Unlink(path)
		}
		return nil, videostream.WrapErrno("listen "+path, err.(sys.Errno))
	}
	return &Listener{fd: fd, path: path}, nil
}

// staleSocket probes a colliding filesystem path: a refused connect means
// no host is accepting there and the entry is a leftover.
func staleSocket(path string) bool {
	fd, err := sys.Socket(sys.AF_UNIX, sys.SOCK_SEQPACKET|sys.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer sys.Close(fd)
	return sys.Connect(fd, sockaddr(path)) == sys.ECONNREFUSED
}

// Accept returns the next pending connection, or nil when none is queued.
func (l *Listener) Accept() (*Conn, error) {
	for {
		fd, _, err := sys.Accept4(l.fd, sys.SOCK_CLOEXEC|sys.SOCK_NONBLOCK)
		switch err {
		case nil:
			return newConn(fd), nil
		case sys.EINTR:
			continue
		case sys.EAGAIN, sys.ECONNABORTED:
			return nil, nil
		default:
			return nil, videostream.WrapErrno("accept", err.(sys.Errno))
		}
	}
}

// Fd exposes the listener descriptor for poll multiplexing.
func (l *Listener) Fd() int { return l.fd }

// Path returns the bound socket path.
func (l *Listener) Path() string { return l.path }

// Close shuts the listener and removes a filesystem socket entry.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := sys.Close(l.fd)
	l.fd = -1
	if isFilesystem(l.path) {
		sys.Unlink(l.path)
	}
	if err != nil && err != sys.EINTR {
		return videostream.WrapErrno("close listener", err.(sys.Errno))
	}
	return nil
}

// Dial connects to the host listening on path. ErrConnectionRefused means
// no host is there (including a missing filesystem entry).
func Dial(path string) (*Conn, error) {
	if path == "" {
		return nil, videostream.ErrInvalidArgument
	}
	fd, err := sys.Socket(sys.AF_UNIX, sys.SOCK_SEQPACKET|sys.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, videostream.WrapErrno("socket", err.(sys.Errno))
	}
	for {
		err = sys.Connect(fd, sockaddr(path))
		if err == sys.EINTR {
			continue
		}
		break
	}
	if err != nil {
		sys.Close(fd)
		if err == sys.ENOENT {
			// no socket entry at all: same recovery as a refused connect
			return nil, videostream.WrapErrno("connect "+path, sys.ECONNREFUSED)
		}
		return nil, videostream.WrapErrno("connect "+path, err.(sys.Errno))
	}
	if err := sys.SetNonblock(fd, true); err != nil {
		sys.Close(fd)
		return nil, videostream.WrapErrno("set nonblock", err.(sys.Errno))
	}
	return newConn(fd), nil
}
