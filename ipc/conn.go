package ipc

import (
	"fmt"
	"sync/atomic"

	sys "golang.org/x/sys/unix"

	videostream "github.com/EdgeFirstAI/videostream"
)

// Conn is one end of a host/client pairing: a connected SOCK_SEQPACKET
// socket carrying protocol messages, each message one datagram. Descriptors
// ride as SCM_RIGHTS ancillary data on the same datagram as the message
// body; the kernel duplicates them, so each side closes its own copy.
type Conn struct {
	fd     int
	closed atomic.Bool
}

func newConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// Fd exposes the socket descriptor for poll multiplexing.
func (c *Conn) Fd() int { return c.fd }

// Send transmits one message.
func (c *Conn) Send(m Message) error {
	return c.send(m, -1)
}

// SendFd transmits one message with a buffer descriptor attached as
// ancillary data. The descriptor remains open on the sender.
func (c *Conn) SendFd(m Message, fd int) error {
	if fd < 0 {
		return videostream.ErrInvalidArgument
	}
	return c.send(m, fd)
}

func (c *Conn) send(m Message, fd int) error {
	if c.closed.Load() {
		return videostream.ErrDisconnected
	}
	buf := wirePool.Get(m.wireSize())
	defer wirePool.Put(buf)
	m.encode(buf)

	var oob []byte
	if fd >= 0 {
		oob = sys.UnixRights(fd)
	}
	for {
		err := sys.Sendmsg(c.fd, buf, oob, nil, sys.MSG_NOSIGNAL)
		switch err {
		case nil:
			return nil
		case sys.EINTR:
			continue
		case sys.EAGAIN:
			// socket buffer full; wait for the peer to drain
			if perr := c.pollWait(sys.POLLOUT, -1); perr != nil {
				return perr
			}
		default:
			return videostream.WrapErrno("send", err.(sys.Errno))
		}
	}
}

// RecvNonblock returns the next queued message, the received descriptor
// (or -1), and any error. When nothing is queued it returns (nil, -1, nil).
// A peer hangup reports ErrDisconnected; a truncated or undecodable
// datagram reports ErrInvalidArgument and the caller must treat the peer
// as failed.
func (c *Conn) RecvNonblock() (Message, int, error) {
	if c.closed.Load() {
		return nil, -1, videostream.ErrDisconnected
	}
	buf := wirePool.Get(MaxMsgLen)
	defer wirePool.Put(buf)
	oob := make([]byte, sys.CmsgSpace(4))

	var n, oobn, recvflags int
	for {
		var err error
		n, oobn, recvflags, _, err = sys.Recvmsg(c.fd, buf, oob, sys.MSG_CMSG_CLOEXEC|sys.MSG_DONTWAIT)
		if err == sys.EINTR {
			continue
		}
		if err == sys.EAGAIN {
			return nil, -1, nil
		}
		if err != nil {
			return nil, -1, videostream.WrapErrno("recv", err.(sys.Errno))
		}
		break
	}
	if n == 0 {
		// zero-length read on a seqpacket socket is end of stream
		return nil, -1, videostream.ErrDisconnected
	}

	fd := parseRights(oob[:oobn])
	if recvflags&sys.MSG_TRUNC != 0 || recvflags&sys.MSG_CTRUNC != 0 {
		closeRecvFd(fd)
		return nil, -1, fmt.Errorf("truncated datagram: %w", videostream.ErrInvalidArgument)
	}
	m, err := Unmarshal(buf[:n])
	if err != nil {
		closeRecvFd(fd)
		return nil, -1, err
	}
	return m, fd, nil
}

// RecvDeadline blocks until a message arrives or the absolute wall-clock
// deadline (nanoseconds) passes. A deadline of 0 blocks indefinitely.
func (c *Conn) RecvDeadline(deadlineNS int64) (Message, int, error) {
	for {
		m, fd, err := c.RecvNonblock()
		if m != nil || err != nil {
			return m, fd, err
		}
		timeout := -1
		if deadlineNS != 0 {
			remain := deadlineNS - videostream.NowNS()
			if remain <= 0 {
				return nil, -1, videostream.ErrTimeout
			}
			timeout = int(remain / 1e6)
			if timeout == 0 {
				timeout = 1
			}
		}
		if err := c.pollWait(sys.POLLIN, timeout); err != nil {
			return nil, -1, err
		}
	}
}

// pollWait blocks until the socket reports the given events, a hangup, or
// the timeout (milliseconds; -1 blocks). A timeout is reported as nil so
// callers re-check their own deadlines; hangup and poll errors surface.
func (c *Conn) pollWait(events int16, timeout int) error {
	fds := []sys.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		n, err := sys.Poll(fds, timeout)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return videostream.WrapErrno("poll", err.(sys.Errno))
		}
		if n == 0 {
			return nil
		}
		if fds[0].Revents&(sys.POLLERR|sys.POLLNVAL) != 0 {
			return videostream.ErrDisconnected
		}
		// POLLHUP with POLLIN still has queued data to drain
		if fds[0].Revents&sys.POLLHUP != 0 && fds[0].Revents&sys.POLLIN == 0 && events&sys.POLLIN != 0 {
			return videostream.ErrDisconnected
		}
		return nil
	}
}

// parseRights extracts the first descriptor from ancillary data, closing
// any extras a misbehaving peer attached.
func parseRights(oob []byte) int {
	if len(oob) == 0 {
		return -1
	}
	cmsgs, err := sys.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}
	first := -1
	for _, cmsg := range cmsgs {
		fds, err := sys.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if first < 0 {
				first = fd
			} else {
				sys.Close(fd)
			}
		}
	}
	return first
}

func closeRecvFd(fd int) {
	if fd >= 0 {
		sys.Close(fd)
	}
}

// Close shuts the connection down. Safe to call from another goroutine to
// interrupt a blocked receive, and safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// wake any poller before the descriptor goes away
	sys.Shutdown(c.fd, sys.SHUT_RDWR)
	if err := sys.Close(c.fd); err != nil && err != sys.EINTR {
		return videostream.WrapErrno("close", err.(sys.Errno))
	}
	return nil
}
