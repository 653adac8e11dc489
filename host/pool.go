// Package host implements the producing side of videostream: a pool that
// owns active frames, announces them to connected clients, grants and
// tracks cross-process locks, and recycles frames whose holds are gone and
// whose lifespan has passed.
package host

import (
	"sync"

	"github.com/rs/zerolog"
	sys "golang.org/x/sys/unix"

	videostream "github.com/EdgeFirstAI/videostream"
	"github.com/EdgeFirstAI/videostream/ipc"
)

// Pool is the host-side frame pool. One mutex serializes every mutation:
// the active-frame table, the session table and held-lists, the serial
// counter, and the per-session send path (so two publishers cannot
// interleave an announce on one socket).
//
// Pool methods are safe for concurrent use; Publish may run on producer
// threads while Process and Poll run on a servicer thread.
type Pool struct {
	mu       sync.Mutex
	cfg      config
	log      zerolog.Logger
	ln       *ipc.Listener
	frames   map[uint64]*videostream.Frame
	sessions map[int]*session
	serial   uint64
	released bool
}

// New binds a listening socket on path and returns an empty pool. Stale
// filesystem socket entries from a crashed previous host are detected and
// cleaned; a path held by a live host reports ErrAddressInUse.
//
// An empty path auto-generates an abstract-namespace path from the
// creating thread's id. Clients have no way to discover it, so it is only
// useful when the same code hands Path() to the consumer side; production
// deployments pass explicit paths.
func New(path string, opts ...Option) (*Pool, error) {
	cfg := config{holdCap: DefaultHoldCap, log: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	if path == "" {
		path = ipc.DefaultPath("videostream")
	}
	ln, err := ipc.Listen(path)
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:      cfg,
		log:      cfg.log,
		ln:       ln,
		frames:   make(map[uint64]*videostream.Frame),
		sessions: make(map[int]*session),
	}, nil
}

// Path returns the socket path the pool listens on.
func (p *Pool) Path() string { return p.ln.Path() }

// Publish inserts a frame into the active table, stamps its serial and
// timing fields, and announces it to every connected client. The pool takes
// over the caller's frame reference; the frame is released when recycled.
//
// Publishing takes no hold on anyone's behalf: a frame with expires == 0
// and no outstanding locks is eligible for recycling on the next sweep.
func (p *Pool) Publish(f *videostream.Frame, expires, duration, pts, dts int64) (uint64, error) {
	if f == nil || f.Buffer() == nil {
		return 0, videostream.ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return 0, videostream.ErrDisconnected
	}

	p.serial++
	f.Serial = p.serial
	f.Expires = expires
	f.Duration = duration
	f.PTS = pts
	f.DTS = dts
	if f.Timestamp == 0 {
		f.Timestamp = videostream.NowNS()
	}
	p.frames[f.Serial] = f

	announce := &ipc.FrameAnnounce{
		Serial:    f.Serial,
		Width:     f.Width,
		Height:    f.Height,
		Stride:    f.Stride,
		Format:    f.Format,
		Size:      f.Size,
		Timestamp: f.Timestamp,
		PTS:       f.PTS,
		DTS:       f.DTS,
		Duration:  f.Duration,
		Expires:   f.Expires,
	}
	for fd, sess := range p.sessions {
		if err := sess.conn.Send(announce); err != nil {
			p.dropSessionLocked(fd, "announce failed")
		}
	}
	p.log.Debug().Uint64("serial", f.Serial).Uint64("size", announce.Size).Msg("frame published")
	return f.Serial, nil
}

// Process runs one non-blocking servicing pass: accept pending
// connections, drain every client socket, then sweep expired frames.
func (p *Pool) Process() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return videostream.ErrDisconnected
	}
	p.acceptLocked()
	p.drainLocked()
	p.sweepLocked(videostream.NowNS())
	return nil
}

// Poll blocks up to timeoutMS milliseconds (-1 blocks indefinitely) until
// the listener or any client socket becomes readable. It does no
// processing; callers pair it with Process.
func (p *Pool) Poll(timeoutMS int) (bool, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return false, videostream.ErrDisconnected
	}
	fds := make([]sys.PollFd, 0, len(p.sessions)+1)
	fds = append(fds, sys.PollFd{Fd: int32(p.ln.Fd()), Events: sys.POLLIN})
	for fd := range p.sessions {
		fds = append(fds, sys.PollFd{Fd: int32(fd), Events: sys.POLLIN})
	}
	p.mu.Unlock()

	for {
		n, err := sys.Poll(fds, timeoutMS)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return false, videostream.WrapErrno("poll", err.(sys.Errno))
		}
		return n > 0, nil
	}
}

// Release tears the pool down: the listener closes, every session is
// dropped (surrendering its holds), and every active frame is released.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	err := p.ln.Close()
	for fd := range p.sessions {
		p.dropSessionLocked(fd, "pool released")
	}
	for serial, f := range p.frames {
		delete(p.frames, serial)
		f.Release()
	}
	return err
}

// ActiveCount returns the number of frames in the active table.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// SessionCount returns the number of connected clients.
func (p *Pool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Lookup returns the active frame with the given serial, if any.
func (p *Pool) Lookup(serial uint64) (*videostream.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[serial]
	return f, ok
}

func (p *Pool) acceptLocked() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			p.log.Warn().Err(err).Msg("accept failed")
			return
		}
		if conn == nil {
			return
		}
		p.sessions[conn.Fd()] = newSession(conn)
		p.log.Debug().Int("fd", conn.Fd()).Msg("client connected")
	}
}

func (p *Pool) drainLocked() {
	for fd, sess := range p.sessions {
		for {
			msg, rfd, err := sess.conn.RecvNonblock()
			if err != nil {
				p.dropSessionLocked(fd, err.Error())
				break
			}
			if msg == nil {
				break
			}
			if rfd >= 0 {
				// clients never send descriptors
				sys.Close(rfd)
			}
			if !p.handleLocked(sess, msg) {
				p.dropSessionLocked(fd, "bad message")
				break
			}
		}
	}
}

// handleLocked applies one client message to the session state machine,
// reporting false when the message is grounds for disconnecting the client.
func (p *Pool) handleLocked(sess *session, msg ipc.Message) bool {
	switch m := msg.(type) {
	case *ipc.LockRequest:
		return p.handleLockLocked(sess, m.Serial)
	case *ipc.UnlockRequest:
		p.handleUnlockLocked(sess, m.Serial)
		return true
	default:
		p.log.Warn().Stringer("kind", msg.Kind()).Msg("unexpected message from client")
		return false
	}
}

func (p *Pool) handleLockLocked(sess *session, serial uint64) bool {
	f, active := p.frames[serial]
	reply := &ipc.LockReply{Serial: serial}
	switch {
	case !active:
		reply.Reason = ipc.DenyNotFound
	case sess.holdTotal() >= p.cfg.holdCap:
		reply.Reason = ipc.DenyLimitExceeded
	default:
		reply.Granted = true
		reply.Width = f.Width
		reply.Height = f.Height
		reply.Stride = f.Stride
		reply.Format = f.Format
		reply.Size = f.Size
	}
	if !reply.Granted {
		p.log.Debug().Uint64("serial", serial).Uint8("reason", uint8(reply.Reason)).Msg("lock denied")
		return sess.conn.Send(reply) == nil
	}

	f.Hold()
	sess.grant(serial)
	if err := sess.conn.SendFd(reply, f.Buffer().Fd()); err != nil {
		// grant never reached the client; take the hold back
		sess.surrender(serial)
		f.Unhold()
		return false
	}
	return true
}

func (p *Pool) handleUnlockLocked(sess *session, serial uint64) {
	if !sess.surrender(serial) {
		// tolerates unlock racing a reconnect
		p.log.Warn().Uint64("serial", serial).Msg("ignoring unlock for unheld serial")
		return
	}
	if f, active := p.frames[serial]; active {
		f.Unhold()
	}
}

// dropSessionLocked surrenders every hold the session has, exactly once per
// grant, and removes it.
func (p *Pool) dropSessionLocked(fd int, reason string) {
	sess, ok := p.sessions[fd]
	if !ok {
		return
	}
	for serial, grants := range sess.held {
		if f, active := p.frames[serial]; active {
			for i := 0; i < grants; i++ {
				f.Unhold()
			}
		}
	}
	sess.conn.Close()
	delete(p.sessions, fd)
	p.log.Debug().Int("fd", fd).Str("reason", reason).Msg("client disconnected")
}

// sweepLocked recycles every frame with no outstanding holds whose expiry
// has passed (or was never set). Recycling with holds outstanding is
// forbidden regardless of expiry; a grant already on the wire stays usable
// because the client's descriptor is an independent kernel reference.
func (p *Pool) sweepLocked(now int64) {
	for serial, f := range p.frames {
		if f.Recyclable(now) {
			delete(p.frames, serial)
			f.Release()
			p.log.Debug().Uint64("serial", serial).Msg("frame recycled")
		}
	}
}
