// Package client implements the consuming side of videostream: a long-lived
// connection to one host pool, surfacing announced frames as proxies that
// can be locked to obtain the underlying buffer descriptor.
package client

import (
	"errors"
	"fmt"
	"sync"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	sys "golang.org/x/sys/unix"

	videostream "github.com/EdgeFirstAI/videostream"
	"github.com/EdgeFirstAI/videostream/ipc"
)

// Session is a client connection to one host. The consumer drives it from
// one goroutine (Wait/TryLock/Unlock); a watchdog timer task supervises the
// connection from another and closes the socket when the host goes silent,
// waking any blocked call.
type Session struct {
	cfg  config
	log  zerolog.Logger
	path string

	// mu guards the connection pointer, announce queue, held set and flags.
	mu         sync.Mutex
	conn       *ipc.Conn
	queue      []*ipc.FrameAnnounce
	held       map[*videostream.Frame]uint64
	lastSerial uint64
	timedOut   bool
	closed     bool

	// ioMu serializes socket reads and the reconnect path.
	ioMu sync.Mutex

	wd *watchdog
}

// Connect establishes a session with the host listening on path.
// ErrConnectionRefused means no host is there.
func Connect(path string, opts ...Option) (*Session, error) {
	cfg := config{
		window:            DefaultWatchdogWindow,
		queueCap:          DefaultAnnounceQueue,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelay:    defaultReconnectDelay,
		log:               zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	conn, err := ipc.Dial(path)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:  cfg,
		log:  cfg.log,
		path: path,
		conn: conn,
		held: make(map[*videostream.Frame]uint64),
	}
	s.wd = newWatchdog(cfg.window, s.watchdogFired)
	return s, nil
}

// UserPtr returns the opaque payload supplied at connect time.
func (s *Session) UserPtr() any { return s.cfg.userptr }

// Held returns the number of frames this session currently holds locked.
func (s *Session) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// LastSerial returns the highest serial announced by the host so far.
func (s *Session) LastSerial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSerial
}

// Wait blocks until a frame announce arrives, returning a proxy frame
// populated from it, or until the absolute wall-clock deadline (in
// nanoseconds) passes. A deadline of 0 waits indefinitely.
func (s *Session) Wait(deadlineNS int64) (*videostream.Frame, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	for {
		if f := s.popAnnounce(); f != nil {
			return f, nil
		}
		conn, err := s.current()
		if err != nil {
			return nil, err
		}
		msg, fd, err := conn.RecvDeadline(deadlineNS)
		if err != nil {
			if errors.Is(err, videostream.ErrTimeout) {
				return nil, videostream.ErrTimeout
			}
			if rerr := s.peerFailed(err); rerr != nil {
				return nil, rerr
			}
			continue // reconnected
		}
		s.wd.feed()
		switch m := msg.(type) {
		case *ipc.FrameAnnounce:
			s.pushAnnounce(m)
		case *ipc.LockReply:
			// reply to a request that died with a previous connection;
			// the descriptor (if any) belongs to nobody now
			closeStray(fd)
			s.log.Debug().Uint64("serial", m.Serial).Msg("discarding stale lock reply")
		default:
			closeStray(fd)
			if rerr := s.peerFailed(fmt.Errorf("unexpected %s from host: %w", msg.Kind(), videostream.ErrInvalidArgument)); rerr != nil {
				return nil, rerr
			}
		}
	}
}

// TryLock asks the host for a hold on the proxy's serial and blocks for the
// reply. On a grant the received descriptor is attached to the proxy; the
// pixel data is then one Map away. A deny surfaces as ErrLimitExceeded or
// ErrResourceUnavailable (frame already recycled).
func (s *Session) TryLock(f *videostream.Frame) error {
	if f == nil || f.Serial == 0 {
		return videostream.ErrInvalidArgument
	}
	if f.Buffer() != nil {
		return videostream.ErrInvalidArgument // already locked
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	conn, err := s.current()
	if err != nil {
		return err
	}
	if err := conn.Send(&ipc.LockRequest{Serial: f.Serial}); err != nil {
		if rerr := s.peerFailed(err); rerr != nil {
			return rerr
		}
		return videostream.ErrDisconnected // reconnected; request was lost
	}
	for {
		msg, fd, err := conn.RecvDeadline(0)
		if err != nil {
			if rerr := s.peerFailed(err); rerr != nil {
				return rerr
			}
			return videostream.ErrDisconnected
		}
		s.wd.feed()
		switch m := msg.(type) {
		case *ipc.FrameAnnounce:
			s.pushAnnounce(m)

		case *ipc.LockReply:
			if m.Serial != f.Serial {
				// replies arrive in request order; a mismatch means the
				// peer lost the plot
				closeStray(fd)
				if rerr := s.peerFailed(fmt.Errorf("lock reply for %d, want %d: %w", m.Serial, f.Serial, videostream.ErrInvalidArgument)); rerr != nil {
					return rerr
				}
				return videostream.ErrDisconnected
			}
			if !m.Granted {
				closeStray(fd)
				if m.Reason == ipc.DenyLimitExceeded {
					return videostream.ErrLimitExceeded
				}
				return videostream.ErrResourceUnavailable
			}
			if fd < 0 {
				// grant without a descriptor is a protocol violation
				if rerr := s.peerFailed(fmt.Errorf("grant without descriptor: %w", videostream.ErrInvalidArgument)); rerr != nil {
					return rerr
				}
				return videostream.ErrDisconnected
			}
			buf := videostream.ImportBuffer(fd, m.Size)
			if err := f.Attach(buf, m.Stride); err != nil {
				buf.Close()
				return err
			}
			s.mu.Lock()
			s.held[f] = f.Serial
			s.mu.Unlock()
			return nil

		default:
			closeStray(fd)
			if rerr := s.peerFailed(fmt.Errorf("unexpected %s from host: %w", msg.Kind(), videostream.ErrInvalidArgument)); rerr != nil {
				return rerr
			}
			return videostream.ErrDisconnected
		}
	}
}

// Unlock surrenders a hold: the unlock message goes to the host and the
// local descriptor closes. Calling it again on the same proxy, or on one
// that was never locked, is a no-op.
func (s *Session) Unlock(f *videostream.Frame) error {
	if f == nil {
		return videostream.ErrInvalidArgument
	}
	s.mu.Lock()
	_, ok := s.held[f]
	if ok {
		delete(s.held, f)
	}
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if buf := f.Detach(); buf != nil {
		buf.Close()
	}
	if closed || conn == nil {
		return nil
	}
	if err := conn.Send(&ipc.UnlockRequest{Serial: f.Serial}); err != nil {
		// the host reclaims the hold when it notices the hangup
		s.log.Debug().Err(err).Uint64("serial", f.Serial).Msg("unlock send failed")
	}
	return nil
}

// Disconnect tears the session down. Held descriptors close locally, which
// releases the host-side holds once the host processes the hangup.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	held := s.held
	s.held = make(map[*videostream.Frame]uint64)
	s.mu.Unlock()

	s.wd.stop()
	for f := range held {
		if buf := f.Detach(); buf != nil {
			buf.Close()
		}
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// current returns the live connection, or the terminal state of the session.
func (s *Session) current() (*ipc.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, videostream.ErrDisconnected
	case s.timedOut:
		return nil, videostream.ErrTimeout
	case s.conn == nil:
		return nil, videostream.ErrDisconnected
	}
	return s.conn, nil
}

// pushAnnounce queues an announce, dropping the oldest when the consumer
// lags past the queue bound.
func (s *Session) pushAnnounce(a *ipc.FrameAnnounce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSerial = a.Serial
	if len(s.queue) >= s.cfg.queueCap {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.log.Debug().Uint64("serial", dropped.Serial).Msg("announce queue full, dropping oldest")
	}
	s.queue = append(s.queue, a)
}

// popAnnounce dequeues the oldest announce as a proxy frame.
func (s *Session) popAnnounce() *videostream.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	a := s.queue[0]
	s.queue = s.queue[1:]
	f := videostream.NewFrame(a.Width, a.Height, a.Stride, a.Format, s.cfg.userptr, nil)
	f.Serial = a.Serial
	f.Size = a.Size
	f.Timestamp = a.Timestamp
	f.PTS = a.PTS
	f.DTS = a.DTS
	f.Duration = a.Duration
	f.Expires = a.Expires
	return f
}

// peerFailed handles a dead or misbehaving host: reconnect when the policy
// allows (returning nil so the caller resumes), otherwise surface the
// session's terminal error. Outstanding locks are considered released by
// the host either way; descriptors already received stay usable because
// they are independent kernel references.
func (s *Session) peerFailed(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return videostream.ErrDisconnected
	}
	timedOut := s.timedOut
	s.mu.Unlock()

	if !s.cfg.autoReconnect {
		if timedOut {
			return videostream.ErrTimeout
		}
		s.log.Warn().Err(cause).Msg("session failed")
		if conn, _ := s.current(); conn != nil {
			conn.Close()
		}
		return fmt.Errorf("session failed: %w", errors.Join(videostream.ErrDisconnected, cause))
	}
	return s.reconnect(cause)
}

// reconnect re-dials the host under the retry policy. Callers hold ioMu.
func (s *Session) reconnect(cause error) error {
	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.log.Warn().Err(cause).Str("path", s.path).Msg("reconnecting")

	var conn *ipc.Conn
	err := retry.Do(
		func() error {
			c, err := ipc.Dial(s.path)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(s.cfg.reconnectAttempts),
		retry.Delay(s.cfg.reconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.mu.Lock()
		s.timedOut = true
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	closed := s.closed
	if closed {
		s.mu.Unlock()
		conn.Close()
		return videostream.ErrDisconnected
	}
	s.conn = conn
	s.timedOut = false
	s.mu.Unlock()
	s.wd.feed()
	s.log.Info().Str("path", s.path).Msg("reconnected")
	return nil
}

// watchdogFired runs on the timer task when the host has been silent for a
// full window. It closes the socket, which wakes any blocked receive; the
// receive path then reconnects or reports the timeout per policy.
func (s *Session) watchdogFired() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.cfg.autoReconnect {
		s.timedOut = true
	}
	conn := s.conn
	s.mu.Unlock()
	s.log.Warn().Str("path", s.path).Msg("watchdog fired: host unresponsive")
	if conn != nil {
		conn.Close()
	}
}

func closeStray(fd int) {
	if fd >= 0 {
		sys.Close(fd)
	}
}
