package host

import (
	"github.com/EdgeFirstAI/videostream/ipc"
)

// session is the host-side record of one connected client: its socket and
// the serials it currently holds. grants counts per serial, since a client
// may lock the same frame more than once.
type session struct {
	conn *ipc.Conn
	held map[uint64]int
}

func newSession(conn *ipc.Conn) *session {
	return &session{
		conn: conn,
		held: make(map[uint64]int),
	}
}

// holdTotal is the number of grants outstanding across all serials.
func (s *session) holdTotal() int {
	n := 0
	for _, grants := range s.held {
		n += grants
	}
	return n
}

// grant records one hold on serial.
func (s *session) grant(serial uint64) {
	s.held[serial]++
}

// surrender drops one hold on serial, reporting whether one was held.
func (s *session) surrender(serial uint64) bool {
	grants, ok := s.held[serial]
	if !ok {
		return false
	}
	if grants <= 1 {
		delete(s.held, serial)
	} else {
		s.held[serial] = grants - 1
	}
	return true
}
