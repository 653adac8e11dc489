// Package ipc implements the control-plane protocol between a videostream
// host and its clients: a SOCK_SEQPACKET unix socket carrying fixed-layout
// messages, with buffer descriptors passed as ancillary data.
//
// Each logical message is exactly one datagram; the socket type preserves
// message boundaries, so no length prefix travels on the wire. A truncated
// datagram is a protocol violation, not a resumable short read.
package ipc

import (
	"encoding/binary"
	"fmt"

	videostream "github.com/EdgeFirstAI/videostream"
)

// Kind is the one-byte tag opening every message.
type Kind byte

const (
	// KindFrameAnnounce is sent by the host to every connected client when
	// a frame is published.
	KindFrameAnnounce Kind = 0x01
	// KindLockRequest asks the host to grant a hold on a frame.
	KindLockRequest Kind = 0x02
	// KindLockReply answers a lock request; a grant carries the buffer
	// descriptor as ancillary data of the same datagram.
	KindLockReply Kind = 0x03
	// KindUnlockRequest surrenders a previously granted hold.
	KindUnlockRequest Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindFrameAnnounce:
		return "frame-announce"
	case KindLockRequest:
		return "lock-request"
	case KindLockReply:
		return "lock-reply"
	case KindUnlockRequest:
		return "unlock-request"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// DenyReason qualifies a refused lock.
type DenyReason byte

const (
	DenyNone DenyReason = iota
	// DenyNotFound: the serial is not in the host's active table.
	DenyNotFound
	// DenyLimitExceeded: the client is at its hold cap.
	DenyLimitExceeded
)

// Message is one wire message of any kind.
type Message interface {
	Kind() Kind
	wireSize() int
	encode(b []byte)
}

// Wire sizes, fixed per kind. All integers little-endian, tightly packed.
const (
	frameAnnounceLen = 1 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8
	lockRequestLen   = 1 + 8
	lockReplyLen     = 1 + 8 + 1 + 1 + 4 + 4 + 4 + 4 + 8
	unlockRequestLen = 1 + 8

	// MaxMsgLen bounds every message on this protocol.
	MaxMsgLen = frameAnnounceLen
)

// FrameAnnounce describes a newly published frame. It does not transfer the
// buffer; clients lock the serial to obtain the descriptor.
type FrameAnnounce struct {
	Serial                        uint64
	Width, Height, Stride         uint32
	Format                        videostream.FourCC
	Size                          uint64
	Timestamp, PTS, DTS, Duration int64
	Expires                       int64
}

func (*FrameAnnounce) Kind() Kind    { return KindFrameAnnounce }
func (*FrameAnnounce) wireSize() int { return frameAnnounceLen }

func (m *FrameAnnounce) encode(b []byte) {
	b[0] = byte(KindFrameAnnounce)
	le.PutUint64(b[1:], m.Serial)
	le.PutUint32(b[9:], m.Width)
	le.PutUint32(b[13:], m.Height)
	le.PutUint32(b[17:], m.Stride)
	le.PutUint32(b[21:], uint32(m.Format))
	le.PutUint64(b[25:], m.Size)
	le.PutUint64(b[33:], uint64(m.Timestamp))
	le.PutUint64(b[41:], uint64(m.PTS))
	le.PutUint64(b[49:], uint64(m.DTS))
	le.PutUint64(b[57:], uint64(m.Duration))
	le.PutUint64(b[65:], uint64(m.Expires))
}

func decodeFrameAnnounce(b []byte) *FrameAnnounce {
	return &FrameAnnounce{
		Serial:    le.Uint64(b[1:]),
		Width:     le.Uint32(b[9:]),
		Height:    le.Uint32(b[13:]),
		Stride:    le.Uint32(b[17:]),
		Format:    videostream.FourCC(le.Uint32(b[21:])),
		Size:      le.Uint64(b[25:]),
		Timestamp: int64(le.Uint64(b[33:])),
		PTS:       int64(le.Uint64(b[41:])),
		DTS:       int64(le.Uint64(b[49:])),
		Duration:  int64(le.Uint64(b[57:])),
		Expires:   int64(le.Uint64(b[65:])),
	}
}

// LockRequest cites the serial the client wants to hold.
type LockRequest struct {
	Serial uint64
}

func (*LockRequest) Kind() Kind    { return KindLockRequest }
func (*LockRequest) wireSize() int { return lockRequestLen }

func (m *LockRequest) encode(b []byte) {
	b[0] = byte(KindLockRequest)
	le.PutUint64(b[1:], m.Serial)
}

// LockReply answers one LockRequest. On a grant the geometry and size echo
// the active frame (size may have been frozen by a codec collaborator since
// the announce), and the datagram carries the buffer descriptor.
type LockReply struct {
	Serial                uint64
	Granted               bool
	Reason                DenyReason
	Width, Height, Stride uint32
	Format                videostream.FourCC
	Size                  uint64
}

func (*LockReply) Kind() Kind    { return KindLockReply }
func (*LockReply) wireSize() int { return lockReplyLen }

func (m *LockReply) encode(b []byte) {
	b[0] = byte(KindLockReply)
	le.PutUint64(b[1:], m.Serial)
	if m.Granted {
		b[9] = 1
	} else {
		b[9] = 0
	}
	b[10] = byte(m.Reason)
	le.PutUint32(b[11:], m.Width)
	le.PutUint32(b[15:], m.Height)
	le.PutUint32(b[19:], m.Stride)
	le.PutUint32(b[23:], uint32(m.Format))
	le.PutUint64(b[27:], m.Size)
}

func decodeLockReply(b []byte) *LockReply {
	return &LockReply{
		Serial:  le.Uint64(b[1:]),
		Granted: b[9] != 0,
		Reason:  DenyReason(b[10]),
		Width:   le.Uint32(b[11:]),
		Height:  le.Uint32(b[15:]),
		Stride:  le.Uint32(b[19:]),
		Format:  videostream.FourCC(le.Uint32(b[23:])),
		Size:    le.Uint64(b[27:]),
	}
}

// UnlockRequest surrenders a hold. Unlocks for serials the host does not
// believe the client holds are ignored; reconnects race with grants.
type UnlockRequest struct {
	Serial uint64
}

func (*UnlockRequest) Kind() Kind    { return KindUnlockRequest }
func (*UnlockRequest) wireSize() int { return unlockRequestLen }

func (m *UnlockRequest) encode(b []byte) {
	b[0] = byte(KindUnlockRequest)
	le.PutUint64(b[1:], m.Serial)
}

var le = binary.LittleEndian

// Marshal renders a message into a freshly allocated exact-size buffer.
func Marshal(m Message) []byte {
	b := make([]byte, m.wireSize())
	m.encode(b)
	return b
}

// Unmarshal decodes one datagram. A short body or an unknown tag is a
// protocol violation.
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty message: %w", videostream.ErrInvalidArgument)
	}
	kind := Kind(b[0])
	var want int
	switch kind {
	case KindFrameAnnounce:
		want = frameAnnounceLen
	case KindLockRequest:
		want = lockRequestLen
	case KindLockReply:
		want = lockReplyLen
	case KindUnlockRequest:
		want = unlockRequestLen
	default:
		return nil, fmt.Errorf("unknown message kind 0x%02x: %w", b[0], videostream.ErrInvalidArgument)
	}
	if len(b) != want {
		return nil, fmt.Errorf("%s: body %d bytes, want %d: %w", kind, len(b), want, videostream.ErrInvalidArgument)
	}
	switch kind {
	case KindFrameAnnounce:
		return decodeFrameAnnounce(b), nil
	case KindLockRequest:
		return &LockRequest{Serial: le.Uint64(b[1:])}, nil
	case KindLockReply:
		return decodeLockReply(b), nil
	default:
		return &UnlockRequest{Serial: le.Uint64(b[1:])}, nil
	}
}
