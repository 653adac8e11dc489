package ipc

import (
	"errors"
	"testing"

	videostream "github.com/EdgeFirstAI/videostream"
)

func TestFrameAnnounceRoundTrip(t *testing.T) {
	in := &FrameAnnounce{
		Serial:    42,
		Width:     640,
		Height:    480,
		Stride:    640,
		Format:    videostream.FourCCNV12,
		Size:      460800,
		Timestamp: 1700000000000000000,
		PTS:       33333333,
		DTS:       16666666,
		Duration:  33333333,
		Expires:   1700000000100000000,
	}
	b := Marshal(in)
	if len(b) != frameAnnounceLen {
		t.Fatalf("marshaled %d bytes, want %d", len(b), frameAnnounceLen)
	}
	if Kind(b[0]) != KindFrameAnnounce {
		t.Fatalf("tag = 0x%02x, want frame-announce", b[0])
	}
	m, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, ok := m.(*FrameAnnounce)
	if !ok {
		t.Fatalf("Unmarshal returned %T", m)
	}
	if *out != *in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestLockRequestRoundTrip(t *testing.T) {
	b := Marshal(&LockRequest{Serial: 7})
	m, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := m.(*LockRequest).Serial; got != 7 {
		t.Errorf("Serial = %d, want 7", got)
	}
}

func TestLockReplyRoundTrip(t *testing.T) {
	tests := []*LockReply{
		{Serial: 9, Granted: true, Width: 1920, Height: 1080, Stride: 1920,
			Format: videostream.FourCCYUYV, Size: 4147200},
		{Serial: 9, Granted: false, Reason: DenyLimitExceeded},
		{Serial: 9, Granted: false, Reason: DenyNotFound},
	}
	for _, in := range tests {
		m, err := Unmarshal(Marshal(in))
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		out := m.(*LockReply)
		if *out != *in {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
		}
	}
}

func TestUnlockRequestRoundTrip(t *testing.T) {
	m, err := Unmarshal(Marshal(&UnlockRequest{Serial: 1 << 40}))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := m.(*UnlockRequest).Serial; got != 1<<40 {
		t.Errorf("Serial = %d, want %d", got, uint64(1)<<40)
	}
}

func TestUnmarshalViolations(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"short lock request", []byte{byte(KindLockRequest), 1, 2}},
		{"oversize unlock", append(Marshal(&UnlockRequest{Serial: 1}), 0)},
		{"short announce", Marshal(&FrameAnnounce{})[:frameAnnounceLen-1]},
	}
	for _, tc := range tests {
		if _, err := Unmarshal(tc.b); !errors.Is(err, videostream.ErrInvalidArgument) {
			t.Errorf("%s: Unmarshal = %v, want ErrInvalidArgument", tc.name, err)
		}
	}
}
