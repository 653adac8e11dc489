package videostream

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestFrameAllocateMapRelease(t *testing.T) {
	var cleanups atomic.Int32
	f := NewFrame(64, 32, 0, FourCCGREY, "payload", func(userptr any) {
		cleanups.Add(1)
		if userptr != "payload" {
			t.Errorf("cleanup userptr = %v, want payload", userptr)
		}
	})

	if err := f.Allocate(testShmName(t), 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if f.Stride != 64 {
		t.Errorf("derived stride = %d, want 64", f.Stride)
	}
	if f.Size != 64*32 {
		t.Errorf("derived size = %d, want %d", f.Size, 64*32)
	}

	data, err := f.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(data) != 64*32 {
		t.Fatalf("mapped %d bytes, want %d", len(data), 64*32)
	}
	data[0] = 0x42

	if err := f.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	data, err = f.Map()
	if err != nil {
		t.Fatalf("remap: %v", err)
	}
	if data[0] != 0x42 {
		t.Error("data lost across unmap")
	}

	f.Release()
	if cleanups.Load() != 1 {
		t.Errorf("cleanup ran %d times, want 1", cleanups.Load())
	}
	// extra Release calls on a dead frame are no-ops
	f.Release()
	f.Release()
	if cleanups.Load() != 1 {
		t.Errorf("cleanup ran %d times after extra Release, want 1", cleanups.Load())
	}
}

func TestFrameRetainRelease(t *testing.T) {
	var cleanups atomic.Int32
	f := NewFrame(8, 8, 8, FourCCGREY, nil, func(any) { cleanups.Add(1) })
	f.Retain()
	f.Release()
	if cleanups.Load() != 0 {
		t.Fatal("cleanup ran while a reference remained")
	}
	f.Release()
	if cleanups.Load() != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanups.Load())
	}
}

func TestFrameAllocateTwice(t *testing.T) {
	f := NewFrame(8, 8, 8, FourCCGREY, nil, nil)
	if err := f.Allocate(testShmName(t), 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f.Release()
	if err := f.Allocate("", 64); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("second Allocate = %v, want ErrInvalidArgument", err)
	}
}

func TestFrameMapWithoutBuffer(t *testing.T) {
	f := NewFrame(8, 8, 8, FourCCGREY, nil, nil)
	defer f.Release()
	if _, err := f.Map(); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Map = %v, want ErrUnmapped", err)
	}
	if err := f.Unmap(); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Unmap = %v, want ErrUnmapped", err)
	}
	if _, err := f.PhysicalAddress(); !errors.Is(err, ErrUnmapped) {
		t.Errorf("PhysicalAddress = %v, want ErrUnmapped", err)
	}
}

func TestFrameAllocateUnderivableSize(t *testing.T) {
	// compressed formats have no computable stride, so a size is required
	f := NewFrame(640, 480, 0, FourCCH264, nil, nil)
	defer f.Release()
	if err := f.Allocate("", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Allocate = %v, want ErrInvalidArgument", err)
	}
}

func TestFrameSetSizeOnce(t *testing.T) {
	f := NewFrame(64, 32, 0, FourCCGREY, nil, nil)
	if err := f.Allocate(testShmName(t), 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f.Release()

	if err := f.SetSize(100); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if f.Size != 100 {
		t.Errorf("Size = %d, want 100", f.Size)
	}
	if err := f.SetSize(200); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("second SetSize = %v, want ErrInvalidArgument", err)
	}
}

func TestFrameSetSizeBeyondBuffer(t *testing.T) {
	f := NewFrame(64, 32, 0, FourCCGREY, nil, nil)
	if err := f.Allocate(testShmName(t), 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer f.Release()
	if err := f.SetSize(64*32 + 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetSize past mapped region = %v, want ErrInvalidArgument", err)
	}
}

func TestFrameAttachAndDetach(t *testing.T) {
	buf, err := AllocBuffer(testShmName(t), 4096)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	f := NewFrame(64, 64, 0, FourCCGREY, nil, nil)
	if err := f.Attach(buf, 64); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if f.Size != 4096 {
		t.Errorf("Size = %d, want 4096", f.Size)
	}
	if f.Stride != 64 {
		t.Errorf("Stride = %d, want 64", f.Stride)
	}

	got := f.Detach()
	if got != buf {
		t.Fatal("Detach returned a different buffer")
	}
	if f.Buffer() != nil {
		t.Error("buffer still attached after Detach")
	}
	buf.Close()
	f.Release()
}

func TestFrameHoldCounting(t *testing.T) {
	f := NewFrame(8, 8, 8, FourCCGREY, nil, nil)
	defer f.Release()

	if !f.Recyclable(NowNS()) {
		t.Error("fresh frame with expires == 0 must be recyclable")
	}
	f.Hold()
	f.Hold()
	if f.Holds() != 2 {
		t.Errorf("Holds = %d, want 2", f.Holds())
	}
	if f.Recyclable(NowNS()) {
		t.Error("held frame must not be recyclable")
	}
	f.Unhold()
	f.Unhold()
	if f.Holds() != 0 {
		t.Errorf("Holds = %d, want 0", f.Holds())
	}

	f.Expires = NowNS() + int64(1e12)
	if f.Recyclable(NowNS()) {
		t.Error("unexpired frame must not be recyclable")
	}
	f.Expires = NowNS() - 1
	if !f.Recyclable(NowNS()) {
		t.Error("expired frame with no holds must be recyclable")
	}
}
