// Package videostream implements zero-copy video frame sharing between
// processes on the same Linux host.
//
// A host process publishes frames to a pool (package host); any number of
// client processes (package client) connect over a local SOCK_SEQPACKET
// socket, receive frame announcements, and lock individual frames to obtain
// the underlying buffer descriptor. Pixel data is never copied across the
// process boundary: the descriptor is passed as socket ancillary data and
// mapped directly by the consumer.
//
// This package holds the building blocks shared by both sides:
//
//   - Frame: the metadata record and buffer handle (see Frame)
//   - the buffer allocator: DMA-heap buffers with a named shared-memory
//     fallback (see AllocBuffer)
//   - the error taxonomy surfaced by every operation (see ParseErrno)
//
// The wire protocol lives in package ipc, the host-side pool in package
// host, and the consumer session in package client.
package videostream
