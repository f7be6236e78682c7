package dma

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxInflightBytes bounds how many admitted bytes whose fence has
// not yet retired a single stream holds before refusing further copies
// (spec.md §4.3
// admit()'s saturation rule). Callers needing a different rate limit use
// NewStreamWithLimit.
const DefaultMaxInflightBytes = 64 << 20 // 64 MiB

// pendingFence is one entry in a stream's FIFO completion queue: a
// driver-level event token, the aggregate byte span it covers, and the
// callback to invoke once the token retires.
type pendingFence struct {
	token FenceToken
	bytes uint64
	fence *TransferCompletion
}

// Stream wraps a single asynchronous GPU command queue. It admits or
// refuses copies by a rate limit, and posts completion fences that retire
// in FIFO order with respect to submission (spec.md §4.3, §5).
type Stream struct {
	id  StreamID
	drv DriverCalls

	inflight    atomic.Uint64
	maxInflight uint64

	mu      sync.Mutex
	pending []*pendingFence
}

// NewStream wraps the given stream id with the default rate limit.
func NewStream(id StreamID, drv DriverCalls) *Stream {
	return NewStreamWithLimit(id, drv, DefaultMaxInflightBytes)
}

// NewStreamWithLimit wraps the given stream id with an explicit rate
// limit, in bytes of admitted work whose fence has not yet retired.
func NewStreamWithLimit(id StreamID, drv DriverCalls, maxInflight uint64) *Stream {
	return &Stream{id: id, drv: drv, maxInflight: maxInflight}
}

// ID returns the driver-level stream identifier, passed to DriverCalls.
func (s *Stream) ID() StreamID {
	return s.id
}

// Admit reports whether the stream can accept bytes more of work without
// exceeding its rate limit. An idle stream (nothing in flight) admits any
// single request, even one larger than the limit. xd is accepted for future instrumentation
// (e.g. per-descriptor fairness) but is not otherwise consulted here. A
// refusal must be interpreted by the caller as "break out and try later"
// (spec.md §4.3) — it never blocks.
func (s *Stream) Admit(bytes uint64, xd *XferDes) bool {
	for {
		cur := s.inflight.Load()
		next := cur + bytes
		if cur > 0 && next > s.maxInflight {
			return false
		}
		if s.inflight.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// retire releases bytes of previously admitted work back to the rate
// limit, called when the fence covering them retires.
func (s *Stream) retire(bytes uint64) {
	s.inflight.Add(^(bytes - 1)) // atomic subtract
}

// SubmitCopy1D issues a flat async memcpy on this stream.
func (s *Stream) SubmitCopy1D(kind CopyKind, dst, src uintptr, bytes uint64) error {
	return s.drv.MemcpyAsync1D(s.id, kind, dst, src, bytes)
}

// SubmitCopy2D issues a strided async memcpy of width x height on this stream.
func (s *Stream) SubmitCopy2D(kind CopyKind, dst, src uintptr, dstStride, srcStride, width, height uint64) error {
	return s.drv.MemcpyAsync2D(s.id, kind, dst, src, dstStride, srcStride, width, height)
}

// SubmitCopy3D issues a pitched-pointer async memcpy of width x height x
// depth on this stream.
func (s *Stream) SubmitCopy3D(kind CopyKind, dst, src uintptr, dstPitch, srcPitch, width, height, depth uint64) error {
	return s.drv.MemcpyAsync3D(s.id, kind, dst, src, dstPitch, srcPitch, width, height, depth)
}

// SubmitMemset8/16/32 issue a flat async memset of the given element width.
func (s *Stream) SubmitMemset8(ptr uintptr, value uint8, bytes uint64) error {
	return s.drv.MemsetAsync8(s.id, ptr, value, bytes)
}

func (s *Stream) SubmitMemset16(ptr uintptr, value uint16, elems uint64) error {
	return s.drv.MemsetAsync16(s.id, ptr, value, elems)
}

func (s *Stream) SubmitMemset32(ptr uintptr, value uint32, elems uint64) error {
	return s.drv.MemsetAsync32(s.id, ptr, value, elems)
}

// SubmitMemset2D8/16/32 issue a strided async memset of the given element
// width, striped at pitch with the given width/height.
func (s *Stream) SubmitMemset2D8(ptr uintptr, pitch uint64, value uint8, width, height uint64) error {
	return s.drv.Memset2DAsync8(s.id, ptr, pitch, value, width, height)
}

func (s *Stream) SubmitMemset2D16(ptr uintptr, pitch uint64, value uint16, width, height uint64) error {
	return s.drv.Memset2DAsync16(s.id, ptr, pitch, value, width, height)
}

func (s *Stream) SubmitMemset2D32(ptr uintptr, pitch uint64, value uint32, width, height uint64) error {
	return s.drv.Memset2DAsync32(s.id, ptr, pitch, value, width, height)
}

// AddNotification records a driver-level event after everything submitted
// so far on this stream, and enqueues fence to run once that event
// retires. Fences are FIFO with respect to submission order (spec.md
// §4.3, §5).
func (s *Stream) AddNotification(fence *TransferCompletion, bytes uint64) error {
	tok, err := s.drv.EventRecord(s.id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, &pendingFence{token: tok, bytes: bytes, fence: fence})
	s.mu.Unlock()
	return nil
}

// Poll drains any fences at the head of the FIFO whose driver event has
// retired, invoking their callbacks and releasing their rate-limit share.
// It stops at the first still-pending fence, preserving FIFO order. This
// is the "GPU poller" spec.md §2 and §5 describe as running completion
// callbacks later, outside of progress(); callers invoke Poll from
// whatever loop drives the device (e.g. Channel.PollStreams).
func (s *Stream) Poll() error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		head := s.pending[0]
		s.mu.Unlock()

		retired, err := s.drv.EventQuery(head.token)
		if err != nil {
			return err
		}
		if !retired {
			return nil
		}

		s.mu.Lock()
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.retire(head.bytes)
		head.fence.Complete()
	}
}
