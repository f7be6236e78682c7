package dma

import "context"

// MemoryKind distinguishes the two memory instances this engine moves
// bytes between (spec.md §6). Only these two kinds are consumed by the
// core; the memory-type registry that maps an arbitrary memory instance to
// one of them is an external collaborator (spec.md §1).
type MemoryKind int

const (
	// MemoryKindHostPinned is page-locked host memory reachable by the GPU
	// DMA engine without staging.
	MemoryKindHostPinned MemoryKind = iota
	// MemoryKindFramebuffer is device-resident GPU memory.
	MemoryKindFramebuffer
)

// MemoryCapability is the narrow memory-instance interface consumed from
// the (external) memory-type registry: spec.md §6's
// "get_direct_ptr(offset, size) -> flat address or None" plus the memory
// kind enum. Grounded on the teacher's own narrow `internal.MemoryAllocator`
// collaborator interface in driver.go, which keeps allocation behind an
// interface rather than inlining it.
type MemoryCapability interface {
	// Kind reports whether this memory is host-pinned or a GPU framebuffer.
	Kind() MemoryKind
	// GPU returns the owning GPU identity, or nil for host-pinned memory.
	GPU() *GPU
	// GetDirectPtr resolves a flat address for [offset, offset+size), or
	// ok==false if the range cannot be addressed directly.
	GetDirectPtr(offset, size uint64) (addr uintptr, ok bool)
}

// AddressBatchSource is the external "DMA op" collaborator that hands out
// address-range batches and tracks overall transfer completion. It is the
// one piece of the surrounding dataflow runtime this package calls into
// directly, per spec.md §6.
type AddressBatchSource interface {
	// GetAddresses returns the number of bytes available in the next batch
	// (at least minXferSize when more than minXferSize remains), or 0 when
	// the transfer has nothing left to offer this descriptor right now.
	// readCache lets the source coalesce the read-sequence bookkeeping
	// spec.md §4.4 case 2 describes.
	GetAddresses(minXferSize uint64, readCache *SequenceCache) (maxBytes uint64)
	// RecordAddressConsumption reports how many input/output bytes were
	// actually consumed this round and returns true once the transfer is
	// fully complete.
	RecordAddressConsumption(inBytes, outBytes uint64) (done bool)
	// AddReference and RemoveReference back the descriptor's own
	// reference count for collaborators that hold an external reference
	// to the descriptor (spec.md §3 lifecycle).
	AddReference()
	RemoveReference()
}

// CopyKind selects the driver-level memcpy direction (spec.md §4.3).
type CopyKind int

const (
	CopyDeviceToDevice CopyKind = iota
	CopyDeviceToHost
	CopyHostToDevice
	// CopyDefault is the driver-inferred kind used for cross-device (peer)
	// copies, where the kind cannot be expressed as one of the above.
	CopyDefault
)

// StreamID names a single asynchronous GPU command queue for driver calls.
type StreamID struct {
	GPU   GPUIndex
	Local int
}

// FenceToken is an opaque driver-level handle to a previously recorded
// event/fence, used to poll for retirement.
type FenceToken uint64

// DriverCalls is the narrow set of GPU driver entry points this engine
// issues (spec.md §6). The concrete CUDA/HIP binding is an external
// collaborator (spec.md §1); this interface is the seam a real binding, or
// a test fake, implements.
type DriverCalls interface {
	ContextPush(gpu *GPU) error
	ContextPop(gpu *GPU) error

	StreamCreate(gpu *GPU) (StreamID, error)

	MemcpyAsync1D(stream StreamID, kind CopyKind, dst, src uintptr, bytes uint64) error
	MemcpyAsync2D(stream StreamID, kind CopyKind, dst, src uintptr, dstStride, srcStride, width, height uint64) error
	MemcpyAsync3D(stream StreamID, kind CopyKind, dst, src uintptr, dstPitch, srcPitch, width, height, depth uint64) error

	MemsetAsync8(stream StreamID, ptr uintptr, value uint8, bytes uint64) error
	MemsetAsync16(stream StreamID, ptr uintptr, value uint16, elems uint64) error
	MemsetAsync32(stream StreamID, ptr uintptr, value uint32, elems uint64) error

	Memset2DAsync8(stream StreamID, ptr uintptr, pitch uint64, value uint8, width, height uint64) error
	Memset2DAsync16(stream StreamID, ptr uintptr, pitch uint64, value uint16, width, height uint64) error
	Memset2DAsync32(stream StreamID, ptr uintptr, pitch uint64, value uint32, width, height uint64) error

	EventRecord(stream StreamID) (FenceToken, error)
	EventQuery(tok FenceToken) (retired bool, err error)
}

// deadlineExpired reports whether ctx's deadline, if any, has passed.
// Progress treats an absent deadline as "never expires".
func deadlineExpired(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
