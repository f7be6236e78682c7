package dma

import (
	"fmt"
	"sync/atomic"
)

// GPUIndex is a dense, zero-based device index.
type GPUIndex int

// GPU carries the identity of one device: its framebuffer handle, its
// intra-device D2D stream pool, its direction-specific host<->device
// streams, and its peer-to-peer stream map (spec.md §3 data model).
type GPU struct {
	Index     GPUIndex
	FBHandle  any // opaque framebuffer handle from the memory registry
	PinnedHostMemories []MemoryCapability
	PeerFramebuffers   []*GPU

	d2dStreams []*Stream
	d2dNext    atomic.Uint64

	hostToDeviceStream *Stream
	deviceToHostStream *Stream

	peerStreams map[GPUIndex]*Stream

	contextDepth atomic.Int32
}

// NewGPU constructs a GPU identity with the given D2D stream pool and
// direction-specific streams. Peer streams are added with SetPeerStream.
func NewGPU(index GPUIndex, fbHandle any, d2dStreams []*Stream, hostToDevice, deviceToHost *Stream) *GPU {
	if len(d2dStreams) == 0 {
		panic("dma: gpu requires at least one D2D stream")
	}
	return &GPU{
		Index:              index,
		FBHandle:           fbHandle,
		d2dStreams:         d2dStreams,
		hostToDeviceStream: hostToDevice,
		deviceToHostStream: deviceToHost,
		peerStreams:        make(map[GPUIndex]*Stream),
	}
}

// SetPeerStream registers the stream used for peer-to-peer copies toward
// the given peer GPU. A peer with no registered stream is treated as
// "link absent" and causes SelectStream to panic, per spec.md §4.3.
func (g *GPU) SetPeerStream(peer GPUIndex, s *Stream) {
	g.peerStreams[peer] = s
}

// NextD2DStream round-robins across the GPU's intra-device stream pool
// using a per-GPU atomic counter (spec.md §5's "D2D stream pool uses
// round-robin selection with a per-GPU atomic counter").
func (g *GPU) NextD2DStream() *Stream {
	n := g.d2dNext.Add(1) - 1
	return g.d2dStreams[n%uint64(len(g.d2dStreams))]
}

// SelectStream implements the stream selection rules of spec.md §4.3,
// given the GPU identities of a copy's input and output endpoints (nil
// meaning host-resident).
func SelectStream(inGPU, outGPU *GPU) *Stream {
	switch {
	case inGPU != nil && outGPU != nil && inGPU == outGPU:
		return inGPU.NextD2DStream()
	case inGPU != nil && outGPU == nil:
		return inGPU.deviceToHostStream
	case inGPU == nil && outGPU != nil:
		return outGPU.hostToDeviceStream
	case inGPU != nil && outGPU != nil:
		s, ok := inGPU.peerStreams[outGPU.Index]
		if !ok || s == nil {
			panic(fmt.Sprintf(
				"dma: no peer-to-peer stream from gpu %d to gpu %d",
				inGPU.Index, outGPU.Index))
		}
		return s
	default:
		panic("dma: copy requires at least one device-resident endpoint")
	}
}

// CopyKindFor reports the driver-level copy kind for the given endpoints,
// per spec.md §4.3: Device-to-Device for same-GPU copies, Device-to-Host
// / Host-to-Device for one device endpoint, and the driver-inferred
// Default kind for cross-device peer copies.
func CopyKindFor(inGPU, outGPU *GPU) CopyKind {
	switch {
	case inGPU != nil && outGPU != nil && inGPU == outGPU:
		return CopyDeviceToDevice
	case inGPU != nil && outGPU == nil:
		return CopyDeviceToHost
	case inGPU == nil && outGPU != nil:
		return CopyHostToDevice
	default:
		return CopyDefault
	}
}

// contextGPU picks which GPU's driver context must be current to submit a
// copy between the given endpoints: the device side, or the input side
// when both are devices (peer copies submit from the source GPU).
func contextGPU(inGPU, outGPU *GPU) *GPU {
	if inGPU != nil {
		return inGPU
	}
	return outGPU
}
