package dma

import (
	"context"
	"fmt"
	"sync"

	"github.com/tebeka/atexit"
)

// ChannelKind distinguishes the five path shapes a channel publishes a
// capability matrix for (spec.md §3).
type ChannelKind int

const (
	ChannelToFB ChannelKind = iota
	ChannelFromFB
	ChannelInFB
	ChannelPeerFB
	ChannelFill
)

func (k ChannelKind) maxDim() int {
	if k == ChannelToFB || k == ChannelFromFB {
		return 2
	}
	return 3
}

// Capability is one admitted (src, dst) path a channel publishes for the
// external planner to select, with the hints it needs to cost a plan
// (spec.md §3's capability matrix).
type Capability struct {
	SrcSet         []MemoryKind
	DstSet         []MemoryKind
	BandwidthBps   uint64
	LatencyNs      uint64
	FragOverheadNs uint64
	MaxDim         int
}

// Channel owns one kind-specific descriptor queue bound to a GPU: it
// registers capability paths, constructs descriptors on behalf of the
// external planner, and dispatches queued descriptors' progress calls
// (spec.md §4.6).
//
// Grounded on the teacher's Driver/CommandQueue split in driver.go: a
// single ordered dispatcher draining one descriptor to completion before
// advancing, generalized from the teacher's ticked single command queue
// to a deadline-bounded progress call per dispatch.
type Channel struct {
	Kind ChannelKind
	GPU  *GPU

	drv         DriverCalls
	minXferSize uint64

	mu      sync.Mutex
	caps    []Capability
	queue   []*XferDes
	running bool
	ordered bool
}

// NewChannel builds a channel of the given kind bound to gpu, with
// ordered dispatch enabled by default (spec.md §4.6).
func NewChannel(kind ChannelKind, gpu *GPU, drv DriverCalls) *Channel {
	return &Channel{Kind: kind, GPU: gpu, drv: drv, ordered: true}
}

// SetOrdered toggles strict FIFO dispatch. Multi-threaded DMA
// configurations disable it so more than one descriptor may be in
// flight on this channel's GPU at once (spec.md §4.6).
func (c *Channel) SetOrdered(ordered bool) {
	c.mu.Lock()
	c.ordered = ordered
	c.mu.Unlock()
}

// SetMinXferSize overrides the default batch-size floor that copy
// descriptors on this channel request from their address batch source;
// it takes effect on their next batch. Fill descriptors always request
// FillMinXferSize.
func (c *Channel) SetMinXferSize(n uint64) {
	c.minXferSize = n
}

// RegisterCapability publishes an admitted path, validating that its
// MaxDim matches the channel kind's fixed ceiling (spec.md §3: 2 for
// host<->device paths, 3 for intra-device, peer, and fill paths). A
// mismatch is a programming error and aborts (spec.md §7).
func (c *Channel) RegisterCapability(cap Capability) {
	if want := c.Kind.maxDim(); cap.MaxDim != want {
		panic(fmt.Sprintf("dma: channel kind %d requires max_dim %d, got %d", c.Kind, want, cap.MaxDim))
	}
	c.mu.Lock()
	c.caps = append(c.caps, cap)
	c.mu.Unlock()
}

// Capabilities returns the channel's published capability matrix.
func (c *Channel) Capabilities() []Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

// CreateXferDes constructs a descriptor matching the channel's kind and
// enqueues it for dispatch (spec.md §6's create_xfer_des). redopID must
// be zero on every channel kind; fillPattern must be non-empty on a fill
// channel and empty everywhere else. Violations are programming errors
// and abort (spec.md §7).
func (c *Channel) CreateXferDes(
	inputs, outputs []*XferPort, priority int, redopID int,
	fillPattern []byte, addrs AddressBatchSource,
) *XferDes {
	if redopID != 0 {
		panic("dma: reduction operations are not supported by this engine")
	}

	var xd *XferDes
	if c.Kind == ChannelFill {
		if len(fillPattern) == 0 {
			panic("dma: fill channel requires a non-empty fill pattern")
		}
		xd = NewFillXferDes(outputs, priority, addrs, fillPattern)
	} else {
		if len(fillPattern) != 0 {
			panic("dma: fill_size must be zero on a copy channel")
		}
		xd = NewCopyXferDes(inputs, outputs, priority, addrs)
	}

	xd.channel = c
	c.enqueue(xd)
	return xd
}

func (c *Channel) enqueue(xd *XferDes) {
	c.mu.Lock()
	c.queue = append(c.queue, xd)
	c.mu.Unlock()
}

func (c *Channel) removeLocked(xd *XferDes) {
	for i, q := range c.queue {
		if q == xd {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Dispatch pops the next eligible descriptor and runs one deadline-bounded
// progress call on it, the way an external scheduler drives a channel
// (spec.md §2's control flow). It reports whether any bytes were
// submitted. A driver error is fatal per spec.md §7: it is logged and the
// process exits through the registered atexit hooks rather than being
// returned for a caller to retry.
func (c *Channel) Dispatch(ctx context.Context) bool {
	c.mu.Lock()
	if c.ordered && c.running {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	xd := c.queue[0]
	if c.ordered {
		c.running = true
	} else {
		// Take xd off the queue while it runs so a concurrent Dispatch
		// picks a different descriptor.
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()

	did, err := xd.Progress(ctx)

	c.mu.Lock()
	done := xd.Done()
	if c.ordered {
		c.running = false
		if done {
			c.removeLocked(xd)
		}
	} else if !done {
		c.queue = append(c.queue, xd)
	}
	c.mu.Unlock()
	if done {
		xd.Release()
	}

	if err != nil {
		log.Error().Err(err).Str("descriptor", string(xd.ID)).Msg("fatal driver error, aborting")
		atexit.Exit(1)
	}
	return did
}

// PollStreams drains completion fences across every stream this
// channel's GPU owns. Called from whatever loop drives the device
// outside of Dispatch (spec.md §2, §4.3).
func (c *Channel) PollStreams() error {
	for _, s := range c.GPU.d2dStreams {
		if err := s.Poll(); err != nil {
			return err
		}
	}
	if s := c.GPU.hostToDeviceStream; s != nil {
		if err := s.Poll(); err != nil {
			return err
		}
	}
	if s := c.GPU.deviceToHostStream; s != nil {
		if err := s.Poll(); err != nil {
			return err
		}
	}
	for _, s := range c.GPU.peerStreams {
		if err := s.Poll(); err != nil {
			return err
		}
	}
	return nil
}
