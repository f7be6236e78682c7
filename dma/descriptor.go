package dma

import "sync/atomic"

// Kind tags which variant a descriptor is: a copy descriptor or a fill
// descriptor. spec.md §9 calls for a tagged-variant descriptor in place of
// virtual dispatch over descriptor kinds; Kind is that tag.
type Kind int

const (
	KindCopy Kind = iota
	KindFill
)

// PortControlBlock tracks which port of a (possibly multi-port)
// descriptor side is currently active, and whether that side has reached
// end-of-stream (spec.md §3 data model).
type PortControlBlock struct {
	CurrentPortIndex int
	EOS              bool
}

// XferPort is a typed transfer endpoint: a flat base pointer (if any), an
// address list cursor over its range, a running monotonic byte count, and
// a link back to its backing memory and (for device memory) owning GPU
// (spec.md §3's XferPort).
type XferPort struct {
	BasePtr uintptr
	HasPtr  bool
	Cursor  *Cursor
	Memory  MemoryCapability
	GPU     *GPU // non-nil iff Memory is device-resident

	localBytesTotal atomic.Uint64
}

// NewXferPort builds a port over the given cursor and backing memory.
func NewXferPort(cursor *Cursor, mem MemoryCapability) *XferPort {
	p := &XferPort{Cursor: cursor, Memory: mem}
	if mem != nil {
		p.GPU = mem.GPU()
	}
	return p
}

// WithDirectPtr resolves and caches a flat base pointer for this port's
// full extent, so later CurrentAddr calls are pointer arithmetic only.
func (p *XferPort) WithDirectPtr(offset, size uint64) *XferPort {
	addr, ok := p.Memory.GetDirectPtr(offset, size)
	p.BasePtr = addr
	p.HasPtr = ok
	return p
}

// LocalBytesTotal returns the port's monotonically non-decreasing
// byte-progress counter (spec.md §3 invariant).
func (p *XferPort) LocalBytesTotal() uint64 {
	return p.localBytesTotal.Load()
}

func (p *XferPort) addBytes(n uint64) {
	p.localBytesTotal.Add(n)
}

// CurrentAddr returns the flat address at the port's current cursor
// position. Panics if the port has no direct pointer, e.g. a pure sink/
// source with no addressable backing.
func (p *XferPort) CurrentAddr() uintptr {
	if !p.HasPtr {
		panic("dma: port has no direct pointer")
	}
	return p.BasePtr + uintptr(p.Cursor.Offset())
}

// fillState holds the fill-specific payload of a fill descriptor: the
// full byte pattern and its reduced period (spec.md §4.5).
type fillState struct {
	pattern     []byte
	reducedSize int
}

// XferDes is a transfer descriptor: input/output ports, priority, a
// reference count, and (for fill descriptors) a fill payload. It is
// advanced by successive Progress calls until its address batch source
// reports completion (spec.md §3's XferDes, lifecycle).
type XferDes struct {
	ID       DescriptorID
	Kind     Kind
	Priority int

	Inputs  []*XferPort
	Outputs []*XferPort

	InCtrl  PortControlBlock
	OutCtrl PortControlBlock

	Addresses AddressBatchSource

	readCache  *SequenceCache
	writeCache *SequenceCache

	fill *fillState

	refCount           atomic.Int64
	iterationCompleted atomic.Bool

	channel *Channel
}

// newXferDes builds the common descriptor fields shared by copy and fill
// variants. The descriptor starts with one logical reference, released by
// the dispatching channel once iteration completes; teardown follows once
// every outstanding fence has released its own reference too (spec.md §3
// invariants).
func newXferDes(kind Kind, inputs, outputs []*XferPort, priority int, addrs AddressBatchSource) *XferDes {
	xd := &XferDes{
		ID:        NewDescriptorID(),
		Kind:      kind,
		Priority:  priority,
		Inputs:    inputs,
		Outputs:   outputs,
		Addresses: addrs,

		readCache:  NewSequenceCache(),
		writeCache: NewSequenceCache(),
	}
	xd.refCount.Store(1)
	return xd
}

// NewCopyXferDes builds a copy descriptor.
func NewCopyXferDes(inputs, outputs []*XferPort, priority int, addrs AddressBatchSource) *XferDes {
	return newXferDes(KindCopy, inputs, outputs, priority, addrs)
}

// NewFillXferDes builds a fill descriptor, reducing the fill pattern to
// its shortest tiling period once up front (spec.md §4.5's "initial
// reduction").
func NewFillXferDes(outputs []*XferPort, priority int, addrs AddressBatchSource, pattern []byte) *XferDes {
	if len(pattern) == 0 {
		panic("dma: fill descriptor requires a non-empty pattern")
	}
	xd := newXferDes(KindFill, nil, outputs, priority, addrs)
	xd.fill = &fillState{
		pattern:     pattern,
		reducedSize: computeReducedFillSize(pattern),
	}
	return xd
}

// AddRef acquires an extra reference to the descriptor, e.g. for an
// outstanding completion fence (spec.md §3 invariant: one logical
// reference plus one per in-flight fence).
func (xd *XferDes) AddRef() {
	xd.refCount.Add(1)
}

// Release drops a reference; the descriptor is torn down only once the
// count reaches zero.
func (xd *XferDes) Release() {
	if xd.refCount.Add(-1) == 0 {
		xd.destroy()
	}
}

func (xd *XferDes) destroy() {
	log.Debug().Str("descriptor", string(xd.ID)).Msg("transfer descriptor retired")
}

// Done reports whether this descriptor's iteration has completed (its
// address batch source returned done==true from RecordAddressConsumption)
// and there is therefore nothing left for a channel to dispatch.
func (xd *XferDes) Done() bool {
	return xd.iterationCompleted.Load()
}

// UpdateBytesRead applies a completed read span to the given input port's
// monotonic byte counter (spec.md §4.7).
func (xd *XferDes) UpdateBytesRead(portIdx int, offset, size uint64) {
	xd.Inputs[portIdx].addBytes(size)
}

// UpdateBytesWrite applies a completed write span to the given output
// port's monotonic byte counter (spec.md §4.7).
func (xd *XferDes) UpdateBytesWrite(portIdx int, offset, size uint64) {
	xd.Outputs[portIdx].addBytes(size)
}

// currentInput returns the active input port, advancing past any
// exhausted ports first, or nil once all input ports are drained.
func (xd *XferDes) currentInput() *XferPort {
	for xd.InCtrl.CurrentPortIndex < len(xd.Inputs) {
		p := xd.Inputs[xd.InCtrl.CurrentPortIndex]
		if !p.Cursor.Done() {
			return p
		}
		xd.InCtrl.CurrentPortIndex++
	}
	xd.InCtrl.EOS = true
	return nil
}

// currentOutput is the output-side counterpart of currentInput.
func (xd *XferDes) currentOutput() *XferPort {
	for xd.OutCtrl.CurrentPortIndex < len(xd.Outputs) {
		p := xd.Outputs[xd.OutCtrl.CurrentPortIndex]
		if !p.Cursor.Done() {
			return p
		}
		xd.OutCtrl.CurrentPortIndex++
	}
	xd.OutCtrl.EOS = true
	return nil
}
