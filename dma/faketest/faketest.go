// Package faketest provides in-memory test doubles for the external
// collaborators the dma package consumes: the GPU driver binding, a
// memory-type registry entry, and the dataflow runtime's address batch
// source. Nothing here issues real GPU work; every call records what it
// was asked to do so specs can assert on it.
package faketest

import (
	"fmt"
	"sync"

	"github.com/sarchlab/gpuxfer/dma"
)

// Call records one driver entry point invocation for assertions.
type Call struct {
	Name string
	Args []any
}

// Driver is an in-memory dma.DriverCalls implementation. Every async
// submission call appends a Call to Submitted; events retire only once
// RetireAll is invoked, modeling the asynchrony of a real GPU queue.
type Driver struct {
	mu sync.Mutex

	Submitted []Call

	PushCalls int
	PopCalls  int

	nextToken    dma.FenceToken
	retiredUpTo  dma.FenceToken
	contextDepth map[dma.GPUIndex]int

	// FailAfter, if set, makes the Nth submission (1-indexed) onward
	// return Err (or a generated error when Err is nil) instead of
	// succeeding.
	FailAfter int
	Err       error
}

// NewDriver returns an empty fake driver.
func NewDriver() *Driver {
	return &Driver{contextDepth: make(map[dma.GPUIndex]int)}
}

func (d *Driver) record(name string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Submitted = append(d.Submitted, Call{Name: name, Args: args})
	if d.FailAfter > 0 && len(d.Submitted) >= d.FailAfter {
		if d.Err != nil {
			return d.Err
		}
		return fmt.Errorf("faketest: injected failure on call %d (%s)", len(d.Submitted), name)
	}
	return nil
}

func (d *Driver) ContextPush(gpu *dma.GPU) error {
	d.mu.Lock()
	d.contextDepth[gpu.Index]++
	d.PushCalls++
	d.mu.Unlock()
	return nil
}

func (d *Driver) ContextPop(gpu *dma.GPU) error {
	d.mu.Lock()
	d.contextDepth[gpu.Index]--
	d.PopCalls++
	d.mu.Unlock()
	return nil
}

// CurrentDepth reports how many outstanding pushes gpu has, for tests
// asserting on GPU Context Scope nesting behavior.
func (d *Driver) CurrentDepth(gpu *dma.GPU) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contextDepth[gpu.Index]
}

func (d *Driver) StreamCreate(gpu *dma.GPU) (dma.StreamID, error) {
	return dma.StreamID{GPU: gpu.Index}, nil
}

func (d *Driver) MemcpyAsync1D(stream dma.StreamID, kind dma.CopyKind, dst, src uintptr, bytes uint64) error {
	return d.record("MemcpyAsync1D", stream, kind, dst, src, bytes)
}

func (d *Driver) MemcpyAsync2D(stream dma.StreamID, kind dma.CopyKind, dst, src uintptr, dstStride, srcStride, width, height uint64) error {
	return d.record("MemcpyAsync2D", stream, kind, dst, src, dstStride, srcStride, width, height)
}

func (d *Driver) MemcpyAsync3D(stream dma.StreamID, kind dma.CopyKind, dst, src uintptr, dstPitch, srcPitch, width, height, depth uint64) error {
	return d.record("MemcpyAsync3D", stream, kind, dst, src, dstPitch, srcPitch, width, height, depth)
}

func (d *Driver) MemsetAsync8(stream dma.StreamID, ptr uintptr, value uint8, bytes uint64) error {
	return d.record("MemsetAsync8", stream, ptr, value, bytes)
}

func (d *Driver) MemsetAsync16(stream dma.StreamID, ptr uintptr, value uint16, elems uint64) error {
	return d.record("MemsetAsync16", stream, ptr, value, elems)
}

func (d *Driver) MemsetAsync32(stream dma.StreamID, ptr uintptr, value uint32, elems uint64) error {
	return d.record("MemsetAsync32", stream, ptr, value, elems)
}

func (d *Driver) Memset2DAsync8(stream dma.StreamID, ptr uintptr, pitch uint64, value uint8, width, height uint64) error {
	return d.record("Memset2DAsync8", stream, ptr, pitch, value, width, height)
}

func (d *Driver) Memset2DAsync16(stream dma.StreamID, ptr uintptr, pitch uint64, value uint16, width, height uint64) error {
	return d.record("Memset2DAsync16", stream, ptr, pitch, value, width, height)
}

func (d *Driver) Memset2DAsync32(stream dma.StreamID, ptr uintptr, pitch uint64, value uint32, width, height uint64) error {
	return d.record("Memset2DAsync32", stream, ptr, pitch, value, width, height)
}

func (d *Driver) EventRecord(stream dma.StreamID) (dma.FenceToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	return d.nextToken, nil
}

func (d *Driver) EventQuery(tok dma.FenceToken) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tok <= d.retiredUpTo, nil
}

// RetireAll marks every event recorded so far as retired, so a stream's
// next Poll call drains all of its pending fences.
func (d *Driver) RetireAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retiredUpTo = d.nextToken
}

// Memory is an in-memory dma.MemoryCapability backed by a plain byte
// slice, addressed by casting its base pointer to uintptr.
type Memory struct {
	kind  dma.MemoryKind
	gpu   *dma.GPU
	bytes []byte
}

// NewHostMemory wraps a host-pinned buffer.
func NewHostMemory(buf []byte) *Memory {
	return &Memory{kind: dma.MemoryKindHostPinned, bytes: buf}
}

// NewDeviceMemory wraps a framebuffer-resident buffer owned by gpu.
func NewDeviceMemory(gpu *dma.GPU, buf []byte) *Memory {
	return &Memory{kind: dma.MemoryKindFramebuffer, gpu: gpu, bytes: buf}
}

func (m *Memory) Kind() dma.MemoryKind { return m.kind }
func (m *Memory) GPU() *dma.GPU        { return m.gpu }

func (m *Memory) GetDirectPtr(offset, size uint64) (uintptr, bool) {
	if offset+size > uint64(len(m.bytes)) {
		return 0, false
	}
	return uintptr(unsafeBase(m.bytes)) + uintptr(offset), true
}

// Bytes exposes the backing slice for test assertions.
func (m *Memory) Bytes() []byte { return m.bytes }

// AddressSource is a single-batch dma.AddressBatchSource: it offers the
// whole of Total once, then reports done once both sides have reported
// back that much consumption.
type AddressSource struct {
	mu        sync.Mutex
	Total     uint64
	offered   bool
	inDone    uint64
	outDone   uint64
	RefCount  int
	refcMutex sync.Mutex
}

// NewAddressSource builds a source that offers exactly total bytes once.
func NewAddressSource(total uint64) *AddressSource {
	return &AddressSource{Total: total}
}

func (a *AddressSource) GetAddresses(minXferSize uint64, readCache *dma.SequenceCache) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offered {
		return 0
	}
	a.offered = true
	return a.Total
}

func (a *AddressSource) RecordAddressConsumption(inBytes, outBytes uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inDone += inBytes
	a.outDone += outBytes
	return a.inDone >= a.Total && a.outDone >= a.Total
}

func (a *AddressSource) AddReference() {
	a.refcMutex.Lock()
	a.RefCount++
	a.refcMutex.Unlock()
}

func (a *AddressSource) RemoveReference() {
	a.refcMutex.Lock()
	a.RefCount--
	a.refcMutex.Unlock()
}

// FillAddressSource is the fill-descriptor counterpart of AddressSource:
// it only ever tracks the write side.
type FillAddressSource struct {
	AddressSource
}

// NewFillAddressSource builds a fill source that offers total bytes once.
func NewFillAddressSource(total uint64) *FillAddressSource {
	return &FillAddressSource{AddressSource{Total: total}}
}

func (a *FillAddressSource) RecordAddressConsumption(inBytes, outBytes uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outDone += outBytes
	return a.outDone >= a.Total
}
