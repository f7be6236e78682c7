package dma

import "github.com/rs/xid"

// DescriptorID identifies a transfer descriptor for the lifetime of a run,
// stamped the way the teacher stamps every simulated task with an xid.
type DescriptorID string

// NewDescriptorID mints a fresh descriptor identifier.
func NewDescriptorID() DescriptorID {
	return DescriptorID(xid.New().String())
}

// FenceID identifies a single completion fence.
type FenceID string

// NewFenceID mints a fresh fence identifier.
func NewFenceID() FenceID {
	return FenceID(xid.New().String())
}
