package dma_test

import (
	"github.com/sarchlab/gpuxfer/dma"
	"github.com/sarchlab/gpuxfer/dma/faketest"
)

// newTestCopyDescriptor builds a portless copy descriptor purely to
// exercise reference counting and fence plumbing in isolation.
func newTestCopyDescriptor() *dma.XferDes {
	return dma.NewCopyXferDes(nil, nil, 0, faketest.NewAddressSource(0))
}
