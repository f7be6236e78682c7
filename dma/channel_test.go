package dma_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuxfer/dma"
	"github.com/sarchlab/gpuxfer/dma/faketest"
)

var _ = Describe("Channel", func() {
	var (
		drv *faketest.Driver
		gpu *dma.GPU
	)

	BeforeEach(func() {
		drv = faketest.NewDriver()
		gpu = newTestGPU(0, drv)
	})

	It("accepts a host<->device capability with max_dim 2", func() {
		ch := dma.NewChannel(dma.ChannelToFB, gpu, drv)
		ch.RegisterCapability(dma.Capability{
			SrcSet: []dma.MemoryKind{dma.MemoryKindHostPinned},
			DstSet: []dma.MemoryKind{dma.MemoryKindFramebuffer},
			MaxDim: 2,
		})
		Expect(ch.Capabilities()).To(HaveLen(1))
	})

	It("rejects a host<->device capability declaring max_dim 3", func() {
		ch := dma.NewChannel(dma.ChannelToFB, gpu, drv)
		Expect(func() {
			ch.RegisterCapability(dma.Capability{MaxDim: 3})
		}).To(Panic())
	})

	It("accepts an intra-device capability with max_dim 3", func() {
		ch := dma.NewChannel(dma.ChannelInFB, gpu, drv)
		Expect(func() {
			ch.RegisterCapability(dma.Capability{MaxDim: 3})
		}).NotTo(Panic())
	})

	It("rejects redop_info != 0 on any channel kind", func() {
		ch := dma.NewChannel(dma.ChannelInFB, gpu, drv)
		addrs := faketest.NewAddressSource(0)
		Expect(func() {
			ch.CreateXferDes(nil, nil, 0, 1, nil, addrs)
		}).To(Panic())
	})

	It("rejects a non-empty fill pattern on a copy channel", func() {
		ch := dma.NewChannel(dma.ChannelInFB, gpu, drv)
		addrs := faketest.NewAddressSource(0)
		Expect(func() {
			ch.CreateXferDes(nil, nil, 0, 0, []byte{1}, addrs)
		}).To(Panic())
	})

	It("rejects an empty fill pattern on a fill channel", func() {
		ch := dma.NewChannel(dma.ChannelFill, gpu, drv)
		addrs := faketest.NewFillAddressSource(0)
		Expect(func() {
			ch.CreateXferDes(nil, nil, 0, 0, nil, addrs)
		}).To(Panic())
	})

	It("serializes dispatch in ordered mode until the running descriptor completes", func() {
		ch := dma.NewChannel(dma.ChannelInFB, gpu, drv)

		const size = 4096
		mem1 := faketest.NewDeviceMemory(gpu, make([]byte, size))
		mem2 := faketest.NewDeviceMemory(gpu, make([]byte, size))

		in1 := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), mem1).WithDirectPtr(0, size)
		out1 := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), mem1).WithDirectPtr(0, size)
		in2 := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), mem2).WithDirectPtr(0, size)
		out2 := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), mem2).WithDirectPtr(0, size)

		addrs1 := faketest.NewAddressSource(size)
		addrs2 := faketest.NewAddressSource(size)

		xd1 := ch.CreateXferDes([]*dma.XferPort{in1}, []*dma.XferPort{out1}, 0, 0, nil, addrs1)
		_ = ch.CreateXferDes([]*dma.XferPort{in2}, []*dma.XferPort{out2}, 0, 0, nil, addrs2)

		did := ch.Dispatch(context.Background())
		Expect(did).To(BeTrue())
		Expect(xd1.Done()).To(BeTrue())

		did = ch.Dispatch(context.Background())
		Expect(did).To(BeTrue())
	})
})
