package dma_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuxfer/dma"
	"github.com/sarchlab/gpuxfer/dma/faketest"
)

func newTestGPU(index dma.GPUIndex, drv dma.DriverCalls) *dma.GPU {
	d2d := []*dma.Stream{dma.NewStream(dma.StreamID{GPU: index, Local: 0}, drv)}
	h2d := dma.NewStream(dma.StreamID{GPU: index, Local: 1}, drv)
	d2h := dma.NewStream(dma.StreamID{GPU: index, Local: 2}, drv)
	return dma.NewGPU(index, nil, d2d, h2d, d2h)
}

var _ = Describe("Copy Engine", func() {
	var drv *faketest.Driver

	BeforeEach(func() {
		drv = faketest.NewDriver()
	})

	It("copies a 1 MiB host-pinned buffer to a framebuffer with one 1D memcpy", func() {
		const size = 1 << 20

		gpu := newTestGPU(0, drv)
		hostMem := faketest.NewHostMemory(make([]byte, size))
		devMem := faketest.NewDeviceMemory(gpu, make([]byte, size))

		inPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), hostMem).
			WithDirectPtr(0, size)
		outPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), devMem).
			WithDirectPtr(0, size)

		ch := dma.NewChannel(dma.ChannelToFB, gpu, drv)
		addrs := faketest.NewAddressSource(size)

		xd := ch.CreateXferDes([]*dma.XferPort{inPort}, []*dma.XferPort{outPort}, 0, 0, nil, addrs)

		did, err := xd.Progress(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(did).To(BeTrue())

		Expect(drv.Submitted).To(HaveLen(1))
		Expect(drv.Submitted[0].Name).To(Equal("MemcpyAsync1D"))

		drv.RetireAll()
		Expect(ch.PollStreams()).To(Succeed())

		Expect(outPort.LocalBytesTotal()).To(Equal(uint64(size)))
	})

	It("copies a 64x64 doubles region device-to-device with one 2D memcpy", func() {
		const contig, lines, stride1 = 512, 64, 1024
		const total = contig * lines

		gpu := newTestGPU(0, drv)
		srcMem := faketest.NewDeviceMemory(gpu, make([]byte, stride1*lines))
		dstMem := faketest.NewDeviceMemory(gpu, make([]byte, stride1*lines))

		inPort := dma.NewXferPort(
			dma.NewCursor([]dma.CursorDim{{Count: contig}, {Count: lines, Stride: stride1}}),
			srcMem,
		).WithDirectPtr(0, stride1*lines)
		outPort := dma.NewXferPort(
			dma.NewCursor([]dma.CursorDim{{Count: contig}, {Count: lines, Stride: stride1}}),
			dstMem,
		).WithDirectPtr(0, stride1*lines)

		ch := dma.NewChannel(dma.ChannelInFB, gpu, drv)
		addrs := faketest.NewAddressSource(total)

		xd := ch.CreateXferDes([]*dma.XferPort{inPort}, []*dma.XferPort{outPort}, 0, 0, nil, addrs)

		did, err := xd.Progress(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(did).To(BeTrue())

		Expect(drv.Submitted).To(HaveLen(1))
		Expect(drv.Submitted[0].Name).To(Equal("MemcpyAsync2D"))
	})

	It("caps each host<->device sub-copy at 4 MiB even when more is offered", func() {
		const offered = 32 << 20
		const capBytes = 4 << 20

		gpu := newTestGPU(0, drv)
		hostMem := faketest.NewHostMemory(make([]byte, offered))
		devMem := faketest.NewDeviceMemory(gpu, make([]byte, offered))

		inPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: offered}}), hostMem).
			WithDirectPtr(0, offered)
		outPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: offered}}), devMem).
			WithDirectPtr(0, offered)

		ch := dma.NewChannel(dma.ChannelToFB, gpu, drv)
		addrs := faketest.NewAddressSource(offered)

		xd := ch.CreateXferDes([]*dma.XferPort{inPort}, []*dma.XferPort{outPort}, 0, 0, nil, addrs)

		_, err := xd.Progress(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.Submitted[0].Name).To(Equal("MemcpyAsync1D"))
		Expect(drv.Submitted[0].Args[4]).To(Equal(uint64(capBytes)))
	})

	It("aborts fatally when a peer-to-peer link is absent", func() {
		gpuA := newTestGPU(0, drv)
		gpuC := newTestGPU(2, drv)

		const size = 4096
		srcMem := faketest.NewDeviceMemory(gpuA, make([]byte, size))
		dstMem := faketest.NewDeviceMemory(gpuC, make([]byte, size))

		inPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), srcMem).
			WithDirectPtr(0, size)
		outPort := dma.NewXferPort(dma.NewCursor([]dma.CursorDim{{Count: size}}), dstMem).
			WithDirectPtr(0, size)

		ch := dma.NewChannel(dma.ChannelPeerFB, gpuA, drv)
		addrs := faketest.NewAddressSource(size)

		xd := ch.CreateXferDes([]*dma.XferPort{inPort}, []*dma.XferPort{outPort}, 0, 0, nil, addrs)

		Expect(func() {
			_, _ = xd.Progress(context.Background())
		}).To(Panic())

		Expect(drv.Submitted).To(BeEmpty())
	})
})
