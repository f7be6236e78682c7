package dma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuxfer/dma"
	"github.com/sarchlab/gpuxfer/dma/faketest"
)

var _ = Describe("Stream", func() {
	var (
		drv    *faketest.Driver
		stream *dma.Stream
	)

	BeforeEach(func() {
		drv = faketest.NewDriver()
		stream = dma.NewStreamWithLimit(dma.StreamID{GPU: 0, Local: 0}, drv, 1024)
	})

	It("admits work within its rate limit", func() {
		Expect(stream.Admit(512, nil)).To(BeTrue())
		Expect(stream.Admit(512, nil)).To(BeTrue())
	})

	It("refuses work that would exceed its rate limit while busy", func() {
		Expect(stream.Admit(1024, nil)).To(BeTrue())
		Expect(stream.Admit(1, nil)).To(BeFalse())
	})

	It("always admits a single oversized request when idle", func() {
		Expect(stream.Admit(4096, nil)).To(BeTrue())
	})

	It("retires fences in FIFO order and releases their rate-limit share", func() {
		Expect(stream.Admit(1024, nil)).To(BeTrue())
		Expect(stream.Admit(1, nil)).To(BeFalse())

		xd1 := newTestCopyDescriptor()
		xd2 := newTestCopyDescriptor()

		c1 := dma.NewTransferCompletion(xd1, dma.NoPort, 0, 0, dma.NoPort, 0, 0)
		c2 := dma.NewTransferCompletion(xd2, dma.NoPort, 0, 0, dma.NoPort, 0, 0)

		Expect(stream.AddNotification(c1, 512)).To(Succeed())
		Expect(stream.AddNotification(c2, 512)).To(Succeed())

		Expect(stream.Poll()).To(Succeed())
		Expect(stream.Admit(1, nil)).To(BeFalse()) // nothing retired yet

		drv.RetireAll()
		Expect(stream.Poll()).To(Succeed())

		Expect(stream.Admit(1024, nil)).To(BeTrue()) // full rate limit released back
	})
})
