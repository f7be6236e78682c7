package dma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuxfer/dma"
	"github.com/sarchlab/gpuxfer/dma/faketest"
)

var _ = Describe("GPU Context Scope", func() {
	var (
		drv *faketest.Driver
		gpu *dma.GPU
	)

	BeforeEach(func() {
		drv = faketest.NewDriver()
		gpu = newTestGPU(0, drv)
	})

	It("pushes once and pops once for a single acquisition", func() {
		scope, err := dma.EnterContext(gpu, drv)
		Expect(err).NotTo(HaveOccurred())
		Expect(drv.CurrentDepth(gpu)).To(Equal(1))

		Expect(scope.Close()).To(Succeed())
		Expect(drv.CurrentDepth(gpu)).To(Equal(0))
		Expect(drv.PushCalls).To(Equal(1))
		Expect(drv.PopCalls).To(Equal(1))
	})

	It("is idempotent on nested acquisitions of the same GPU", func() {
		outer, err := dma.EnterContext(gpu, drv)
		Expect(err).NotTo(HaveOccurred())

		inner, err := dma.EnterContext(gpu, drv)
		Expect(err).NotTo(HaveOccurred())

		Expect(drv.PushCalls).To(Equal(1)) // only the outermost acquisition pushed

		Expect(inner.Close()).To(Succeed())
		Expect(drv.PopCalls).To(Equal(0)) // inner close does not pop
		Expect(outer.Close()).To(Succeed())
		Expect(drv.PopCalls).To(Equal(1))
	})

	It("tolerates a double Close", func() {
		scope, err := dma.EnterContext(gpu, drv)
		Expect(err).NotTo(HaveOccurred())
		Expect(scope.Close()).To(Succeed())
		Expect(scope.Close()).To(Succeed())
	})
})
