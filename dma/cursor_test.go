package dma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuxfer/dma"
)

var _ = Describe("Cursor", func() {
	It("reports full dimensionality on a fresh 1D cursor", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 1024}})
		Expect(c.Dim()).To(Equal(1))
		Expect(c.Remaining(0)).To(Equal(uint64(1024)))
		Expect(c.Offset()).To(Equal(uint64(0)))
		Expect(c.Done()).To(BeFalse())
	})

	It("marks itself done once a 1D cursor is fully advanced", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 1024}})
		c.Advance(0, 1024)
		Expect(c.Done()).To(BeTrue())
	})

	It("tracks a 2D rectangular range and exposes stride(1)", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 512}, {Count: 64, Stride: 1024}})
		Expect(c.Dim()).To(Equal(2))
		Expect(c.Remaining(0)).To(Equal(uint64(512)))
		Expect(c.Remaining(1)).To(Equal(uint64(64)))
		Expect(c.Stride(1)).To(Equal(uint64(1024)))

		c.Advance(1, 64)
		Expect(c.Done()).To(BeTrue())
	})

	It("narrows dim() when a partial advance leaves a non-rectangular remainder", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 100}, {Count: 5, Stride: 1000}})
		c.Advance(0, 40)
		Expect(c.Dim()).To(Equal(1))
		Expect(c.Remaining(0)).To(Equal(uint64(60)))
	})

	It("restores full dimensionality once a partial row finishes draining", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 100}, {Count: 5, Stride: 1000}})
		c.Advance(0, 40)
		c.Advance(0, 60) // drains row 0, cascades into dim 1
		Expect(c.Dim()).To(Equal(2))
		Expect(c.Remaining(1)).To(Equal(uint64(4)))
	})

	It("discards bytes across row boundaries via skip_bytes", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 10}, {Count: 3, Stride: 20}})
		c.SkipBytes(25) // 2 full rows (20) + 5 bytes into the third
		Expect(c.Remaining(0)).To(Equal(uint64(5)))
		Expect(c.Dim()).To(Equal(1))
	})

	It("panics when advance exceeds what remains at that dim", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 10}})
		Expect(func() { c.Advance(0, 11) }).To(Panic())
	})

	It("panics on an out-of-range dim index", func() {
		c := dma.NewCursor([]dma.CursorDim{{Count: 10}})
		Expect(func() { c.Remaining(1) }).To(Panic())
	})
})
