package dma

import "fmt"

// CursorDim describes one nested dimension of a rectangular address range.
// Count is the number of units along the dimension. Stride is the byte
// offset between successive indices; it is meaningless for dim 0, which is
// always treated as a run of contiguous bytes.
type CursorDim struct {
	Count  uint64
	Stride uint64
}

// Cursor is a stateful iterator over a packed, possibly partially-consumed
// rectangular multi-dimensional address range (spec.md §4.1). It exposes
// offset/dim/remaining/stride/advance/skip-bytes, and narrows its reported
// dimensionality in place whenever a partial consumption leaves a remainder
// that no longer tiles the dimension above it (spec.md §9's "cursor as
// stateful iterator" design note).
type Cursor struct {
	dims []CursorDim
	rem  []uint64
	dim  int
	done bool
}

// NewCursor builds a cursor over the given nested dimensions. dims[0] is
// the innermost, contiguous-bytes dimension; dims[len(dims)-1] is the
// outermost. The data model calls for at least 3 nested dimensions, but
// this constructor accepts any non-empty slice so degenerate 1D/2D ranges
// (outer dims with Count==1) can be expressed directly.
func NewCursor(dims []CursorDim) *Cursor {
	if len(dims) == 0 {
		panic("dma: cursor requires at least one dimension")
	}
	rem := make([]uint64, len(dims))
	for i, d := range dims {
		rem[i] = d.Count
	}
	return &Cursor{dims: dims, rem: rem, dim: len(dims)}
}

// Offset returns the current flat byte offset from the range's base.
func (c *Cursor) Offset() uint64 {
	if c.done {
		return c.totalSize()
	}
	off := c.dims[0].Count - c.rem[0]
	for d := 1; d < len(c.dims); d++ {
		consumed := c.dims[d].Count - c.rem[d]
		off += consumed * c.dims[d].Stride
	}
	return off
}

func (c *Cursor) totalSize() uint64 {
	total := c.dims[0].Count
	for d := 1; d < len(c.dims); d++ {
		total *= c.dims[d].Count
	}
	return total
}

// Dim reports the current effective dimensionality: the smallest prefix of
// dims whose tail still tiles cleanly at the current position. It equals
// len(dims) on a fresh cursor and whenever every dimension is back at its
// full count; otherwise it is one more than the innermost dimension that
// is partially consumed, so it drops toward 1 as a partial consumption
// narrows what can still be cleanly promoted into.
func (c *Cursor) Dim() int {
	return c.dim
}

// Remaining returns the units still available at dim d from the current
// position: contiguous bytes for d==0, row/plane counts for d>0.
func (c *Cursor) Remaining(d int) uint64 {
	c.checkDim(d)
	if c.done {
		return 0
	}
	return c.rem[d]
}

// Stride returns the byte stride between successive indices at dim d. By
// convention dim 0 has no real stride (its elements are contiguous bytes),
// so Stride(0) instead reports the contiguous byte count still available,
// matching spec.md §4.1 ("dim 0 has unit stride and returns contig-bytes").
func (c *Cursor) Stride(d int) uint64 {
	c.checkDim(d)
	if d == 0 {
		return c.Remaining(0)
	}
	return c.dims[d].Stride
}

// Done reports whether the cursor has been fully consumed.
func (c *Cursor) Done() bool {
	return c.done
}

// Advance consumes n units at dim d. If that drains dim d completely, the
// consumption cascades into dim d+1 (one unit there), recursively, the way
// spec.md §4.1 describes: "if d>0 and n fully drains it, higher dims are
// exposed." Partially draining dim d (0 < remaining < full count) narrows
// Dim() to d+1, since the structure above no longer tiles cleanly against
// a full row/plane at this level.
func (c *Cursor) Advance(d int, n uint64) {
	c.checkDim(d)
	if c.done {
		panic("dma: cursor advance on an exhausted cursor")
	}
	if n > c.rem[d] {
		panic(fmt.Sprintf("dma: cursor advance(%d, %d) exceeds remaining %d", d, n, c.rem[d]))
	}
	c.rem[d] -= n
	if c.rem[d] == 0 {
		if d+1 < len(c.dims) {
			c.rem[d] = c.dims[d].Count
			c.Advance(d+1, 1)
			return
		}
		c.done = true
		c.dim = 0
		return
	}
	c.recomputeDim()
}

func (c *Cursor) recomputeDim() {
	for d := 0; d < len(c.dims); d++ {
		if c.rem[d] < c.dims[d].Count {
			c.dim = d + 1
			return
		}
	}
	c.dim = len(c.dims)
}

// SkipBytes discards n bytes without reading or writing memory, crossing
// row/plane boundaries as needed. Used for the "discard" and "sink with no
// producer" cases in the copy engine's progress loop (spec.md §4.4 cases
// 2 and 3).
func (c *Cursor) SkipBytes(n uint64) {
	for n > 0 {
		if c.done {
			panic("dma: skip_bytes exceeds cursor extent")
		}
		take := min(c.rem[0], n)
		if take == 0 {
			panic("dma: skip_bytes exceeds cursor extent")
		}
		c.Advance(0, take)
		n -= take
	}
}

func (c *Cursor) checkDim(d int) {
	if d < 0 || d >= len(c.dims) {
		panic(fmt.Sprintf("dma: dim index %d out of range [0,%d)", d, len(c.dims)))
	}
}
