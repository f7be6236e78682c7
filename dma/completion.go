package dma

// NoPort marks the "no update for that side" port index (spec.md §4.7),
// used by fill completions on their (absent) read side.
const NoPort = -1

// TransferCompletion is the reference-counted callback posted on a stream
// after a span of copies, invoked once the GPU retires the fence covering
// them. Completing it applies the byte-progress deltas to the owning
// descriptor and releases the reference the fence held (spec.md §4.7).
//
// Grounded on the teacher's counted-ack bookkeeping (numRDMADrainACK,
// numShootDownACK in driver.go): a count of outstanding completions
// triggers the next action once it reaches zero. Here the "count" is the
// descriptor's own reference count and the "next action" is descriptor
// teardown.
type TransferCompletion struct {
	ID FenceID

	xd *XferDes

	readPortIdx  int
	readOffset   uint64
	readSize     uint64
	writePortIdx int
	writeOffset  uint64
	writeSize    uint64
}

// NewTransferCompletion builds a fence covering the given read and/or
// write spans. Pass NoPort for a side with no update (fill descriptors
// have no read side).
func NewTransferCompletion(
	xd *XferDes,
	readPortIdx int, readOffset, readSize uint64,
	writePortIdx int, writeOffset, writeSize uint64,
) *TransferCompletion {
	return &TransferCompletion{
		ID:           NewFenceID(),
		xd:           xd,
		readPortIdx:  readPortIdx,
		readOffset:   readOffset,
		readSize:     readSize,
		writePortIdx: writePortIdx,
		writeOffset:  writeOffset,
		writeSize:    writeSize,
	}
}

// Complete applies the read/write byte-progress updates and releases the
// descriptor reference this fence held. Called exactly once, when the
// GPU event covering this fence's span retires.
func (c *TransferCompletion) Complete() {
	if c.readPortIdx >= 0 {
		c.xd.UpdateBytesRead(c.readPortIdx, c.readOffset, c.readSize)
	}
	if c.writePortIdx >= 0 {
		c.xd.UpdateBytesWrite(c.writePortIdx, c.writeOffset, c.writeSize)
	}
	log.Debug().Str("fence", string(c.ID)).Str("descriptor", string(c.xd.ID)).Msg("fence retired")
	c.xd.Release()
}
