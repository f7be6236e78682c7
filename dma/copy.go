package dma

import "context"

// CopyMinXferSize is the default minimum batch size the copy engine
// requests from its address batch source per main-loop iteration
// (spec.md §4.4). A channel may override it.
const CopyMinXferSize = 4 << 20 // 4 MiB

// HostDeviceXferCap bounds how many bytes a single host<->device sub-copy
// may cover, regardless of the batch size on offer (spec.md §4.4's "if
// this is a host<->device transfer, cap bytes_left at 4 MiB").
const HostDeviceXferCap = 4 << 20

func (xd *XferDes) minXferSize() uint64 {
	if xd.channel != nil && xd.channel.minXferSize > 0 {
		return xd.channel.minXferSize
	}
	return CopyMinXferSize
}

// copyProgress implements the copy engine's main loop (spec.md §4.4): it
// repeatedly asks the address batch source for a fresh batch, resolves
// the current input/output ports, and handles the four
// present/absent combinations before reporting consumption back.
func (xd *XferDes) copyProgress(ctx context.Context) (bool, error) {
	var did bool

	for {
		maxBytes := xd.Addresses.GetAddresses(xd.minXferSize(), xd.readCache)
		if maxBytes == 0 {
			break
		}

		inPort := xd.currentInput()
		outPort := xd.currentOutput()

		var consumedIn, consumedOut uint64
		var err error

		switch {
		case inPort != nil && outPort != nil:
			consumedIn, err = xd.copyBoth(ctx, inPort, outPort, maxBytes)
			consumedOut = consumedIn

		case inPort != nil && outPort == nil:
			inPort.Cursor.SkipBytes(maxBytes)
			xd.readCache.Add(maxBytes)
			consumedIn = maxBytes

		case inPort == nil && outPort != nil:
			outPort.Cursor.SkipBytes(maxBytes)
			consumedOut = maxBytes

		default:
			xd.writeCache.Add(maxBytes)
		}

		if err != nil {
			return did, err
		}
		if consumedIn > 0 || consumedOut > 0 {
			did = true
		}

		done := xd.Addresses.RecordAddressConsumption(consumedIn, consumedOut)
		if done {
			xd.iterationCompleted.Store(true)
		}
		if done || deadlineExpired(ctx) {
			break
		}
	}

	xd.readCache.Flush(func(n uint64) {
		xd.UpdateBytesRead(xd.InCtrl.CurrentPortIndex, 0, n)
	})
	xd.writeCache.Flush(func(n uint64) {
		xd.UpdateBytesWrite(xd.OutCtrl.CurrentPortIndex, 0, n)
	})

	return did, nil
}

// copyBoth drives one batch's worth of copying between a resolved input
// and output port, decomposing into 1D/2D/3D driver calls and posting a
// single aggregate completion fence for the span it submits (spec.md
// §4.4 case 1).
func (xd *XferDes) copyBoth(ctx context.Context, inPort, outPort *XferPort, maxBytes uint64) (uint64, error) {
	inGPU, outGPU := inPort.GPU, outPort.GPU
	stream := SelectStream(inGPU, outGPU)
	kind := CopyKindFor(inGPU, outGPU)

	scope, err := EnterContext(contextGPU(inGPU, outGPU), xd.channel.drv)
	if err != nil {
		return 0, err
	}
	defer scope.Close()

	hostDevice := inGPU == nil || outGPU == nil

	var total, bytesToFence uint64
	var loopErr error

loop:
	for total < maxBytes {
		icount := inPort.Cursor.Remaining(0)
		ocount := outPort.Cursor.Remaining(0)
		bytesLeft := maxBytes - total
		if hostDevice && bytesLeft > HostDeviceXferCap {
			bytesLeft = HostDeviceXferCap
		}

		contig := min(icount, min(ocount, bytesLeft))
		if contig == 0 {
			break
		}

		inDim, outDim := inPort.Cursor.Dim(), outPort.Cursor.Dim()

		var n uint64
		var admitted bool

		switch {
		case contig == bytesLeft || (contig == icount && inDim == 1) || (contig == ocount && outDim == 1):
			if !stream.Admit(contig, xd) {
				break loop
			}
			if err = stream.SubmitCopy1D(kind, outPort.CurrentAddr(), inPort.CurrentAddr(), contig); err != nil {
				loopErr = err
				break loop
			}
			inPort.Cursor.Advance(0, contig)
			outPort.Cursor.Advance(0, contig)
			n, admitted = contig, true

		default:
			n, admitted, err = xd.copyRect(stream, kind, inPort, outPort, contig, bytesLeft)
			total += n
			bytesToFence += n
			if err != nil {
				loopErr = err
				break loop
			}
			if !admitted {
				break loop
			}
			if total >= xd.minXferSize() && deadlineExpired(ctx) {
				break loop
			}
			continue
		}

		if !admitted {
			break
		}
		total += n
		bytesToFence += n

		if total >= xd.minXferSize() && deadlineExpired(ctx) {
			break
		}
	}

	if bytesToFence > 0 {
		xd.AddRef()
		fence := NewTransferCompletion(xd,
			xd.InCtrl.CurrentPortIndex, 0, bytesToFence,
			xd.OutCtrl.CurrentPortIndex, 0, bytesToFence)
		if err := stream.AddNotification(fence, bytesToFence); err != nil {
			if loopErr == nil {
				loopErr = err
			}
		}
	}
	return total, loopErr
}

// rectSide is one endpoint's resolved split/promote decision for a
// single 2D (or 3D plane) decomposition step (spec.md §4.4's "for each
// side, if contig < count then split dim 0 ... otherwise promote to
// dim 1").
type rectSide struct {
	port      *XferPort
	promoted  bool
	lstride   uint64
	unitLines uint64
	lastDim   bool
}

// planSide resolves one side of a 2D decomposition: splitting its
// contiguous dim into contig-sized sub-lines when contig doesn't cover
// its whole row, or promoting to the real dim-1 stride when it does.
// The input side is always planned before the output side, which is the
// tie-break spec.md §4.4 calls out as observable in dim() when a split
// doesn't tile exactly.
func planSide(port *XferPort, contig uint64) rectSide {
	count := port.Cursor.Remaining(0)
	if contig < count {
		if count%contig != 0 {
			return rectSide{port: port, promoted: false, lstride: contig, unitLines: 1, lastDim: true}
		}
		return rectSide{port: port, promoted: false, lstride: contig, unitLines: count / contig, lastDim: true}
	}
	return rectSide{
		port:      port,
		promoted:  true,
		lstride:   port.Cursor.Stride(1),
		unitLines: port.Cursor.Remaining(1),
		lastDim:   port.Cursor.Dim() <= 2,
	}
}

func (s rectSide) advance(units uint64) {
	if s.promoted {
		s.port.Cursor.Advance(1, units)
		return
	}
	s.port.Cursor.Advance(0, s.lstride*units)
}

// copyRect performs one 2D decomposition step, recursing into a 3D
// plane loop when neither side terminates at 2D (spec.md §4.4's
// "else 2D" / "else 3D" branches). A side terminates at 2D when it was
// split, when it has no third dimension, or when the chosen line count
// does not cover all of its remaining dim-1 rows.
func (xd *XferDes) copyRect(stream *Stream, kind CopyKind, inPort, outPort *XferPort, contig, bytesLeft uint64) (uint64, bool, error) {
	inSide := planSide(inPort, contig)
	outSide := planSide(outPort, contig)

	lines := min(inSide.unitLines, min(outSide.unitLines, bytesLeft/contig))
	if lines == 0 {
		return 0, false, nil
	}

	terminate2D := contig*lines == bytesLeft || inSide.lastDim || outSide.lastDim ||
		lines < inSide.unitLines || lines < outSide.unitLines
	if terminate2D {
		if !stream.Admit(contig*lines, xd) {
			return 0, false, nil
		}
		if err := stream.SubmitCopy2D(kind, outPort.CurrentAddr(), inPort.CurrentAddr(),
			outSide.lstride, inSide.lstride, contig, lines); err != nil {
			return 0, false, err
		}
		inSide.advance(lines)
		outSide.advance(lines)
		return contig * lines, true, nil
	}

	return xd.copyPlanes(stream, kind, inPort, outPort, inSide, outSide, contig, lines, bytesLeft)
}

// copyPlanes unrolls the 3D case into a loop of 2D plane copies so an
// admit refusal or deadline can stop early without losing already-issued
// work (spec.md §4.4's "unroll 3D into a loop of 2D copies").
func (xd *XferDes) copyPlanes(
	stream *Stream, kind CopyKind, inPort, outPort *XferPort,
	inSide, outSide rectSide, contig, lines, bytesLeft uint64,
) (uint64, bool, error) {
	inPlanes := inPort.Cursor.Remaining(2)
	outPlanes := outPort.Cursor.Remaining(2)
	inPlaneStride := inPort.Cursor.Stride(2)
	outPlaneStride := outPort.Cursor.Stride(2)

	planes := min(inPlanes, min(outPlanes, (bytesLeft/contig)/lines))
	if planes == 0 {
		planes = 1
	}

	inBase, outBase := inPort.CurrentAddr(), outPort.CurrentAddr()
	bytesPerPlane := contig * lines

	var actPlanes uint64
	var submitErr error
	for p := uint64(0); p < planes; p++ {
		if !stream.Admit(bytesPerPlane, xd) {
			break
		}
		src := inBase + uintptr(p*inPlaneStride)
		dst := outBase + uintptr(p*outPlaneStride)
		if err := stream.SubmitCopy2D(kind, dst, src, outSide.lstride, inSide.lstride, contig, lines); err != nil {
			submitErr = err
			break
		}
		actPlanes++
	}

	if actPlanes == 0 {
		return 0, false, submitErr
	}
	inPort.Cursor.Advance(2, actPlanes)
	outPort.Cursor.Advance(2, actPlanes)
	return bytesPerPlane * actPlanes, true, submitErr
}
