package scan

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/cwbudde/prefixscan/internal/device"
)

// BlockScan replaces every block of data, in place, with its block-local
// inclusive prefix sum. Blocks do not see each other.
func (e *Engine) BlockScan(data []float64) error {
	return e.blockScan(data, nil)
}

// PartialReduce returns, for data already block-scanned, the last in-range
// element of each block: ⌈len(data)/B⌉ block totals.
func (e *Engine) PartialReduce(data []float64) ([]float64, error) {
	return e.partialReduce(data, nil)
}

// BroadcastAdd adds offsets[j] to every element of block j of data, in place.
func (e *Engine) BroadcastAdd(offsets, data []float64) error {
	return e.broadcastAdd(offsets, data, nil)
}

func (e *Engine) blockScan(data []float64, stats *Stats) (err error) {
	n := len(data)
	if n == 0 {
		return nil
	}

	bufs := e.newBuffers()
	defer func() { err = bufs.release(err) }()

	in, err := bufs.upload(data, device.ReadOnly)
	if err != nil {
		return err
	}
	out, err := bufs.alloc(n, device.WriteOnly)
	if err != nil {
		return err
	}

	args := []any{in, out, device.Local(e.blockSize), device.Int32(n)}
	if err := e.dispatch(PrimitiveBlockScan, args, n, stats); err != nil {
		return err
	}

	return bufs.download(out, data)
}

func (e *Engine) partialReduce(data []float64, stats *Stats) (sums []float64, err error) {
	n := len(data)
	if n == 0 {
		return nil, nil
	}
	blocks := device.Blocks(n, e.blockSize)

	bufs := e.newBuffers()
	defer func() { err = bufs.release(err) }()

	in, err := bufs.upload(data, device.ReadOnly)
	if err != nil {
		return nil, err
	}
	out, err := bufs.alloc(blocks, device.WriteOnly)
	if err != nil {
		return nil, err
	}

	args := []any{in, out, device.Int32(n), device.Int32(blocks)}
	if err := e.dispatch(PrimitivePartialReduce, args, n, stats); err != nil {
		return nil, err
	}

	sums = make([]float64, blocks)
	if err := bufs.download(out, sums); err != nil {
		return nil, err
	}
	return sums, nil
}

func (e *Engine) broadcastAdd(offsets, data []float64, stats *Stats) (err error) {
	n := len(data)
	if n == 0 {
		return nil
	}
	if blocks := device.Blocks(n, e.blockSize); len(offsets) != blocks {
		return fmt.Errorf("%w: %d offsets for %d blocks", ErrShapeMismatch, len(offsets), blocks)
	}

	bufs := e.newBuffers()
	defer func() { err = bufs.release(err) }()

	off, err := bufs.upload(offsets, device.ReadOnly)
	if err != nil {
		return err
	}
	in, err := bufs.upload(data, device.ReadOnly)
	if err != nil {
		return err
	}
	out, err := bufs.alloc(n, device.WriteOnly)
	if err != nil {
		return err
	}

	args := []any{off, in, out, device.Int32(n)}
	if err := e.dispatch(PrimitiveBroadcastAdd, args, n, stats); err != nil {
		return err
	}

	return bufs.download(out, data)
}

// dispatch launches p over n elements rounded up to whole blocks.
func (e *Engine) dispatch(p Primitive, args []any, n int, stats *Stats) error {
	if stats != nil {
		stats.Dispatches[p]++
	}
	e.metrics.dispatched(p)

	global := device.RoundUp(n, e.blockSize)
	if err := e.exec.Dispatch(e.program, string(p), args, global, e.blockSize); err != nil {
		return asDeviceError("dispatch "+string(p), err)
	}
	return nil
}

// buffers tracks the device allocations of one primitive call so they are
// all released before the call returns.
type buffers struct {
	exec device.Executor
	held []device.Buffer
}

func (e *Engine) newBuffers() *buffers {
	return &buffers{exec: e.exec}
}

func (b *buffers) alloc(elems int, mode device.AccessMode) (device.Buffer, error) {
	buf, err := b.exec.Allocate(elems*device.Float64Size, mode)
	if err != nil {
		return nil, asDeviceError("allocate", err)
	}
	b.held = append(b.held, buf)
	return buf, nil
}

func (b *buffers) upload(values []float64, mode device.AccessMode) (device.Buffer, error) {
	buf, err := b.alloc(len(values), mode)
	if err != nil {
		return nil, err
	}
	if err := b.exec.Upload(buf, values); err != nil {
		return nil, asDeviceError("upload", err)
	}
	return buf, nil
}

func (b *buffers) download(buf device.Buffer, dst []float64) error {
	if err := b.exec.Download(buf, dst); err != nil {
		return asDeviceError("download", err)
	}
	return nil
}

// release frees every held buffer and folds release failures into err.
func (b *buffers) release(err error) error {
	var releaseErr error
	for i := len(b.held) - 1; i >= 0; i-- {
		if rerr := b.exec.Release(b.held[i]); rerr != nil {
			releaseErr = multierror.Append(releaseErr, asDeviceError("release", rerr))
		}
	}
	b.held = nil

	switch {
	case releaseErr == nil:
		return err
	case err == nil:
		return releaseErr
	default:
		return multierror.Append(err, releaseErr)
	}
}

// asDeviceError keeps typed device errors and classifies anything else as a
// dispatch failure of op.
func asDeviceError(op string, err error) error {
	if device.IsDeviceError(err) {
		return err
	}
	return device.NewDispatchError(op, device.CodeUnknown, err)
}
