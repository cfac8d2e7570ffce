// Package cpu implements device.Executor on the host. Programs are written in
// OpenCL C; compiling one resolves each __kernel entry point to a registered
// Go kernel, and dispatches run work-groups concurrently on goroutines.
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/prefixscan/internal/device"
)

// DefaultMaxWorkGroupSize matches the common OpenCL limit.
const DefaultMaxWorkGroupSize = 1024

// Executor runs kernels on host goroutines, one goroutine per work-group.
// It is safe for concurrent use.
type Executor struct {
	kernels      map[string]Kernel
	workers      int
	maxGroupSize int
	memoryLimit  int
	logger       *slog.Logger

	mu        sync.Mutex
	live      map[*buffer]struct{}
	allocated int
	closed    bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers bounds the number of work-groups executed concurrently.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxWorkGroupSize sets the largest accepted local size.
func WithMaxWorkGroupSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxGroupSize = n
		}
	}
}

// WithMemoryLimit caps the total bytes of live buffers. Zero means unlimited.
func WithMemoryLimit(bytes int) Option {
	return func(e *Executor) {
		e.memoryLimit = bytes
	}
}

// WithKernel registers an additional host kernel under name.
func WithKernel(name string, k Kernel) Option {
	return func(e *Executor) {
		e.kernels[name] = k
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a host executor with the built-in kernels registered.
func New(opts ...Option) *Executor {
	e := &Executor{
		kernels:      DefaultKernels(),
		workers:      runtime.GOMAXPROCS(0),
		maxGroupSize: DefaultMaxWorkGroupSize,
		logger:       slog.Default(),
		live:         make(map[*buffer]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Info describes the host device.
func (e *Executor) Info() device.DeviceInfo {
	return device.DeviceInfo{
		Name:             "host",
		Vendor:           "Go " + runtime.Version(),
		Version:          fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Type:             device.DeviceTypeCPU,
		MaxComputeUnits:  uint32(e.workers),
		MaxWorkGroupSize: e.maxGroupSize,
		GlobalMemBytes:   uint64(e.memoryLimit),
	}
}

type buffer struct {
	data  []float64
	size  int
	mode  device.AccessMode
	owner *Executor
}

func (b *buffer) Size() int               { return b.size }
func (b *buffer) Mode() device.AccessMode { return b.mode }

// Allocate reserves a zeroed host slice of byteSize bytes.
func (e *Executor) Allocate(byteSize int, mode device.AccessMode) (device.Buffer, error) {
	const op = "allocate"

	if byteSize <= 0 || byteSize%device.Float64Size != 0 {
		return nil, device.NewDispatchError(op, device.CodeInvalidBufferSize,
			fmt.Errorf("%w: size %d is not a positive multiple of %d", device.ErrInvalidBuffer, byteSize, device.Float64Size))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, device.NewDispatchError(op, device.CodeInvalidValue, device.ErrClosed)
	}
	if e.memoryLimit > 0 && e.allocated+byteSize > e.memoryLimit {
		return nil, device.NewDispatchError(op, device.CodeMemAllocationFailure,
			fmt.Errorf("requested %s with %s of %s in use", humanize.IBytes(uint64(byteSize)),
				humanize.IBytes(uint64(e.allocated)), humanize.IBytes(uint64(e.memoryLimit))))
	}

	buf := &buffer{
		data:  make([]float64, byteSize/device.Float64Size),
		size:  byteSize,
		mode:  mode,
		owner: e,
	}
	e.live[buf] = struct{}{}
	e.allocated += byteSize

	e.logger.Debug("Buffer allocated", "bytes", humanize.IBytes(uint64(byteSize)), "mode", mode.String())
	return buf, nil
}

// Release frees buf.
func (e *Executor) Release(b device.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := b.(*buffer)
	if !ok || buf.owner != e {
		return device.NewDispatchError("release", device.CodeInvalidMemObject, device.ErrInvalidBuffer)
	}
	if _, live := e.live[buf]; !live {
		return device.NewDispatchError("release", device.CodeInvalidMemObject,
			fmt.Errorf("%w: already released", device.ErrInvalidBuffer))
	}

	delete(e.live, buf)
	e.allocated -= buf.size
	return nil
}

// Upload copies src into buf.
func (e *Executor) Upload(b device.Buffer, src []float64) error {
	buf, err := e.lookup("upload", b, len(src))
	if err != nil {
		return err
	}
	copy(buf.data, src)
	return nil
}

// Download copies the head of buf into dst.
func (e *Executor) Download(b device.Buffer, dst []float64) error {
	buf, err := e.lookup("download", b, len(dst))
	if err != nil {
		return err
	}
	copy(dst, buf.data)
	return nil
}

func (e *Executor) lookup(op string, b device.Buffer, elems int) (*buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, device.NewDispatchError(op, device.CodeInvalidValue, device.ErrClosed)
	}

	buf, ok := b.(*buffer)
	if !ok || buf.owner != e {
		return nil, device.NewDispatchError(op, device.CodeInvalidMemObject, device.ErrInvalidBuffer)
	}
	if _, live := e.live[buf]; !live {
		return nil, device.NewDispatchError(op, device.CodeInvalidMemObject,
			fmt.Errorf("%w: used after release", device.ErrInvalidBuffer))
	}
	if elems > len(buf.data) {
		return nil, device.NewDispatchError(op, device.CodeInvalidValue,
			fmt.Errorf("%w: %d elements do not fit in %d", device.ErrInvalidBuffer, elems, len(buf.data)))
	}
	return buf, nil
}

// Dispatch runs one kernel over the grid and waits for every work-group.
func (e *Executor) Dispatch(prog device.Program, entry string, args []any, globalSize, localSize int) error {
	op := "dispatch " + entry

	p, ok := prog.(*program)
	if !ok || p.owner != e {
		return device.NewDispatchError(op, device.CodeInvalidProgram, fmt.Errorf("program was not built by this executor"))
	}
	kernel, ok := p.kernels[entry]
	if !ok {
		return device.NewDispatchError(op, device.CodeInvalidKernelName, fmt.Errorf("%w: %q", device.ErrUnknownKernel, entry))
	}
	if localSize <= 0 || localSize > e.maxGroupSize || globalSize <= 0 || globalSize%localSize != 0 {
		return device.NewDispatchError(op, device.CodeInvalidWorkGroupSize,
			fmt.Errorf("%w: global %d, local %d, max local %d", device.ErrInvalidGrid, globalSize, localSize, e.maxGroupSize))
	}

	bound, err := e.bind(args)
	if err != nil {
		return device.NewDispatchError(op, device.CodeInvalidKernelArgs, err)
	}

	groups := globalSize / localSize
	var g errgroup.Group
	g.SetLimit(e.workers)
	for id := 0; id < groups; id++ {
		grp := Group{ID: id, Size: localSize, Global: globalSize}
		g.Go(func() error {
			return kernel(grp, bound)
		})
	}
	if err := g.Wait(); err != nil {
		return device.NewDispatchError(op, device.CodeInvalidKernelArgs, err)
	}

	e.logger.Debug("Kernel dispatched", "kernel", entry, "global", globalSize, "local", localSize, "groups", groups)
	return nil
}

// bind resolves buffer handles to their host slices.
func (e *Executor) bind(args []any) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, device.ErrClosed
	}

	bound := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case device.Buffer:
			buf, ok := v.(*buffer)
			if !ok || buf.owner != e {
				return nil, fmt.Errorf("%w: argument %d", device.ErrInvalidBuffer, i)
			}
			if _, live := e.live[buf]; !live {
				return nil, fmt.Errorf("%w: argument %d used after release", device.ErrInvalidBuffer, i)
			}
			bound[i] = buf.data
		case device.Local, device.Int32:
			bound[i] = v
		default:
			return nil, fmt.Errorf("%w: argument %d has unsupported type %T", device.ErrInvalidArgument, i, arg)
		}
	}
	return bound, nil
}

// LiveBuffers returns the number of allocated, unreleased buffers.
func (e *Executor) LiveBuffers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Close drops all buffers. Subsequent calls fail with device.ErrClosed.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if n := len(e.live); n > 0 {
		e.logger.Warn("Closing executor with live buffers", "buffers", n, "bytes", humanize.IBytes(uint64(e.allocated)))
	}
	e.closed = true
	e.live = nil
	e.allocated = 0
	return nil
}
