//go:build gpu

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/cwbudde/prefixscan/internal/device"
)

// Executor dispatches kernels on one OpenCL device. Calls are serialised on
// the device's single in-order queue.
type Executor struct {
	rt       *runtime
	logger   *slog.Logger
	mu       sync.Mutex
	programs []*program
	closed   bool
}

type buffer struct {
	mem   C.cl_mem
	size  int
	mode  device.AccessMode
	owner *Executor
}

func (b *buffer) Size() int               { return b.size }
func (b *buffer) Mode() device.AccessMode { return b.mode }

type program struct {
	handle C.cl_program
	names  []string
	owner  *Executor
}

func (p *program) EntryPoints() []string {
	return append([]string(nil), p.names...)
}

// NewExecutor opens the preferred OpenCL device.
func NewExecutor(logger *slog.Logger) (device.Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt, err := initRuntime()
	if err != nil {
		return nil, &device.PlatformUnavailableError{Backend: Backend, Err: err}
	}

	logger.Info("OpenCL device selected",
		"platform", rt.platformInfo.Name,
		"device", rt.deviceInfo.Name,
		"vendor", rt.deviceInfo.Vendor,
		"compute_units", rt.deviceInfo.MaxComputeUnits,
		"max_work_group", rt.deviceInfo.MaxWorkGroupSize,
		"global_mem", humanize.IBytes(rt.deviceInfo.GlobalMemBytes),
	)

	return &Executor{rt: rt, logger: logger}, nil
}

// Info describes the selected device.
func (e *Executor) Info() device.DeviceInfo {
	return e.rt.deviceInfo
}

// Compile builds source for the selected device.
func (e *Executor) Compile(source string) (device.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, &device.CompilationError{Code: device.CodeInvalidValue, Err: device.ErrClosed}
	}

	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	var status C.cl_int
	handle := C.clCreateProgramWithSource(e.rt.context, 1, &src, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, &device.CompilationError{Code: int(status), Err: statusError("clCreateProgramWithSource", status)}
	}

	status = C.clBuildProgram(handle, 1, &e.rt.deviceID, nil, nil, nil)
	if status != C.CL_SUCCESS {
		log := e.buildLog(handle)
		C.clReleaseProgram(handle)
		return nil, &device.CompilationError{Log: log, Code: int(status), Err: statusError("clBuildProgram", status)}
	}

	names, err := kernelNames(handle)
	if err != nil {
		C.clReleaseProgram(handle)
		return nil, &device.CompilationError{Code: statusCode(err, device.CodeInvalidProgram), Err: err}
	}

	p := &program{handle: handle, names: names, owner: e}
	e.programs = append(e.programs, p)
	return p, nil
}

func (e *Executor) buildLog(handle C.cl_program) string {
	var size C.size_t
	if status := C.clGetProgramBuildInfo(handle, e.rt.deviceID, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size); status != C.CL_SUCCESS {
		e.logger.Error("OpenCL: failed to fetch build log size", "err", statusError("clGetProgramBuildInfo", status))
		return ""
	}
	if size == 0 {
		return ""
	}

	buf := make([]byte, int(size))
	if status := C.clGetProgramBuildInfo(handle, e.rt.deviceID, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		e.logger.Error("OpenCL: failed to fetch build log", "err", statusError("clGetProgramBuildInfo", status))
		return ""
	}
	return trimNull(buf)
}

func kernelNames(handle C.cl_program) ([]string, error) {
	var size C.size_t
	status := C.clGetProgramInfo(handle, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetProgramInfo(size)", status)
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, int(size))
	status = C.clGetProgramInfo(handle, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetProgramInfo(value)", status)
	}

	names := strings.Split(trimNull(buf), ";")
	sort.Strings(names)
	return names, nil
}

// Allocate creates a device buffer.
func (e *Executor) Allocate(byteSize int, mode device.AccessMode) (device.Buffer, error) {
	if byteSize <= 0 {
		return nil, device.NewDispatchError("allocate", device.CodeInvalidBufferSize,
			fmt.Errorf("%w: size %d", device.ErrInvalidBuffer, byteSize))
	}

	var flags C.cl_mem_flags
	switch mode {
	case device.ReadOnly:
		flags = C.CL_MEM_READ_ONLY
	case device.WriteOnly:
		flags = C.CL_MEM_WRITE_ONLY
	default:
		flags = C.CL_MEM_READ_WRITE
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, device.NewDispatchError("allocate", device.CodeInvalidValue, device.ErrClosed)
	}

	var status C.cl_int
	mem := C.clCreateBuffer(e.rt.context, flags, C.size_t(byteSize), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, device.NewDispatchError("allocate", int(status), statusError("clCreateBuffer", status))
	}

	return &buffer{mem: mem, size: byteSize, mode: mode, owner: e}, nil
}

// Upload performs a blocking host to device copy.
func (e *Executor) Upload(b device.Buffer, src []float64) error {
	buf, err := e.own("upload", b, len(src))
	if err != nil || len(src) == 0 {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bytes := C.size_t(len(src) * device.Float64Size)
	status := C.clEnqueueWriteBuffer(e.rt.queue, buf.mem, C.CL_TRUE, 0, bytes, unsafe.Pointer(&src[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return device.NewDispatchError("upload", int(status), statusError("clEnqueueWriteBuffer", status))
	}
	return nil
}

// Download performs a blocking device to host copy.
func (e *Executor) Download(b device.Buffer, dst []float64) error {
	buf, err := e.own("download", b, len(dst))
	if err != nil || len(dst) == 0 {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bytes := C.size_t(len(dst) * device.Float64Size)
	status := C.clEnqueueReadBuffer(e.rt.queue, buf.mem, C.CL_TRUE, 0, bytes, unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return device.NewDispatchError("download", int(status), statusError("clEnqueueReadBuffer", status))
	}
	return nil
}

func (e *Executor) own(op string, b device.Buffer, elems int) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok || buf.owner != e || buf.mem == nil {
		return nil, device.NewDispatchError(op, device.CodeInvalidMemObject, device.ErrInvalidBuffer)
	}
	if elems*device.Float64Size > buf.size {
		return nil, device.NewDispatchError(op, device.CodeInvalidValue,
			fmt.Errorf("%w: %d elements do not fit in %d bytes", device.ErrInvalidBuffer, elems, buf.size))
	}
	return buf, nil
}

// Dispatch enqueues entry over the grid and waits for the queue to drain.
func (e *Executor) Dispatch(prog device.Program, entry string, args []any, globalSize, localSize int) error {
	op := "dispatch " + entry

	p, ok := prog.(*program)
	if !ok || p.owner != e {
		return device.NewDispatchError(op, device.CodeInvalidProgram, fmt.Errorf("program was not built by this executor"))
	}
	if localSize <= 0 || globalSize <= 0 || globalSize%localSize != 0 {
		return device.NewDispatchError(op, device.CodeInvalidWorkGroupSize,
			fmt.Errorf("%w: global %d, local %d", device.ErrInvalidGrid, globalSize, localSize))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return device.NewDispatchError(op, device.CodeInvalidValue, device.ErrClosed)
	}

	name := C.CString(entry)
	defer C.free(unsafe.Pointer(name))

	var status C.cl_int
	kernel := C.clCreateKernel(p.handle, name, &status)
	if status != C.CL_SUCCESS {
		return device.NewDispatchError(op, int(status), statusError("clCreateKernel", status))
	}
	defer C.clReleaseKernel(kernel)

	for i, arg := range args {
		if err := e.setArg(kernel, i, arg); err != nil {
			return device.NewDispatchError(op, statusCode(err, device.CodeInvalidKernelArgs), err)
		}
	}

	global := C.size_t(globalSize)
	local := C.size_t(localSize)
	status = C.clEnqueueNDRangeKernel(e.rt.queue, kernel, 1, nil, &global, &local, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return device.NewDispatchError(op, int(status), statusError("clEnqueueNDRangeKernel", status))
	}

	status = C.clFinish(e.rt.queue)
	if status != C.CL_SUCCESS {
		return device.NewDispatchError(op, int(status), statusError("clFinish", status))
	}

	e.logger.Debug("Kernel dispatched", "kernel", entry, "global", globalSize, "local", localSize)
	return nil
}

func (e *Executor) setArg(kernel C.cl_kernel, i int, arg any) error {
	index := C.cl_uint(i)
	var status C.cl_int

	switch v := arg.(type) {
	case device.Buffer:
		buf, ok := v.(*buffer)
		if !ok || buf.owner != e || buf.mem == nil {
			return fmt.Errorf("%w: argument %d", device.ErrInvalidBuffer, i)
		}
		mem := buf.mem
		status = C.clSetKernelArg(kernel, index, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case device.Int32:
		value := C.cl_int(v)
		status = C.clSetKernelArg(kernel, index, C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value))
	case device.Local:
		status = C.clSetKernelArg(kernel, index, C.size_t(int(v)*device.Float64Size), nil)
	default:
		return fmt.Errorf("%w: argument %d has unsupported type %T", device.ErrInvalidArgument, i, arg)
	}

	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%d)", i), status)
	}
	return nil
}

// Release frees a device buffer.
func (e *Executor) Release(b device.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := b.(*buffer)
	if !ok || buf.owner != e {
		return device.NewDispatchError("release", device.CodeInvalidMemObject, device.ErrInvalidBuffer)
	}
	if buf.mem == nil {
		return device.NewDispatchError("release", device.CodeInvalidMemObject,
			fmt.Errorf("%w: already released", device.ErrInvalidBuffer))
	}

	status := C.clReleaseMemObject(buf.mem)
	buf.mem = nil
	if status != C.CL_SUCCESS {
		return device.NewDispatchError("release", int(status), statusError("clReleaseMemObject", status))
	}
	return nil
}

// Close releases compiled programs, the queue and the context.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, p := range e.programs {
		C.clReleaseProgram(p.handle)
		p.handle = nil
	}
	e.programs = nil
	e.rt.close()
	return nil
}
