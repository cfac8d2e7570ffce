// Package device defines the boundary between host orchestration and a
// compute device: program compilation, buffer management and synchronous
// kernel dispatch.
package device

import "fmt"

//go:generate mockgen -package mocks -destination mocks/mock_executor.go github.com/cwbudde/prefixscan/internal/device Executor

// Float64Size is the byte width of one array element on every backend.
const Float64Size = 8

// AccessMode describes how kernels may touch a buffer.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// Buffer is a device-resident allocation.
type Buffer interface {
	// Size returns the allocation size in bytes.
	Size() int
	// Mode returns the access mode requested at allocation time.
	Mode() AccessMode
}

// Program is a compiled set of kernels.
type Program interface {
	// EntryPoints lists the kernel names that can be dispatched.
	EntryPoints() []string
}

// Local requests per-work-group scratch memory for the given number of
// float64 elements. Pass it in the kernel argument list.
type Local int

// Int32 is passed to kernels as a 32-bit signed integer.
type Int32 int32

// Executor owns a device, its command queue and the buffers allocated on it.
//
// Kernel arguments are Buffer, Local or Int32 values in declaration order.
// All operations are synchronous: they return once the device work is
// complete and its results are visible to the host.
type Executor interface {
	// Info describes the underlying device.
	Info() DeviceInfo

	// Compile builds a program from source text.
	// Fails with *CompilationError carrying the build log.
	Compile(source string) (Program, error)

	// Allocate reserves byteSize bytes of device memory.
	Allocate(byteSize int, mode AccessMode) (Buffer, error)

	// Upload copies src into the start of buf.
	Upload(buf Buffer, src []float64) error

	// Download copies the first len(dst) elements of buf into dst.
	Download(buf Buffer, dst []float64) error

	// Dispatch runs entry over globalSize work items split into groups of
	// localSize. globalSize must be a positive multiple of localSize.
	Dispatch(prog Program, entry string, args []any, globalSize, localSize int) error

	// Release frees a buffer. Releasing twice is an error.
	Release(buf Buffer) error

	// Close releases the device. Further calls fail.
	Close() error
}

// RoundUp returns the smallest multiple of block that is >= n.
func RoundUp(n, block int) int {
	return ((n + block - 1) / block) * block
}

// Blocks returns the number of blocks of capacity block needed for n elements.
func Blocks(n, block int) int {
	return (n + block - 1) / block
}
