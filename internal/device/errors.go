package device

import (
	"errors"
	"fmt"
)

// Status codes reported with device failures. Values follow OpenCL.
const (
	CodeSuccess              = 0
	CodeDeviceNotFound       = -1
	CodeMemAllocationFailure = -4
	CodeOutOfResources       = -5
	CodeBuildProgramFailure  = -11
	CodeInvalidValue         = -30
	CodeInvalidMemObject     = -38
	CodeInvalidProgram       = -44
	CodeInvalidKernelName    = -46
	CodeInvalidKernelArgs    = -52
	CodeInvalidWorkGroupSize = -54
	CodeInvalidBufferSize    = -61
	CodeUnknown              = -9999
)

var (
	// ErrNoDevices indicates that no usable device was found.
	ErrNoDevices = errors.New("no compute devices found")
	// ErrClosed is returned by executors after Close.
	ErrClosed = errors.New("executor closed")
	// ErrInvalidGrid is returned when the dispatch shape is not a positive multiple of the group size.
	ErrInvalidGrid = errors.New("invalid dispatch grid")
	// ErrUnknownKernel is returned when a program has no such entry point.
	ErrUnknownKernel = errors.New("unknown kernel")
	// ErrInvalidBuffer is returned for foreign, released or undersized buffers.
	ErrInvalidBuffer = errors.New("invalid buffer")
	// ErrInvalidArgument is returned when kernel arguments do not match the kernel.
	ErrInvalidArgument = errors.New("invalid kernel argument")
)

// CompilationError reports a program that failed to build.
type CompilationError struct {
	Log  string
	Code int
	Err  error
}

func (e *CompilationError) Error() string {
	if e.Err == nil {
		return "program build failed"
	}
	return "program build failed: " + e.Err.Error()
}

func (e *CompilationError) Unwrap() error { return e.Err }

// DispatchError reports a failed allocation, transfer or kernel launch.
type DispatchError struct {
	Op   string
	Code int
	Err  error
}

// NewDispatchError wraps err as a failure of op with the given status code.
func NewDispatchError(op string, code int, err error) *DispatchError {
	return &DispatchError{Op: op, Code: code, Err: err}
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PlatformUnavailableError reports that no compatible device could be opened.
type PlatformUnavailableError struct {
	Backend string
	Err     error
}

func (e *PlatformUnavailableError) Error() string {
	return fmt.Sprintf("%s platform unavailable: %v", e.Backend, e.Err)
}

func (e *PlatformUnavailableError) Unwrap() error { return e.Err }

// ErrorCode extracts the status code carried by err, CodeSuccess for nil and
// CodeUnknown for errors that did not originate from a device.
func ErrorCode(err error) int {
	if err == nil {
		return CodeSuccess
	}

	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Code
	}

	var compileErr *CompilationError
	if errors.As(err, &compileErr) {
		return compileErr.Code
	}

	var platformErr *PlatformUnavailableError
	if errors.As(err, &platformErr) {
		return CodeDeviceNotFound
	}

	return CodeUnknown
}

// IsDeviceError reports whether err is one of the device error types.
func IsDeviceError(err error) bool {
	var dispatchErr *DispatchError
	var compileErr *CompilationError
	var platformErr *PlatformUnavailableError
	return errors.As(err, &dispatchErr) || errors.As(err, &compileErr) || errors.As(err, &platformErr)
}
