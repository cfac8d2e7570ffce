// Package opencl implements device.Executor on an OpenCL device through cgo.
// The implementation is compiled only with the "gpu" build tag; without it
// NewExecutor reports the platform as unavailable.
package opencl

import "errors"

// Backend is the name reported in platform errors.
const Backend = "opencl"

// ErrNotBuilt indicates the binary was built without OpenCL support.
var ErrNotBuilt = errors.New("opencl support requires building with '-tags gpu'")
