//go:build !gpu

package opencl

import (
	"log/slog"

	"github.com/cwbudde/prefixscan/internal/device"
)

// NewExecutor returns a platform error when OpenCL support is not compiled in.
func NewExecutor(_ *slog.Logger) (device.Executor, error) {
	return nil, &device.PlatformUnavailableError{Backend: Backend, Err: ErrNotBuilt}
}

// EnumeratePlatforms returns ErrNotBuilt when OpenCL support is not compiled in.
func EnumeratePlatforms() ([]device.PlatformInfo, error) {
	return nil, ErrNotBuilt
}
