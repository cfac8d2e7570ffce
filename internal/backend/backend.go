// Package backend selects a device.Executor by name.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cwbudde/prefixscan/internal/device"
	"github.com/cwbudde/prefixscan/internal/device/cpu"
	"github.com/cwbudde/prefixscan/internal/device/opencl"
)

// Backend identifies an executor implementation.
type Backend string

const (
	Auto   Backend = "auto"
	CPU    Backend = "cpu"
	OpenCL Backend = "opencl"
)

var (
	// ErrUnknownBackend is returned when the name does not match a known backend.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrBackendUnavailable indicates the requested backend has no usable device.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

var noopCleanup = func() {}

// openCL is swapped in tests.
var openCL = opencl.NewExecutor

// Normalize maps arbitrary user input to a canonical backend identifier.
func Normalize(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return Auto
	case "cpu", "host":
		return CPU
	case "gpu", "opencl", "cl":
		return OpenCL
	default:
		return Backend(name)
	}
}

// Supported returns the list of backends understood by New.
func Supported() []Backend {
	return []Backend{Auto, CPU, OpenCL}
}

// New constructs the requested executor and returns a cleanup hook that
// closes it. Auto prefers OpenCL and falls back to the host executor.
func New(name string, logger *slog.Logger) (device.Executor, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch Normalize(name) {
	case CPU:
		return withCleanup(cpu.New(cpu.WithLogger(logger)), logger)
	case OpenCL:
		exec, err := openCL(logger)
		if err != nil {
			return nil, noopCleanup, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return withCleanup(exec, logger)
	case Auto:
		exec, err := openCL(logger)
		if err != nil {
			logger.Warn("OpenCL unavailable, falling back to CPU executor", "err", err)
			return withCleanup(cpu.New(cpu.WithLogger(logger)), logger)
		}
		return withCleanup(exec, logger)
	default:
		return nil, noopCleanup, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}

func withCleanup(exec device.Executor, logger *slog.Logger) (device.Executor, func(), error) {
	return exec, func() {
		if err := exec.Close(); err != nil {
			logger.Warn("Failed to close executor", "device", exec.Info().Name, "err", err)
		}
	}, nil
}
