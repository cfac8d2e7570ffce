//go:build gpu

package opencl

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/prefixscan/internal/device"
	"github.com/cwbudde/prefixscan/internal/device/cpu"
	"github.com/cwbudde/prefixscan/internal/scan"
)

func newTestExecutor(t *testing.T) device.Executor {
	t.Helper()

	exec, err := NewExecutor(nil)
	if err != nil {
		var unavailable *device.PlatformUnavailableError
		if errors.As(err, &unavailable) {
			t.Skipf("no OpenCL device: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestOpenCLScanMatchesCPU(t *testing.T) {
	exec := newTestExecutor(t)
	host := cpu.New()
	defer host.Close()

	block := 64
	if limit := exec.Info().MaxWorkGroupSize; limit < block {
		block = limit
	}

	gpuEngine, err := scan.NewEngine(exec, scan.WithBlockSize(block))
	require.NoError(t, err)
	cpuEngine, err := scan.NewEngine(host, scan.WithBlockSize(block))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{1, block - 1, block, block + 1, block*block + 3} {
		data := make([]float64, n)
		for i := range data {
			data[i] = float64(rng.Intn(2000)-1000) / 8
		}
		want := append([]float64(nil), data...)
		got := append([]float64(nil), data...)

		require.NoError(t, cpuEngine.Scan(want))
		require.NoError(t, gpuEngine.Scan(got))
		require.True(t, floats.Equal(want, got), "n=%d", n)
	}
}

func TestOpenCLCompilationErrorCarriesLog(t *testing.T) {
	exec := newTestExecutor(t)

	_, err := exec.Compile("__kernel void broken(__global double* a) { a[0] = ; }")
	require.Error(t, err)

	var compileErr *device.CompilationError
	require.ErrorAs(t, err, &compileErr)
	require.NotEmpty(t, compileErr.Log)
	require.Equal(t, device.CodeBuildProgramFailure, compileErr.Code)
}

func TestOpenCLRejectsInvalidGrid(t *testing.T) {
	exec := newTestExecutor(t)

	prog, err := exec.Compile(scan.KernelSource)
	require.NoError(t, err)

	buf, err := exec.Allocate(8*device.Float64Size, device.ReadWrite)
	require.NoError(t, err)
	defer exec.Release(buf)

	err = exec.Dispatch(prog, string(scan.PrimitiveBlockScan), []any{buf, buf, device.Local(4), device.Int32(8)}, 10, 4)
	require.ErrorIs(t, err, device.ErrInvalidGrid)
	require.Equal(t, device.CodeInvalidWorkGroupSize, device.ErrorCode(err))
}

func TestEnumeratePlatforms(t *testing.T) {
	platforms, err := EnumeratePlatforms()
	if err != nil {
		t.Skipf("no OpenCL platform: %v", err)
	}
	require.NotEmpty(t, platforms)
}
