package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/prefixscan/internal/device"
)

const testSource = `
#pragma OPENCL EXTENSION cl_khr_fp64 : enable

// block_scan(in, out, tmp, n)
__kernel void block_scan(__global const double *in, __global double *out,
                         __local double *tmp, const int n) { }

/* partial_reduce and broadcast_add */
__kernel void partial_reduce(__global const double *in, __global double *sums,
                             const int n, const int blocks) { }
__kernel void broadcast_add(__global const double *offsets, __global const double *in,
                            __global double *out, const int n) { }
`

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, device.Program) {
	t.Helper()

	exec := New(opts...)
	t.Cleanup(func() { _ = exec.Close() })

	prog, err := exec.Compile(testSource)
	require.NoError(t, err)
	return exec, prog
}

func upload(t *testing.T, exec *Executor, values []float64, mode device.AccessMode) device.Buffer {
	t.Helper()

	buf, err := exec.Allocate(len(values)*device.Float64Size, mode)
	require.NoError(t, err)
	require.NoError(t, exec.Upload(buf, values))
	return buf
}

func TestCompileResolvesEntryPoints(t *testing.T) {
	_, prog := newTestExecutor(t)

	assert.Equal(t, []string{"block_scan", "broadcast_add", "partial_reduce"}, prog.EntryPoints())
}

func TestCompileIgnoresCommentedKernels(t *testing.T) {
	exec := New()
	defer exec.Close()

	prog, err := exec.Compile(`
// __kernel void ghost(int x) {}
/* __kernel void other(int x) {} */
__kernel void block_scan(__global const double *in, __global double *out, __local double *t, const int n) {}
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"block_scan"}, prog.EntryPoints())
}

func TestCompileReportsMissingKernels(t *testing.T) {
	exec := New()
	defer exec.Close()

	_, err := exec.Compile(`__kernel void convolve(__global const double *a) {}`)
	require.Error(t, err)

	var compileErr *device.CompilationError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, device.CodeBuildProgramFailure, compileErr.Code)
	assert.Contains(t, compileErr.Log, "kernel 'convolve' has no host implementation")
}

func TestCompileRejectsEmptySource(t *testing.T) {
	exec := New()
	defer exec.Close()

	_, err := exec.Compile("int helper(int x) { return x; }")

	var compileErr *device.CompilationError
	require.ErrorAs(t, err, &compileErr)
	assert.Contains(t, compileErr.Log, "no kernel entry points")
}

func TestBlockScanKernel(t *testing.T) {
	exec, prog := newTestExecutor(t)

	values := []float64{3, 1, 4, 1, 5, 9, 2, 6, 5, 3}
	in := upload(t, exec, values, device.ReadOnly)
	out, err := exec.Allocate(len(values)*device.Float64Size, device.WriteOnly)
	require.NoError(t, err)

	err = exec.Dispatch(prog, "block_scan", []any{in, out, device.Local(4), device.Int32(len(values))}, 12, 4)
	require.NoError(t, err)

	got := make([]float64, len(values))
	require.NoError(t, exec.Download(out, got))
	assert.Equal(t, []float64{3, 4, 8, 9, 5, 14, 16, 22, 5, 8}, got)
}

func TestBlockScanKernelNeedsScratch(t *testing.T) {
	exec, prog := newTestExecutor(t)

	in := upload(t, exec, []float64{1, 2, 3, 4}, device.ReadOnly)
	out := upload(t, exec, make([]float64, 4), device.WriteOnly)

	err := exec.Dispatch(prog, "block_scan", []any{in, out, device.Local(2), device.Int32(4)}, 4, 4)

	var dispatchErr *device.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
}

func TestPartialReduceKernelSkipsPadding(t *testing.T) {
	exec, prog := newTestExecutor(t)

	scanned := []float64{1, 3, 3, 7, 5}
	in := upload(t, exec, scanned, device.ReadOnly)
	sums, err := exec.Allocate(3*device.Float64Size, device.WriteOnly)
	require.NoError(t, err)

	err = exec.Dispatch(prog, "partial_reduce", []any{in, sums, device.Int32(5), device.Int32(3)}, 6, 2)
	require.NoError(t, err)

	got := make([]float64, 3)
	require.NoError(t, exec.Download(sums, got))
	assert.Equal(t, []float64{3, 7, 5}, got)
}

func TestBroadcastAddKernel(t *testing.T) {
	exec, prog := newTestExecutor(t)

	offsets := upload(t, exec, []float64{0, 3, 10}, device.ReadOnly)
	in := upload(t, exec, []float64{1, 3, 3, 7, 5}, device.ReadOnly)
	out, err := exec.Allocate(5*device.Float64Size, device.WriteOnly)
	require.NoError(t, err)

	err = exec.Dispatch(prog, "broadcast_add", []any{offsets, in, out, device.Int32(5)}, 6, 2)
	require.NoError(t, err)

	got := make([]float64, 5)
	require.NoError(t, exec.Download(out, got))
	assert.Equal(t, []float64{1, 3, 6, 10, 15}, got)
}

func TestDispatchRejectsInvalidGrid(t *testing.T) {
	exec, prog := newTestExecutor(t, WithMaxWorkGroupSize(8))

	in := upload(t, exec, []float64{1, 2, 3}, device.ReadOnly)
	out := upload(t, exec, make([]float64, 3), device.WriteOnly)
	args := []any{in, out, device.Local(4), device.Int32(3)}

	for _, grid := range []struct{ global, local int }{{3, 4}, {6, 4}, {0, 4}, {16, 16}, {4, 0}} {
		err := exec.Dispatch(prog, "block_scan", args, grid.global, grid.local)

		var dispatchErr *device.DispatchError
		require.ErrorAs(t, err, &dispatchErr, "global=%d local=%d", grid.global, grid.local)
		assert.Equal(t, device.CodeInvalidWorkGroupSize, dispatchErr.Code)
		assert.ErrorIs(t, err, device.ErrInvalidGrid)
	}
}

func TestDispatchRejectsUnknownKernel(t *testing.T) {
	exec, prog := newTestExecutor(t)

	err := exec.Dispatch(prog, "scan_hillis_steele", nil, 4, 4)

	var dispatchErr *device.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, device.CodeInvalidKernelName, dispatchErr.Code)
}

func TestDispatchRejectsForeignProgram(t *testing.T) {
	exec, _ := newTestExecutor(t)
	_, otherProg := newTestExecutor(t)

	err := exec.Dispatch(otherProg, "block_scan", nil, 4, 4)
	assert.Equal(t, device.CodeInvalidProgram, device.ErrorCode(err))
}

func TestDispatchRejectsReleasedBuffer(t *testing.T) {
	exec, prog := newTestExecutor(t)

	in := upload(t, exec, []float64{1, 2}, device.ReadOnly)
	out := upload(t, exec, make([]float64, 2), device.WriteOnly)
	require.NoError(t, exec.Release(in))

	err := exec.Dispatch(prog, "block_scan", []any{in, out, device.Local(2), device.Int32(2)}, 2, 2)
	assert.ErrorIs(t, err, device.ErrInvalidBuffer)
	assert.Equal(t, device.CodeInvalidKernelArgs, device.ErrorCode(err))
}

func TestAllocateValidatesSize(t *testing.T) {
	exec := New()
	defer exec.Close()

	for _, size := range []int{0, -8, 12} {
		_, err := exec.Allocate(size, device.ReadOnly)
		assert.Equal(t, device.CodeInvalidBufferSize, device.ErrorCode(err), "size %d", size)
	}
}

func TestAllocateHonoursMemoryLimit(t *testing.T) {
	exec := New(WithMemoryLimit(64))
	defer exec.Close()

	first, err := exec.Allocate(48, device.ReadOnly)
	require.NoError(t, err)

	_, err = exec.Allocate(24, device.WriteOnly)
	assert.Equal(t, device.CodeMemAllocationFailure, device.ErrorCode(err))

	require.NoError(t, exec.Release(first))
	_, err = exec.Allocate(24, device.WriteOnly)
	assert.NoError(t, err)
}

func TestReleaseTwiceFails(t *testing.T) {
	exec := New()
	defer exec.Close()

	buf, err := exec.Allocate(16, device.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.LiveBuffers())

	require.NoError(t, exec.Release(buf))
	assert.Equal(t, 0, exec.LiveBuffers())

	err = exec.Release(buf)
	assert.Equal(t, device.CodeInvalidMemObject, device.ErrorCode(err))
}

func TestUploadRejectsOversizedData(t *testing.T) {
	exec := New()
	defer exec.Close()

	buf, err := exec.Allocate(2*device.Float64Size, device.ReadOnly)
	require.NoError(t, err)

	err = exec.Upload(buf, []float64{1, 2, 3})
	assert.ErrorIs(t, err, device.ErrInvalidBuffer)
}

func TestClosedExecutorFails(t *testing.T) {
	exec := New()
	require.NoError(t, exec.Close())
	require.NoError(t, exec.Close())

	_, err := exec.Allocate(8, device.ReadOnly)
	assert.ErrorIs(t, err, device.ErrClosed)

	_, err = exec.Compile(testSource)
	assert.ErrorIs(t, err, device.ErrClosed)
}

func TestWithKernelExtendsPrograms(t *testing.T) {
	var seen []int
	exec := New(WithWorkers(1), WithKernel("record", func(g Group, _ []any) error {
		seen = append(seen, g.ID)
		return nil
	}))
	defer exec.Close()

	prog, err := exec.Compile(`__kernel void record() {}`)
	require.NoError(t, err)
	require.NoError(t, exec.Dispatch(prog, "record", nil, 12, 4))

	assert.ElementsMatch(t, []int{0, 1, 2}, seen)
}

func TestInfo(t *testing.T) {
	exec := New(WithWorkers(3), WithMaxWorkGroupSize(256))
	defer exec.Close()

	info := exec.Info()
	assert.Equal(t, device.DeviceTypeCPU, info.Type)
	assert.Equal(t, uint32(3), info.MaxComputeUnits)
	assert.Equal(t, 256, info.MaxWorkGroupSize)
}
