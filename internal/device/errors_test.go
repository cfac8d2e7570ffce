package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, CodeSuccess},
		{"dispatch", NewDispatchError("dispatch block_scan", CodeInvalidWorkGroupSize, ErrInvalidGrid), CodeInvalidWorkGroupSize},
		{"wrapped dispatch", fmt.Errorf("level 2: %w", NewDispatchError("upload", CodeInvalidValue, ErrInvalidBuffer)), CodeInvalidValue},
		{"compile", &CompilationError{Log: "error", Code: CodeBuildProgramFailure}, CodeBuildProgramFailure},
		{"platform", &PlatformUnavailableError{Backend: "opencl", Err: ErrNoDevices}, CodeDeviceNotFound},
		{"plain", errors.New("boom"), CodeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorCode(tc.err))
		})
	}
}

func TestDispatchErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("scan: %w", NewDispatchError("dispatch partial_reduce", CodeInvalidKernelName, ErrUnknownKernel))

	assert.ErrorIs(t, err, ErrUnknownKernel)
	assert.True(t, IsDeviceError(err))
	assert.False(t, IsDeviceError(errors.New("unrelated")))
	assert.Equal(t, "scan: dispatch partial_reduce: unknown kernel", err.Error())
}

func TestPlatformUnavailableError(t *testing.T) {
	err := &PlatformUnavailableError{Backend: "opencl", Err: ErrNoDevices}

	assert.ErrorIs(t, err, ErrNoDevices)
	assert.Contains(t, err.Error(), "opencl platform unavailable")
}

func TestRoundUpAndBlocks(t *testing.T) {
	assert.Equal(t, 0, RoundUp(0, 4))
	assert.Equal(t, 4, RoundUp(1, 4))
	assert.Equal(t, 8, RoundUp(8, 4))
	assert.Equal(t, 12, RoundUp(9, 4))

	assert.Equal(t, 0, Blocks(0, 512))
	assert.Equal(t, 1, Blocks(512, 512))
	assert.Equal(t, 2, Blocks(513, 512))
}

func TestAccessModeString(t *testing.T) {
	assert.Equal(t, "read-only", ReadOnly.String())
	assert.Equal(t, "write-only", WriteOnly.String())
	assert.Equal(t, "read-write", ReadWrite.String())
	assert.Equal(t, "AccessMode(7)", AccessMode(7).String())
}
