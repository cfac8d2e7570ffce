package cpu

import (
	"fmt"

	"github.com/cwbudde/prefixscan/internal/device"
)

// Group identifies one work-group of a dispatch.
type Group struct {
	ID     int // get_group_id(0)
	Size   int // get_local_size(0)
	Global int // get_global_size(0)
}

// Start returns the global index of the group's first work item.
func (g Group) Start() int {
	return g.ID * g.Size
}

// End returns one past the last in-range global index, clamped to n.
func (g Group) End(n int) int {
	return min(g.Start()+g.Size, n)
}

// Kernel executes all work items of one work-group. Buffer arguments arrive
// as []float64, scalars as device.Int32 and scratch requests as device.Local.
type Kernel func(g Group, args []any) error

// DefaultKernels returns the host implementations of the scan primitives.
func DefaultKernels() map[string]Kernel {
	return map[string]Kernel{
		"block_scan":     blockScan,
		"partial_reduce": partialReduce,
		"broadcast_add":  broadcastAdd,
	}
}

// blockScan(in, out, scratch, n): block-local inclusive scan, accumulated
// strictly left to right. Lanes at or past n are left untouched.
func blockScan(g Group, args []any) error {
	if err := arity("block_scan", args, 4); err != nil {
		return err
	}
	in, err := floats(args, 0)
	if err != nil {
		return err
	}
	out, err := floats(args, 1)
	if err != nil {
		return err
	}
	scratch, err := local(args, 2)
	if err != nil {
		return err
	}
	n, err := scalar(args, 3)
	if err != nil {
		return err
	}
	if scratch < g.Size {
		return fmt.Errorf("%w: block_scan needs %d local elements, got %d", device.ErrInvalidArgument, g.Size, scratch)
	}

	end := g.End(n)
	if end > len(in) || end > len(out) {
		return fmt.Errorf("%w: block_scan reads past buffer end", device.ErrInvalidBuffer)
	}

	acc := 0.0
	for i := g.Start(); i < end; i++ {
		acc += in[i]
		out[i] = acc
	}
	return nil
}

// partialReduce(in, sums, n, blocks): sums[group] = last in-range element of the group.
func partialReduce(g Group, args []any) error {
	if err := arity("partial_reduce", args, 4); err != nil {
		return err
	}
	in, err := floats(args, 0)
	if err != nil {
		return err
	}
	sums, err := floats(args, 1)
	if err != nil {
		return err
	}
	n, err := scalar(args, 2)
	if err != nil {
		return err
	}
	blocks, err := scalar(args, 3)
	if err != nil {
		return err
	}

	if g.ID >= blocks || g.Start() >= n {
		return nil
	}
	last := g.End(n) - 1
	if last >= len(in) || g.ID >= len(sums) {
		return fmt.Errorf("%w: partial_reduce index out of range", device.ErrInvalidBuffer)
	}
	sums[g.ID] = in[last]
	return nil
}

// broadcastAdd(offsets, in, out, n): out[i] = in[i] + offsets[group].
func broadcastAdd(g Group, args []any) error {
	if err := arity("broadcast_add", args, 4); err != nil {
		return err
	}
	offsets, err := floats(args, 0)
	if err != nil {
		return err
	}
	in, err := floats(args, 1)
	if err != nil {
		return err
	}
	out, err := floats(args, 2)
	if err != nil {
		return err
	}
	n, err := scalar(args, 3)
	if err != nil {
		return err
	}

	end := g.End(n)
	if g.Start() >= end {
		return nil
	}
	if g.ID >= len(offsets) || end > len(in) || end > len(out) {
		return fmt.Errorf("%w: broadcast_add index out of range", device.ErrInvalidBuffer)
	}

	offset := offsets[g.ID]
	for i := g.Start(); i < end; i++ {
		out[i] = in[i] + offset
	}
	return nil
}

func arity(kernel string, args []any, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", device.ErrInvalidArgument, kernel, want, len(args))
	}
	return nil
}

func floats(args []any, i int) ([]float64, error) {
	v, ok := args[i].([]float64)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d must be a buffer, got %T", device.ErrInvalidArgument, i, args[i])
	}
	return v, nil
}

func scalar(args []any, i int) (int, error) {
	v, ok := args[i].(device.Int32)
	if !ok {
		return 0, fmt.Errorf("%w: argument %d must be an int, got %T", device.ErrInvalidArgument, i, args[i])
	}
	return int(v), nil
}

func local(args []any, i int) (int, error) {
	v, ok := args[i].(device.Local)
	if !ok {
		return 0, fmt.Errorf("%w: argument %d must be local memory, got %T", device.ErrInvalidArgument, i, args[i])
	}
	return int(v), nil
}
