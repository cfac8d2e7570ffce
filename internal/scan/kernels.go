package scan

import _ "embed"

// KernelSource is the OpenCL C program implementing the scan primitives.
//
//go:embed scan.cl
var KernelSource string

// Primitive names a device kernel of KernelSource.
type Primitive string

const (
	PrimitiveBlockScan     Primitive = "block_scan"
	PrimitivePartialReduce Primitive = "partial_reduce"
	PrimitiveBroadcastAdd  Primitive = "broadcast_add"
)

// Primitives lists every kernel the engine dispatches.
func Primitives() []Primitive {
	return []Primitive{PrimitiveBlockScan, PrimitivePartialReduce, PrimitiveBroadcastAdd}
}
