// Package scan computes inclusive prefix sums of arbitrary length on a
// compute device using fixed-capacity block primitives.
//
// A scan of N elements runs block_scan over blocks of capacity B, gathers
// one total per block with partial_reduce, scans those ⌈N/B⌉ totals with the
// same algorithm, and folds the exclusive block offsets back in with
// broadcast_add. Each level waits for its device round trip before the next
// step starts.
package scan

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cwbudde/prefixscan/internal/device"
)

// DefaultBlockSize is the work-group size used when none is configured.
const DefaultBlockSize = 512

var (
	// ErrInvalidBlockSize is returned for block capacities the engine cannot use.
	ErrInvalidBlockSize = errors.New("invalid block size")
	// ErrNilExecutor is returned when no executor is supplied.
	ErrNilExecutor = errors.New("executor not specified")
	// ErrShapeMismatch is returned when offsets do not cover every block.
	ErrShapeMismatch = errors.New("offsets do not match block count")
)

// Engine bundles an executor, its compiled scan program and the block
// capacity. It holds no other state, so one Engine can serve many scans.
type Engine struct {
	exec      device.Executor
	program   device.Program
	blockSize int
	metrics   *Metrics
	logger    *slog.Logger
}

type options struct {
	blockSize int
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithBlockSize sets the block capacity B. It must be at least 2 and no
// larger than the device's maximum work-group size.
func WithBlockSize(b int) Option {
	return func(o *options) { o.blockSize = b }
}

// WithMetrics records dispatch and scan counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger for per-level debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func (o *options) validate(exec device.Executor) error {
	var err error
	if exec == nil {
		err = multierror.Append(err, ErrNilExecutor)
	}
	if o.blockSize < 2 {
		err = multierror.Append(err, fmt.Errorf("%w: %d is below 2", ErrInvalidBlockSize, o.blockSize))
	} else if exec != nil {
		if limit := exec.Info().MaxWorkGroupSize; limit > 0 && o.blockSize > limit {
			err = multierror.Append(err, fmt.Errorf("%w: %d exceeds device work-group limit %d", ErrInvalidBlockSize, o.blockSize, limit))
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return err
}

// NewEngine compiles KernelSource on exec. Compilation failures are returned
// as *device.CompilationError.
func NewEngine(exec device.Executor, opts ...Option) (*Engine, error) {
	o := options{blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(exec); err != nil {
		return nil, err
	}

	program, err := exec.Compile(KernelSource)
	if err != nil {
		var compileErr *device.CompilationError
		if errors.As(err, &compileErr) && compileErr.Log != "" {
			o.logger.Error("Scan program build log", "log", compileErr.Log)
		}
		return nil, err
	}

	return &Engine{
		exec:      exec,
		program:   program,
		blockSize: o.blockSize,
		metrics:   o.metrics,
		logger:    o.logger,
	}, nil
}

// BlockSize returns the block capacity B.
func (e *Engine) BlockSize() int {
	return e.blockSize
}

// Stats describes the work done by one top-level scan.
type Stats struct {
	// Levels counts recursion levels including the top call; zero for empty input.
	Levels     int
	Dispatches map[Primitive]int
}

// TotalDispatches sums dispatches over all primitives.
func (s Stats) TotalDispatches() int {
	total := 0
	for _, n := range s.Dispatches {
		total += n
	}
	return total
}

// Scan replaces data with its inclusive prefix sum.
// On error the contents of data are unspecified.
func (e *Engine) Scan(data []float64) error {
	_, err := e.Run(data)
	return err
}

// Run is Scan that also reports the work performed.
func (e *Engine) Run(data []float64) (Stats, error) {
	stats := Stats{Dispatches: make(map[Primitive]int)}
	err := e.scan(data, 0, &stats)
	e.metrics.finished(len(data), stats, err)
	if err != nil {
		e.logger.Debug("Scan aborted", "n", len(data), "levels", stats.Levels, "err", err)
		return stats, err
	}
	return stats, nil
}

func (e *Engine) scan(data []float64, level int, stats *Stats) error {
	n := len(data)
	if n == 0 {
		return nil
	}
	stats.Levels = max(stats.Levels, level+1)

	if err := e.blockScan(data, stats); err != nil {
		return err
	}
	if n <= e.blockSize {
		e.logger.Debug("Scan level resolved in one block", "level", level, "n", n)
		return nil
	}

	sums, err := e.partialReduce(data, stats)
	if err != nil {
		return err
	}
	e.logger.Debug("Scan level reduced", "level", level, "n", n, "blocks", len(sums))

	if err := e.scan(sums, level+1, stats); err != nil {
		return err
	}

	// Block j is shifted by the total of blocks 0..j-1 only.
	offsets := make([]float64, len(sums))
	copy(offsets[1:], sums[:len(sums)-1])

	return e.broadcastAdd(offsets, data, stats)
}
