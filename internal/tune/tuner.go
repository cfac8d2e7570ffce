package tune

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cwbudde/prefixscan/internal/device"
	"github.com/cwbudde/prefixscan/internal/scan"
)

// ErrInvalidRange is returned for unusable exponent bounds.
var ErrInvalidRange = errors.New("invalid block size exponent range")

// ErrNoMeasurement is returned when every evaluated block size failed.
var ErrNoMeasurement = errors.New("no block size could be measured")

// Measure times one scan with the given block size.
type Measure func(blockSize int) (time.Duration, error)

// Evaluation reports one objective evaluation.
type Evaluation struct {
	Index     int
	BlockSize int
	Duration  time.Duration
	Cached    bool
	Err       error
}

// Config controls a tuning run. The search covers block sizes 2^MinExp
// through 2^MaxExp.
type Config struct {
	MinExp    int
	MaxExp    int
	Optimizer Optimizer
	Trace     *TraceWriter
	OnEval    func(Evaluation)
	Logger    *slog.Logger
}

// Result is the outcome of a tuning run.
type Result struct {
	RunID       string
	BlockSize   int
	Cost        time.Duration
	Evaluations int
	// Measured counts distinct block sizes actually timed.
	Measured int
}

func (c *Config) validate() error {
	var err error
	if c.MinExp < 1 {
		err = multierror.Append(err, fmt.Errorf("%w: minimum exponent %d gives a block size below 2", ErrInvalidRange, c.MinExp))
	}
	if c.MaxExp < c.MinExp {
		err = multierror.Append(err, fmt.Errorf("%w: maximum exponent %d is below minimum %d", ErrInvalidRange, c.MaxExp, c.MinExp))
	}
	if c.MaxExp > 30 {
		err = multierror.Append(err, fmt.Errorf("%w: maximum exponent %d is too large", ErrInvalidRange, c.MaxExp))
	}
	if c.Optimizer == nil && c.MaxExp > c.MinExp {
		err = multierror.Append(err, errors.New("optimizer not specified"))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return err
}

// BlockSizeFor maps a continuous exponent to a power-of-two block size
// clamped to [2^minExp, 2^maxExp].
func BlockSizeFor(x float64, minExp, maxExp int) int {
	e := int(math.Round(x))
	e = max(minExp, min(maxExp, e))
	return 1 << e
}

type tuner struct {
	cfg      Config
	runID    string
	measure  Measure
	memo     map[int]time.Duration
	failed   map[int]error
	evals    int
	traceErr error
}

// Tune searches for the fastest block size. Each block size is measured at
// most once; repeated proposals reuse the first measurement.
func Tune(cfg Config, measure Measure) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	t := &tuner{
		cfg:     cfg,
		runID:   uuid.NewString(),
		measure: measure,
		memo:    make(map[int]time.Duration),
		failed:  make(map[int]error),
	}
	cfg.Logger.Info("Tuning block size",
		"run_id", t.runID,
		"min_block", 1<<cfg.MinExp,
		"max_block", 1<<cfg.MaxExp,
	)

	if cfg.MaxExp == cfg.MinExp {
		t.eval([]float64{float64(cfg.MinExp)})
	} else {
		lower := []float64{float64(cfg.MinExp)}
		upper := []float64{float64(cfg.MaxExp)}
		if _, _, err := cfg.Optimizer.Run(t.eval, lower, upper, 1); err != nil {
			return Result{}, fmt.Errorf("optimizer failed: %w", err)
		}
	}

	if t.traceErr != nil {
		return Result{}, t.traceErr
	}
	return t.result()
}

func (t *tuner) eval(x []float64) float64 {
	b := BlockSizeFor(x[0], t.cfg.MinExp, t.cfg.MaxExp)
	t.evals++

	ev := Evaluation{Index: t.evals, BlockSize: b}
	if d, ok := t.memo[b]; ok {
		ev.Duration, ev.Cached = d, true
	} else if err, ok := t.failed[b]; ok {
		ev.Cached, ev.Err = true, err
	} else {
		d, err := t.measure(b)
		if err != nil {
			t.failed[b] = err
			ev.Err = err
			t.cfg.Logger.Warn("Block size measurement failed", "block_size", b, "err", err)
		} else {
			t.memo[b] = d
			ev.Duration = d
			t.cfg.Logger.Debug("Block size measured", "block_size", b, "duration", d)
		}
	}

	t.record(ev)
	if t.cfg.OnEval != nil {
		t.cfg.OnEval(ev)
	}
	if ev.Err != nil {
		return math.Inf(1)
	}
	return ev.Duration.Seconds()
}

func (t *tuner) record(ev Evaluation) {
	if t.cfg.Trace == nil || t.traceErr != nil || ev.Err != nil {
		return
	}
	t.traceErr = t.cfg.Trace.Write(TraceEntry{
		RunID:      t.runID,
		Evaluation: ev.Index,
		BlockSize:  ev.BlockSize,
		Seconds:    ev.Duration.Seconds(),
		Cached:     ev.Cached,
		Timestamp:  time.Now(),
	})
}

func (t *tuner) result() (Result, error) {
	res := Result{RunID: t.runID, Evaluations: t.evals, Measured: len(t.memo)}
	if len(t.memo) == 0 {
		var err error = ErrNoMeasurement
		for _, ferr := range t.failed {
			err = multierror.Append(err, ferr)
		}
		return res, err
	}

	for b, d := range t.memo {
		if res.BlockSize == 0 || d < res.Cost || (d == res.Cost && b < res.BlockSize) {
			res.BlockSize, res.Cost = b, d
		}
	}
	return res, nil
}

// EngineMeasure times scans of a random array of length n on exec. Each
// block size is timed reps times and the fastest run counts.
func EngineMeasure(exec device.Executor, n int, seed int64, reps int) Measure {
	rng := rand.New(rand.NewSource(seed))
	input := make([]float64, n)
	for i := range input {
		input[i] = rng.Float64()*2 - 1
	}
	reps = max(reps, 1)

	return func(blockSize int) (time.Duration, error) {
		engine, err := scan.NewEngine(exec, scan.WithBlockSize(blockSize))
		if err != nil {
			return 0, err
		}

		data := make([]float64, n)
		best := time.Duration(math.MaxInt64)
		for range reps {
			copy(data, input)
			start := time.Now()
			if err := engine.Scan(data); err != nil {
				return 0, err
			}
			best = min(best, time.Since(start))
		}
		return best, nil
	}
}
