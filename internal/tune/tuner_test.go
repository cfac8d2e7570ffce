package tune

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/prefixscan/internal/device/cpu"
	"github.com/cwbudde/prefixscan/internal/scan"
)

// scripted proposes a fixed sequence of exponents.
type scripted struct {
	points []float64
}

func (s scripted) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	best, bestCost := []float64{lower[0]}, eval([]float64{lower[0]})
	for _, p := range s.points {
		if c := eval([]float64{p}); c < bestCost {
			best, bestCost = []float64{p}, c
		}
	}
	return best, bestCost, nil
}

type failing struct{}

func (failing) Run(func([]float64) float64, []float64, []float64, int) ([]float64, float64, error) {
	return nil, 0, errors.New("boom")
}

// bowl is fastest at 2^6.
func bowl(calls map[int]int) Measure {
	return func(b int) (time.Duration, error) {
		calls[b]++
		e := 0
		for 1<<e < b {
			e++
		}
		d := e - 6
		return time.Duration(d*d+1) * time.Millisecond, nil
	}
}

func TestBlockSizeFor(t *testing.T) {
	assert.Equal(t, 4, BlockSizeFor(2.2, 1, 10))
	assert.Equal(t, 8, BlockSizeFor(2.5, 1, 10))
	assert.Equal(t, 2, BlockSizeFor(-3, 1, 10))
	assert.Equal(t, 1024, BlockSizeFor(42, 1, 10))
}

func TestTuneFindsFastestAndMemoises(t *testing.T) {
	calls := map[int]int{}
	var evals []Evaluation

	res, err := Tune(Config{
		MinExp:    2,
		MaxExp:    10,
		Optimizer: scripted{points: []float64{5.9, 6.1, 8, 6, 3.2}},
		OnEval:    func(ev Evaluation) { evals = append(evals, ev) },
	}, bowl(calls))
	require.NoError(t, err)

	assert.Equal(t, 64, res.BlockSize)
	assert.Equal(t, time.Millisecond, res.Cost)
	assert.Equal(t, 6, res.Evaluations)
	assert.Equal(t, 4, res.Measured)
	assert.NotEmpty(t, res.RunID)

	for b, n := range calls {
		assert.Equal(t, 1, n, "block size %d measured more than once", b)
	}
	require.Len(t, evals, 6)
	assert.False(t, evals[1].Cached)
	assert.True(t, evals[2].Cached)
	assert.True(t, evals[4].Cached)
}

func TestTuneSingleExponentSkipsOptimizer(t *testing.T) {
	calls := map[int]int{}
	res, err := Tune(Config{MinExp: 5, MaxExp: 5}, bowl(calls))
	require.NoError(t, err)

	assert.Equal(t, 32, res.BlockSize)
	assert.Equal(t, map[int]int{32: 1}, calls)
}

func TestTuneValidatesRange(t *testing.T) {
	_, err := Tune(Config{MinExp: 0, MaxExp: -1}, bowl(map[int]int{}))
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = Tune(Config{MinExp: 2, MaxExp: 4}, bowl(map[int]int{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimizer not specified")
}

func TestTuneSkipsFailingBlockSizes(t *testing.T) {
	tooLarge := errors.New("too large")
	measure := func(b int) (time.Duration, error) {
		if b > 16 {
			return 0, tooLarge
		}
		return time.Duration(100/b) * time.Millisecond, nil
	}

	res, err := Tune(Config{MinExp: 2, MaxExp: 8, Optimizer: scripted{points: []float64{8, 4, 7}}}, measure)
	require.NoError(t, err)
	assert.Equal(t, 16, res.BlockSize)
	assert.Equal(t, 2, res.Measured)
}

func TestTuneAllFailures(t *testing.T) {
	broken := errors.New("device lost")
	measure := func(int) (time.Duration, error) { return 0, broken }

	_, err := Tune(Config{MinExp: 3, MaxExp: 3}, measure)
	require.ErrorIs(t, err, ErrNoMeasurement)
	require.ErrorIs(t, err, broken)
}

func TestTuneOptimizerError(t *testing.T) {
	_, err := Tune(Config{MinExp: 1, MaxExp: 4, Optimizer: failing{}}, bowl(map[int]int{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTuneWritesTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tune", "trace.jsonl")
	tw, err := NewTraceWriter(path, false)
	require.NoError(t, err)

	res, err := Tune(Config{
		MinExp:    2,
		MaxExp:    8,
		Optimizer: scripted{points: []float64{6, 6}},
		Trace:     tw,
	}, bowl(map[int]int{}))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	tr, err := NewTraceReader(path)
	require.NoError(t, err)
	defer tr.Close()

	entries, err := tr.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, res.RunID, e.RunID)
		assert.Equal(t, i+1, e.Evaluation)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, 4, entries[0].BlockSize)
	assert.Equal(t, 64, entries[1].BlockSize)
	assert.True(t, entries[2].Cached)
	assert.InDelta(t, 0.001, entries[1].Seconds, 1e-9)
}

func TestTraceAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	for i := 1; i <= 2; i++ {
		tw, err := NewTraceWriter(path, true)
		require.NoError(t, err)
		require.NoError(t, tw.Write(TraceEntry{RunID: "r", Evaluation: i, BlockSize: 1 << i}))
		require.NoError(t, tw.Flush())
		require.NoError(t, tw.Close())
		assert.Equal(t, path, tw.Path())
	}

	tr, err := NewTraceReader(path)
	require.NoError(t, err)
	defer tr.Close()
	entries, err := tr.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 4, entries[1].BlockSize)
}

func TestEngineMeasure(t *testing.T) {
	exec := cpu.New(cpu.WithMaxWorkGroupSize(64))
	defer exec.Close()

	measure := EngineMeasure(exec, 1000, 1, 2)

	d, err := measure(16)
	require.NoError(t, err)
	assert.Positive(t, d)

	_, err = measure(128)
	require.ErrorIs(t, err, scan.ErrInvalidBlockSize)
}

func TestTuneWithMayflyOnCPU(t *testing.T) {
	exec := cpu.New()
	defer exec.Close()

	res, err := Tune(Config{
		MinExp:    2,
		MaxExp:    6,
		Optimizer: NewMayfly(3, MinPopulation, 7),
	}, EngineMeasure(exec, 512, 3, 1))
	require.NoError(t, err)

	assert.Contains(t, []int{4, 8, 16, 32, 64}, res.BlockSize)
	assert.LessOrEqual(t, res.Measured, 5)
	assert.Greater(t, res.Evaluations, res.Measured)
}
