package tune

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestMayflyOnSphere(t *testing.T) {
	best, cost, err := NewMayfly(100, 20, 42).Run(sphere, []float64{-10, -10, -10}, []float64{10, 10, 10}, 3)
	require.NoError(t, err)
	require.Len(t, best, 3)

	assert.Less(t, cost, 0.1)
	for i, v := range best {
		assert.Less(t, math.Abs(v), 1.0, "parameter %d", i)
	}
}

func TestMayflyDeterministic(t *testing.T) {
	lower, upper := []float64{-5, -5}, []float64{5, 5}

	_, cost1, err := NewMayfly(50, 20, 123).Run(sphere, lower, upper, 2)
	require.NoError(t, err)
	_, cost2, err := NewMayfly(50, 5, 123).Run(sphere, lower, upper, 2)
	require.NoError(t, err)

	assert.Equal(t, cost1, cost2)
}

func TestMayflyRejectsEmptyProblem(t *testing.T) {
	_, _, err := NewMayfly(10, 20, 1).Run(sphere, nil, nil, 0)
	require.Error(t, err)
}
