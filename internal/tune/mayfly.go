package tune

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinPopulation is the smallest population mayfly accepts.
const MinPopulation = 20

// Mayfly adapts the mayfly swarm optimizer to Optimizer.
type Mayfly struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a mayfly optimizer. popSize is raised to MinPopulation
// when smaller.
func NewMayfly(maxIters, popSize int, seed int64) *Mayfly {
	if popSize < MinPopulation {
		popSize = MinPopulation
	}
	return &Mayfly{maxIters: maxIters, popSize: popSize, seed: seed}
}

// Run executes the optimization. mayfly takes scalar bounds, so the first
// dimension's bounds apply to all of them.
func (m *Mayfly) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	if dim <= 0 || len(lower) == 0 || len(upper) == 0 {
		return nil, 0, fmt.Errorf("mayfly: invalid problem dimension %d", dim)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}

	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
