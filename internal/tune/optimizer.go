// Package tune searches for the block size that scans fastest on a device.
package tune

// Optimizer minimises an objective over a box-bounded parameter space.
type Optimizer interface {
	// Run minimises eval within [lower, upper] in dim dimensions and returns
	// the best parameters with their cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}
