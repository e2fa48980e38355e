package oracle

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultFiniteDifferenceStep is the central-difference step in pixel units.
const DefaultFiniteDifferenceStep = 1e-3

// FiniteDifference estimates the vector-Jacobian product upstream·∂f/∂x with central differences,
// costing two evaluations of f per input element. It is the fallback for models that only expose
// inference.
func FiniteDifference(f func(x []float64) ([]float64, error), x, upstream []float64, h float64) ([]float64, error) {
	if h <= 0 {
		return nil, fmt.Errorf("finite difference step must be positive, got %v", h)
	}
	probe := make([]float64, len(x))
	copy(probe, x)

	grad := make([]float64, len(x))
	diff := make([]float64, len(upstream))
	for i := range probe {
		orig := probe[i]

		probe[i] = orig + h
		plus, err := f(probe)
		if err != nil {
			return nil, err
		}
		probe[i] = orig - h
		minus, err := f(probe)
		if err != nil {
			return nil, err
		}
		probe[i] = orig

		if len(plus) != len(upstream) || len(minus) != len(upstream) {
			return nil, fmt.Errorf("model returned %d outputs, upstream has %d", len(plus), len(upstream))
		}
		floats.SubTo(diff, plus, minus)
		grad[i] = floats.Dot(upstream, diff) / (2 * h)
	}
	return grad, nil
}
