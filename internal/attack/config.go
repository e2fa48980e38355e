package attack

import (
	"fmt"
	"math"

	"github.com/andresmejia3/mirage/internal/types"
)

var (
	// ErrInvalidConfiguration is returned by New and Run before any oracle call.
	ErrInvalidConfiguration = types.ErrInvalidConfiguration
	// ErrOracleFailure wraps errors raised by the oracle; the run aborts on the first one.
	ErrOracleFailure = types.ErrOracleFailure
)

const (
	// DefaultStagnationPatience is how many consecutive zero-gradient iterations are tolerated
	// before a stagnation warning.
	DefaultStagnationPatience = 3
	// StagnationNorm is the gradient L2 norm at or below which a step counts as stagnant.
	StagnationNorm = 1e-12
)

// Config holds the attack parameters.
type Config struct {
	// Epsilon is the L∞ budget around the original image.
	Epsilon float64
	// LearningRate is the fixed ascent step size.
	LearningRate float64
	// MaxIterations bounds the run.
	MaxIterations int
	// SamplesPerStep is the number of transformations averaged per step (1 for plain PGD).
	SamplesPerStep int
	// StagnationPatience of 0 means DefaultStagnationPatience.
	StagnationPatience int
	// LossThreshold > 0 stops the run once the loss drops to it. 0 disables early stopping.
	LossThreshold float64
	// Workers is the number of concurrent oracle evaluations per step.
	Workers int
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{
		Epsilon:            8.0 / 255,
		LearningRate:       1.0 / 255,
		MaxIterations:      100,
		SamplesPerStep:     1,
		StagnationPatience: DefaultStagnationPatience,
		Workers:            1,
	}
}

// Validate checks every parameter and wraps ErrInvalidConfiguration on failure.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.Epsilon) || math.IsInf(c.Epsilon, 0) || c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon must be a positive finite number, got %v", ErrInvalidConfiguration, c.Epsilon)
	case math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) || c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be a positive finite number, got %v", ErrInvalidConfiguration, c.LearningRate)
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfiguration, c.MaxIterations)
	case c.SamplesPerStep < 1:
		return fmt.Errorf("%w: samples per step must be >= 1, got %d", ErrInvalidConfiguration, c.SamplesPerStep)
	case c.StagnationPatience < 0:
		return fmt.Errorf("%w: stagnation patience must not be negative, got %d", ErrInvalidConfiguration, c.StagnationPatience)
	case math.IsNaN(c.LossThreshold) || math.IsInf(c.LossThreshold, 0) || c.LossThreshold < 0:
		return fmt.Errorf("%w: loss threshold must be a non-negative finite number, got %v", ErrInvalidConfiguration, c.LossThreshold)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidConfiguration, c.Workers)
	}
	return nil
}

func (c Config) patience() int {
	if c.StagnationPatience == 0 {
		return DefaultStagnationPatience
	}
	return c.StagnationPatience
}
