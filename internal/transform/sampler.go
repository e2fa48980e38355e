package transform

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// DefaultMaxAngle bounds the default rotation distribution to [-π/4, π/4].
const DefaultMaxAngle = math.Pi / 4

// Sampler draws i.i.d. transformations from a configured distribution.
type Sampler interface {
	Sample(count int) ([]Transformation, error)
	// Describe returns a short human-readable form of the distribution.
	Describe() string
}

// IdentitySampler always returns identity transforms (the plain, non-robust attack).
type IdentitySampler struct{}

func (IdentitySampler) Sample(count int) ([]Transformation, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: sample count must be >= 1, got %d", ErrInvalidConfiguration, count)
	}
	out := make([]Transformation, count)
	for i := range out {
		out[i] = Identity{}
	}
	return out, nil
}

func (IdentitySampler) Describe() string { return "identity" }

// UniformRotation samples rotation angles from U[Min, Max] using its own seeded generator.
// It is not safe for concurrent use.
type UniformRotation struct {
	Min, Max float64
	rng      *rand.Rand
}

// NewUniformRotation builds a sampler; the same seed always yields the same angle sequence.
func NewUniformRotation(minAngle, maxAngle float64, seed uint64) (*UniformRotation, error) {
	if math.IsNaN(minAngle) || math.IsNaN(maxAngle) || math.IsInf(minAngle, 0) || math.IsInf(maxAngle, 0) {
		return nil, fmt.Errorf("%w: rotation bounds must be finite", ErrInvalidConfiguration)
	}
	if minAngle > maxAngle {
		return nil, fmt.Errorf("%w: rotation min %v > max %v", ErrInvalidConfiguration, minAngle, maxAngle)
	}
	return &UniformRotation{
		Min: minAngle,
		Max: maxAngle,
		rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}, nil
}

func (u *UniformRotation) Sample(count int) ([]Transformation, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: sample count must be >= 1, got %d", ErrInvalidConfiguration, count)
	}
	out := make([]Transformation, count)
	for i := range out {
		out[i] = Rotation{Angle: u.Min + u.rng.Float64()*(u.Max-u.Min)}
	}
	return out, nil
}

func (u *UniformRotation) Describe() string {
	return fmt.Sprintf("rotation[%.4f,%.4f]", u.Min, u.Max)
}

// ParseDistribution builds a sampler from a CLI distribution string:
//
//	identity
//	rotation                 (uniform over [-π/4, π/4])
//	rotation:<min>:<max>     (radians, or degrees with a "deg" suffix, e.g. rotation:-30deg:30deg)
func ParseDistribution(dist string, seed uint64) (Sampler, error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(dist)), ":")
	switch parts[0] {
	case "", "identity", "none":
		if len(parts) > 1 {
			return nil, fmt.Errorf("%w: identity takes no parameters", ErrInvalidConfiguration)
		}
		return IdentitySampler{}, nil
	case "rotation", "rotate":
		switch len(parts) {
		case 1:
			return NewUniformRotation(-DefaultMaxAngle, DefaultMaxAngle, seed)
		case 3:
			lo, err := parseAngle(parts[1])
			if err != nil {
				return nil, err
			}
			hi, err := parseAngle(parts[2])
			if err != nil {
				return nil, err
			}
			return NewUniformRotation(lo, hi, seed)
		default:
			return nil, fmt.Errorf("%w: expected rotation:<min>:<max>, got %q", ErrInvalidConfiguration, dist)
		}
	default:
		return nil, fmt.Errorf("%w: unknown transformation distribution %q", ErrInvalidConfiguration, dist)
	}
}

func parseAngle(s string) (float64, error) {
	deg := strings.HasSuffix(s, "deg")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "deg"), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad angle %q: %v", ErrInvalidConfiguration, s, err)
	}
	if deg {
		v = v * math.Pi / 180
	}
	return v, nil
}
