package types

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidConfiguration is returned before any oracle call when attack parameters are unusable.
	ErrInvalidConfiguration = errors.New("mirage: invalid configuration")
	// ErrOracleFailure wraps any error raised by the oracle during forward or backward passes.
	ErrOracleFailure = errors.New("mirage: oracle failure")
)

// Shape is the fixed resolution of an image tensor (Height x Width x Channels).
type Shape struct {
	H int `json:"h"`
	W int `json:"w"`
	C int `json:"c"`
}

// Len returns the number of scalar elements in a tensor of this shape.
func (s Shape) Len() int { return s.H * s.W * s.C }

// Index maps (row, column, channel) to the flat HWC offset.
func (s Shape) Index(y, x, c int) int { return (y*s.W+x)*s.C + c }

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.C) }

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool { return s.H > 0 && s.W > 0 && s.C > 0 }

// Image is an HWC float tensor in [0,1] pixel space.
type Image struct {
	Shape Shape
	Pix   []float64
}

// NewImage allocates a zeroed image.
func NewImage(shape Shape) *Image {
	return &Image{Shape: shape, Pix: make([]float64, shape.Len())}
}

// NewImageFrom wraps pix (without copying) after checking its length against shape.
func NewImageFrom(shape Shape, pix []float64) (*Image, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid shape %s", shape)
	}
	if len(pix) != shape.Len() {
		return nil, fmt.Errorf("expected %d values for shape %s, got %d", shape.Len(), shape, len(pix))
	}
	return &Image{Shape: shape, Pix: pix}, nil
}

// Filled returns an image with every element set to v.
func Filled(shape Shape, v float64) *Image {
	img := NewImage(shape)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	pix := make([]float64, len(m.Pix))
	copy(pix, m.Pix)
	return &Image{Shape: m.Shape, Pix: pix}
}

// At returns the value at row y, column x, channel c.
func (m *Image) At(y, x, c int) float64 { return m.Pix[m.Shape.Index(y, x, c)] }

// Validate checks the shape and that every value is a finite number in [0,1].
func (m *Image) Validate() error {
	if m == nil {
		return errors.New("image is nil")
	}
	if !m.Shape.Valid() {
		return fmt.Errorf("invalid shape %s", m.Shape)
	}
	if len(m.Pix) != m.Shape.Len() {
		return fmt.Errorf("expected %d values for shape %s, got %d", m.Shape.Len(), m.Shape, len(m.Pix))
	}
	for i, v := range m.Pix {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("pixel %d out of [0,1]: %v", i, v)
		}
	}
	return nil
}

// TracePoint is one loss observation of an attack run.
type TracePoint struct {
	Iteration int     `json:"iteration"`
	Loss      float64 `json:"loss"`
}

// WarnStagnation marks a run of numerically zero gradients.
const WarnStagnation = "stagnation"

// Warning is a non-fatal observation emitted during a run.
type Warning struct {
	Kind      string `json:"kind"`
	Iteration int    `json:"iteration"`
	Message   string `json:"message"`
}

// StopReason explains why the optimizer left the Iterating state.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonMaxIterations
	ReasonConverged
	ReasonCancelled
	ReasonOracleFailure
)

func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMaxIterations:
		return "max-iterations"
	case ReasonConverged:
		return "converged"
	case ReasonCancelled:
		return "cancelled"
	case ReasonOracleFailure:
		return "oracle-failure"
	default:
		return "unknown"
	}
}

// Result is the output of an attack run.
type Result struct {
	Adversarial *Image
	Original    *Image
	Target      int
	Iterations  int
	LossTrace   []TracePoint
	Warnings    []Warning
	Reason      StopReason
	// LinfNorm is max |adversarial - original| over all elements.
	LinfNorm float64
}

// FinalLoss returns the last recorded loss, or NaN when no iteration completed.
func (r *Result) FinalLoss() float64 {
	if len(r.LossTrace) == 0 {
		return math.NaN()
	}
	return r.LossTrace[len(r.LossTrace)-1].Loss
}
