// Package oracle defines the classifier boundary the attack optimizes against and the adapters
// that put real models behind it.
//
// An Oracle works in [0,1] pixel space; any normalization the model needs is the adapter's job.
// Oracles are frozen: nothing in mirage mutates one, and every adapter here is safe to share
// between the goroutines of a single attack step.
package oracle

import (
	"context"
	"fmt"

	"github.com/andresmejia3/mirage/internal/types"
)

// Oracle is a differentiable classifier.
type Oracle interface {
	// Forward returns one logit vector per image in batch.
	Forward(ctx context.Context, batch []*types.Image) ([][]float64, error)
	// Backward returns the vector-Jacobian product dL/dimage given upstream = dL/dlogits,
	// evaluated at img.
	Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error)
}

// Describer is implemented by oracles that know their label space and input resolution.
type Describer interface {
	Classes() int
	InputShape() types.Shape
}

// Labeler is implemented by oracles that carry human-readable class names.
type Labeler interface {
	Labels() []string
}

// Closer releases model resources (sessions, child processes).
type Closer interface {
	Close() error
}

// Wrapper is implemented by decorators so capability lookups can reach the wrapped oracle.
type Wrapper interface {
	Unwrap() Oracle
}

// Describe finds the first Describer along a decorator chain.
func Describe(o Oracle) (Describer, bool) {
	for o != nil {
		if d, ok := o.(Describer); ok {
			return d, true
		}
		w, ok := o.(Wrapper)
		if !ok {
			break
		}
		o = w.Unwrap()
	}
	return nil, false
}

// Labels returns the class names along a decorator chain, or nil.
func Labels(o Oracle) []string {
	for o != nil {
		if l, ok := o.(Labeler); ok {
			return l.Labels()
		}
		w, ok := o.(Wrapper)
		if !ok {
			break
		}
		o = w.Unwrap()
	}
	return nil
}

// Close releases the first Closer along a decorator chain.
func Close(o Oracle) error {
	for o != nil {
		if c, ok := o.(Closer); ok {
			return c.Close()
		}
		w, ok := o.(Wrapper)
		if !ok {
			break
		}
		o = w.Unwrap()
	}
	return nil
}

// Predict runs a single-image forward pass and returns its logits.
func Predict(ctx context.Context, o Oracle, img *types.Image) ([]float64, error) {
	out, err := o.Forward(ctx, []*types.Image{img})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("oracle returned %d logit vectors for 1 image", len(out))
	}
	return out[0], nil
}

func checkShape(want types.Shape, img *types.Image) error {
	if img.Shape != want {
		return fmt.Errorf("input shape %s does not match model shape %s", img.Shape, want)
	}
	return nil
}
