// Package transform draws and applies the input transformations an attack is made robust against.
//
// Every transformation is linear in the image, so it carries an Adjoint that pulls a gradient
// computed on the transformed copy back onto the untransformed candidate.
package transform

import (
	"fmt"
	"math"

	"github.com/andresmejia3/mirage/internal/types"
)

// ErrInvalidConfiguration is shared with the optimizer so callers can match either with errors.Is.
var ErrInvalidConfiguration = types.ErrInvalidConfiguration

// Transformation is an immutable, parameterised, linear map on images.
type Transformation interface {
	Name() string
	// Param is the sampled parameter (radians for rotations, 0 for identity).
	Param() float64
	// Apply returns a new transformed image; img is never modified.
	Apply(img *types.Image) *types.Image
	// Adjoint applies the transpose of the map to a gradient laid out in shape.
	Adjoint(shape types.Shape, grad []float64) []float64
}

// Apply is a convenience wrapper for t.Apply(img).
func Apply(img *types.Image, t Transformation) *types.Image { return t.Apply(img) }

// Identity leaves images untouched.
type Identity struct{}

func (Identity) Name() string   { return "identity" }
func (Identity) Param() float64 { return 0 }

func (Identity) Apply(img *types.Image) *types.Image { return img.Clone() }

func (Identity) Adjoint(_ types.Shape, grad []float64) []float64 {
	out := make([]float64, len(grad))
	copy(out, grad)
	return out
}

// Rotation rotates about the image centre by Angle radians using bilinear resampling. With rows
// growing downwards a positive angle turns the picture clockwise on screen. Samples falling
// outside the source read as zero.
type Rotation struct {
	Angle float64
}

func (r Rotation) Name() string   { return "rotation" }
func (r Rotation) Param() float64 { return r.Angle }

func (r Rotation) String() string {
	return fmt.Sprintf("rotation(%.2fdeg)", r.Angle*180/math.Pi)
}

// tap is one bilinear contribution of a source pixel to an output pixel.
type tap struct {
	src    int // flat (y*W + x) index of the source pixel, channel 0
	weight float64
}

// taps computes, for each output pixel, the up to four source pixels it interpolates from.
func (r Rotation) taps(shape types.Shape) [][]tap {
	cy := float64(shape.H-1) / 2
	cx := float64(shape.W-1) / 2
	sin, cos := math.Sincos(r.Angle)

	out := make([][]tap, shape.H*shape.W)
	for y := 0; y < shape.H; y++ {
		for x := 0; x < shape.W; x++ {
			dy := float64(y) - cy
			dx := float64(x) - cx
			// Inverse rotation: where in the source does this output pixel come from.
			sx := cos*dx + sin*dy + cx
			sy := -sin*dx + cos*dy + cy

			x0 := math.Floor(sx)
			y0 := math.Floor(sy)
			fx := sx - x0
			fy := sy - y0

			var ts []tap
			for _, n := range [4]struct {
				dx, dy int
				w      float64
			}{
				{0, 0, (1 - fx) * (1 - fy)},
				{1, 0, fx * (1 - fy)},
				{0, 1, (1 - fx) * fy},
				{1, 1, fx * fy},
			} {
				px := int(x0) + n.dx
				py := int(y0) + n.dy
				if n.w == 0 || px < 0 || py < 0 || px >= shape.W || py >= shape.H {
					continue
				}
				ts = append(ts, tap{src: py*shape.W + px, weight: n.w})
			}
			out[y*shape.W+x] = ts
		}
	}
	return out
}

func (r Rotation) Apply(img *types.Image) *types.Image {
	shape := img.Shape
	out := types.NewImage(shape)
	for p, ts := range r.taps(shape) {
		for c := 0; c < shape.C; c++ {
			var v float64
			for _, t := range ts {
				v += t.weight * img.Pix[t.src*shape.C+c]
			}
			out.Pix[p*shape.C+c] = v
		}
	}
	return out
}

func (r Rotation) Adjoint(shape types.Shape, grad []float64) []float64 {
	out := make([]float64, shape.Len())
	for p, ts := range r.taps(shape) {
		for c := 0; c < shape.C; c++ {
			g := grad[p*shape.C+c]
			if g == 0 {
				continue
			}
			for _, t := range ts {
				out[t.src*shape.C+c] += t.weight * g
			}
		}
	}
	return out
}
