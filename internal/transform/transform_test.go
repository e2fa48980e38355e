package transform

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/andresmejia3/mirage/internal/types"
	"gonum.org/v1/gonum/floats"
)

func randomImage(shape types.Shape, seed uint64) *types.Image {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	img := types.NewImage(shape)
	for i := range img.Pix {
		img.Pix[i] = rng.Float64()
	}
	return img
}

func TestIdentityIsNoOp(t *testing.T) {
	img := randomImage(types.Shape{H: 5, W: 7, C: 3}, 1)

	out := Apply(img, Identity{})
	if out == img {
		t.Fatal("Identity.Apply must return a new image")
	}
	for i := range img.Pix {
		if out.Pix[i] != img.Pix[i] {
			t.Fatalf("pixel %d changed: %v -> %v", i, img.Pix[i], out.Pix[i])
		}
	}

	grad := Identity{}.Adjoint(img.Shape, img.Pix)
	for i := range grad {
		if grad[i] != img.Pix[i] {
			t.Fatalf("adjoint element %d changed", i)
		}
	}
}

func TestRotationZeroAngleKeepsImage(t *testing.T) {
	img := randomImage(types.Shape{H: 6, W: 6, C: 1}, 2)
	out := Rotation{Angle: 0}.Apply(img)
	if !floats.EqualApprox(out.Pix, img.Pix, 1e-12) {
		t.Errorf("zero rotation altered the image")
	}
}

func TestRotationQuarterTurn(t *testing.T) {
	// 3x3 single channel, marker in the top-middle pixel.
	shape := types.Shape{H: 3, W: 3, C: 1}
	img := types.NewImage(shape)
	img.Pix[shape.Index(0, 1, 0)] = 1

	out := Rotation{Angle: math.Pi / 2}.Apply(img)

	// Positive quarter turn moves top-middle to middle-right.
	if got := out.At(1, 2, 0); math.Abs(got-1) > 1e-9 {
		t.Errorf("expected marker at (1,2), got %v", got)
	}
	if got := out.At(0, 1, 0); math.Abs(got) > 1e-9 {
		t.Errorf("expected top-middle cleared, got %v", got)
	}
}

// The adjoint must be the exact transpose: <Rx, y> == <x, R^T y>.
func TestRotationAdjointIsTranspose(t *testing.T) {
	shape := types.Shape{H: 8, W: 6, C: 3}
	for _, angle := range []float64{0.1, -0.7, math.Pi / 4, 2.5} {
		r := Rotation{Angle: angle}
		x := randomImage(shape, 3)
		y := randomImage(shape, 4)

		lhs := floats.Dot(r.Apply(x).Pix, y.Pix)
		rhs := floats.Dot(x.Pix, r.Adjoint(shape, y.Pix))
		if math.Abs(lhs-rhs) > 1e-9 {
			t.Errorf("angle %v: <Rx,y>=%v, <x,R^Ty>=%v", angle, lhs, rhs)
		}
	}
}

func TestRotationKeepsPixelRange(t *testing.T) {
	img := randomImage(types.Shape{H: 10, W: 10, C: 1}, 5)
	out := Rotation{Angle: 0.3}.Apply(img)
	if err := out.Validate(); err != nil {
		t.Errorf("rotated image left [0,1]: %v", err)
	}
}

func TestSamplersRejectZeroCount(t *testing.T) {
	rot, err := NewUniformRotation(-1, 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []Sampler{IdentitySampler{}, rot} {
		if _, err := s.Sample(0); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("%s: expected ErrInvalidConfiguration, got %v", s.Describe(), err)
		}
	}
}

func TestUniformRotationSeededAndBounded(t *testing.T) {
	a, _ := NewUniformRotation(-0.5, 0.25, 42)
	b, _ := NewUniformRotation(-0.5, 0.25, 42)
	c, _ := NewUniformRotation(-0.5, 0.25, 43)

	ta, _ := a.Sample(50)
	tb, _ := b.Sample(50)
	tc, _ := c.Sample(50)

	same := true
	for i := range ta {
		pa := ta[i].Param()
		if pa < -0.5 || pa > 0.25 {
			t.Fatalf("angle %v outside bounds", pa)
		}
		if pa != tb[i].Param() {
			t.Fatalf("same seed diverged at draw %d", i)
		}
		if pa != tc[i].Param() {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced identical sequences")
	}

	// Successive calls keep drawing fresh values.
	next, _ := a.Sample(1)
	if next[0].Param() == ta[0].Param() {
		t.Error("sampler appears to memoize draws")
	}
}

func TestParseDistribution(t *testing.T) {
	tests := []struct {
		dist    string
		want    string
		wantErr bool
	}{
		{dist: "identity", want: "identity"},
		{dist: "", want: "identity"},
		{dist: "rotation", want: "rotation[-0.7854,0.7854]"},
		{dist: "rotation:-0.1:0.2", want: "rotation[-0.1000,0.2000]"},
		{dist: "rotation:-90deg:90deg", want: "rotation[-1.5708,1.5708]"},
		{dist: "rotation:1:-1", wantErr: true},
		{dist: "rotation:abc:1", wantErr: true},
		{dist: "rotation:1", wantErr: true},
		{dist: "shear", wantErr: true},
		{dist: "identity:3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.dist, func(t *testing.T) {
			s, err := ParseDistribution(tt.dist, 1)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDistribution(%q) error = %v, wantErr %v", tt.dist, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidConfiguration) {
					t.Errorf("expected ErrInvalidConfiguration, got %v", err)
				}
				return
			}
			if got := s.Describe(); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
