package oracle

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/andresmejia3/mirage/internal/types"
	"gonum.org/v1/gonum/mat"
)

// Linear is a softmax-regression classifier: logits = W·x + b.
// Its cross-entropy is convex in the input, which makes it the reference oracle for demos and tests.
type Linear struct {
	shape  types.Shape
	w      *mat.Dense    // classes x pixels
	b      *mat.VecDense // classes
	labels []string
}

// NewLinear wraps existing weights. w must be classes x shape.Len() and b must have classes rows.
func NewLinear(shape types.Shape, w *mat.Dense, b *mat.VecDense) (*Linear, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid shape %s", shape)
	}
	rows, cols := w.Dims()
	if cols != shape.Len() {
		return nil, fmt.Errorf("weight matrix has %d columns, shape %s needs %d", cols, shape, shape.Len())
	}
	if b == nil {
		b = mat.NewVecDense(rows, nil)
	}
	if b.Len() != rows {
		return nil, fmt.Errorf("bias has %d entries for %d classes", b.Len(), rows)
	}
	return &Linear{shape: shape, w: w, b: b}, nil
}

// NewRandomLinear draws weights from N(0, 1/n) with a seeded generator, so the same seed always
// produces the same classifier.
func NewRandomLinear(shape types.Shape, classes int, seed uint64) (*Linear, error) {
	if classes < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", classes)
	}
	n := shape.Len()
	rng := rand.New(rand.NewPCG(seed, ^seed))
	scale := 1 / math.Sqrt(float64(n))

	data := make([]float64, classes*n)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	bias := make([]float64, classes)
	for i := range bias {
		bias[i] = rng.NormFloat64() * 0.1
	}
	return NewLinear(shape, mat.NewDense(classes, n, data), mat.NewVecDense(classes, bias))
}

// WithLabels attaches class names (len must equal the class count).
func (l *Linear) WithLabels(labels []string) (*Linear, error) {
	if len(labels) != l.Classes() {
		return nil, fmt.Errorf("got %d labels for %d classes", len(labels), l.Classes())
	}
	l.labels = labels
	return l, nil
}

func (l *Linear) Classes() int {
	r, _ := l.w.Dims()
	return r
}

func (l *Linear) InputShape() types.Shape { return l.shape }

func (l *Linear) Labels() []string { return l.labels }

func (l *Linear) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	out := make([][]float64, len(batch))
	for i, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkShape(l.shape, img); err != nil {
			return nil, err
		}
		x := mat.NewVecDense(len(img.Pix), img.Pix)
		logits := mat.NewVecDense(l.Classes(), nil)
		logits.MulVec(l.w, x)
		logits.AddVec(logits, l.b)
		out[i] = mat.Col(nil, 0, logits)
	}
	return out, nil
}

func (l *Linear) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkShape(l.shape, img); err != nil {
		return nil, err
	}
	if len(upstream) != l.Classes() {
		return nil, fmt.Errorf("upstream has %d entries for %d classes", len(upstream), l.Classes())
	}
	u := mat.NewVecDense(len(upstream), append([]float64(nil), upstream...))
	grad := mat.NewVecDense(l.shape.Len(), nil)
	grad.MulVec(l.w.T(), u)
	return mat.Col(nil, 0, grad), nil
}
