// Package loss turns a batch of sampled transformations into one expected loss and one expected
// gradient for the current candidate.
package loss

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/transform"
	"github.com/andresmejia3/mirage/internal/types"
	"gonum.org/v1/gonum/floats"
)

// Result is the batch mean of the per-sample losses and gradients.
//
// Gradient is the ascent direction of the target log-likelihood: adding a positive multiple of it
// to the candidate lowers Loss to first order.
type Result struct {
	Loss     float64
	Gradient []float64
	GradNorm float64
}

// Aggregator evaluates the samples of one step. With Workers > 1 the per-sample oracle calls run
// concurrently; results are always reduced in sample order so the output does not depend on
// scheduling.
type Aggregator struct {
	Workers int
}

// New returns an aggregator with the given concurrency (values < 1 mean sequential).
func New(workers int) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	return &Aggregator{Workers: workers}
}

type sample struct {
	loss float64
	grad []float64
	err  error
}

// Loss evaluates candidate under every transformation in ts against target.
func (a *Aggregator) Loss(ctx context.Context, o oracle.Oracle, candidate *types.Image, target int, ts []transform.Transformation) (Result, error) {
	if len(ts) == 0 {
		return Result{}, fmt.Errorf("%w: no transformations to evaluate", types.ErrInvalidConfiguration)
	}

	workers := 1
	if a != nil && a.Workers > 1 {
		workers = min(a.Workers, len(ts))
	}

	samples := make([]sample, len(ts))
	if workers == 1 {
		if err := a.sequential(ctx, o, candidate, target, ts, samples); err != nil {
			return Result{}, err
		}
	} else if err := a.concurrent(ctx, o, candidate, target, ts, samples, workers); err != nil {
		return Result{}, err
	}

	n := candidate.Shape.Len()
	res := Result{Gradient: make([]float64, n)}
	for i, s := range samples {
		if s.err != nil {
			return Result{}, wrapOracle(i, s.err)
		}
		if len(s.grad) != n {
			return Result{}, wrapOracle(i, fmt.Errorf("gradient has %d values, image has %d", len(s.grad), n))
		}
		res.Loss += s.loss
		floats.Add(res.Gradient, s.grad)
	}
	inv := 1 / float64(len(ts))
	res.Loss *= inv
	floats.Scale(inv, res.Gradient)
	res.GradNorm = floats.Norm(res.Gradient, 2)
	return res, nil
}

// sequential scores every transformed candidate in one batched forward pass, then pulls back each
// gradient in order.
func (a *Aggregator) sequential(ctx context.Context, o oracle.Oracle, candidate *types.Image, target int, ts []transform.Transformation, out []sample) error {
	batch := make([]*types.Image, len(ts))
	for i, t := range ts {
		batch[i] = t.Apply(candidate)
	}
	logits, err := o.Forward(ctx, batch)
	if err != nil {
		return fmt.Errorf("%w: forward: %w", types.ErrOracleFailure, err)
	}
	if len(logits) != len(batch) {
		return fmt.Errorf("%w: forward returned %d logit vectors for %d images", types.ErrOracleFailure, len(logits), len(batch))
	}
	for i, t := range ts {
		out[i] = backward(ctx, o, batch[i], logits[i], target, t)
	}
	return nil
}

// concurrent evaluates samples on a fixed pool of workers. The first failing sample cancels the
// rest of the batch and is the error returned.
func (a *Aggregator) concurrent(ctx context.Context, o oracle.Oracle, candidate *types.Image, target int, ts []transform.Transformation, out []sample, workers int) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan int, len(ts))
	for i := range ts {
		tasks <- i
	}
	close(tasks)

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				if batchCtx.Err() != nil {
					continue
				}
				s := evaluate(batchCtx, o, candidate, target, ts[i])
				if s.err != nil {
					once.Do(func() {
						first = wrapOracle(i, s.err)
						cancel()
					})
					continue
				}
				out[i] = s
			}
		}()
	}
	wg.Wait()

	if first != nil {
		return first
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrOracleFailure, err)
	}
	return nil
}

// evaluate runs the full forward/backward pair for one transformation.
func evaluate(ctx context.Context, o oracle.Oracle, candidate *types.Image, target int, t transform.Transformation) sample {
	x := t.Apply(candidate)
	logits, err := oracle.Predict(ctx, o, x)
	if err != nil {
		return sample{err: fmt.Errorf("forward: %w", err)}
	}
	return backward(ctx, o, x, logits, target, t)
}

func backward(ctx context.Context, o oracle.Oracle, x *types.Image, logits []float64, target int, t transform.Transformation) sample {
	if target < 0 || target >= len(logits) {
		return sample{err: fmt.Errorf("target %d outside the %d logits returned", target, len(logits))}
	}
	loss := CrossEntropy(logits, target)
	if math.IsNaN(loss) {
		return sample{err: fmt.Errorf("logits are not finite: %v", logits)}
	}

	// d log p_target / d logits = onehot - softmax
	upstream := Softmax(logits)
	floats.Scale(-1, upstream)
	upstream[target] += 1

	g, err := o.Backward(ctx, x, upstream)
	if err != nil {
		return sample{err: fmt.Errorf("backward: %w", err)}
	}
	if len(g) != len(x.Pix) {
		return sample{err: fmt.Errorf("gradient has %d values, image has %d", len(g), len(x.Pix))}
	}
	grad := t.Adjoint(x.Shape, g)
	if !finite(grad) {
		return sample{err: errors.New("gradient is not finite")}
	}
	return sample{loss: loss, grad: grad}
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func wrapOracle(i int, err error) error {
	return fmt.Errorf("%w: sample %d: %w", types.ErrOracleFailure, i, err)
}

// CrossEntropy returns -log softmax(logits)[target].
func CrossEntropy(logits []float64, target int) float64 {
	return floats.LogSumExp(logits) - logits[target]
}

// LogSoftmax returns log softmax(logits) computed with the log-sum-exp shift.
func LogSoftmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	copy(out, logits)
	floats.AddConst(-lse, out)
	return out
}

// Softmax returns the class probabilities for logits.
func Softmax(logits []float64) []float64 {
	out := LogSoftmax(logits)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	return out
}
