// Package attack runs projected gradient ascent on the target log-likelihood of a frozen
// classifier, optionally averaged over sampled input transformations (EOT).
//
// Every step is an ascent on the expected gradient followed by an unconditional projection onto
// the feasible region [max(0, x-ε), min(1, x+ε)]. The candidate returned by Run always lies in
// that region, whatever the stop reason.
package attack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/andresmejia3/mirage/internal/loss"
	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/telemetry"
	"github.com/andresmejia3/mirage/internal/transform"
	"github.com/andresmejia3/mirage/internal/types"
	"gonum.org/v1/gonum/floats"
)

// State is the optimizer lifecycle.
type State int

const (
	StateInitialized State = iota
	StateIterating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateIterating:
		return "iterating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Optimizer owns the candidate of one attack at a time. The oracle and sampler are borrowed and
// never modified beyond the sampler's own generator state.
type Optimizer struct {
	cfg        Config
	oracle     oracle.Oracle
	sampler    transform.Sampler
	aggregator *loss.Aggregator
	reporter   telemetry.Reporter
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithReporter sends every loss point and warning to r.
func WithReporter(r telemetry.Reporter) Option {
	return func(o *Optimizer) { o.reporter = r }
}

// WithLogger sets the logger for diagnostics (discarded by default).
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithAggregator replaces the default aggregator built from Config.Workers.
func WithAggregator(a *loss.Aggregator) Option {
	return func(o *Optimizer) { o.aggregator = a }
}

// New validates cfg and builds an optimizer. It makes no oracle calls.
func New(cfg Config, o oracle.Oracle, s transform.Sampler, opts ...Option) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: oracle is nil", ErrInvalidConfiguration)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: sampler is nil", ErrInvalidConfiguration)
	}

	opt := &Optimizer{
		cfg:      cfg,
		oracle:   o,
		sampler:  s,
		reporter: telemetry.Nop{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, fn := range opts {
		fn(opt)
	}
	if opt.aggregator == nil {
		opt.aggregator = loss.New(cfg.Workers)
	}
	return opt, nil
}

// Config returns the validated configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// State returns the current lifecycle state.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Optimizer) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Bounds returns the per-element feasible interval around original.
func Bounds(original *types.Image, epsilon float64) (lower, upper []float64) {
	lower = make([]float64, len(original.Pix))
	upper = make([]float64, len(original.Pix))
	for i, v := range original.Pix {
		lower[i] = math.Max(0, v-epsilon)
		upper[i] = math.Min(1, v+epsilon)
	}
	return lower, upper
}

// Project clips candidate element-wise into [lower, upper] in place.
func Project(candidate, lower, upper []float64) {
	for i, v := range candidate {
		candidate[i] = math.Min(math.Max(v, lower[i]), upper[i])
	}
}

// traceCapHint bounds the trace preallocation; longer runs grow it with append.
const traceCapHint = 4096

// Run attacks original towards target. The returned result is never nil once the inputs pass
// validation: on cancellation or oracle failure it carries the last completed, feasible candidate
// alongside the error.
func (o *Optimizer) Run(ctx context.Context, original *types.Image, target int) (*types.Result, error) {
	if err := o.validateInput(original, target); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.state == StateIterating {
		o.mu.Unlock()
		return nil, errors.New("attack already running")
	}
	o.state = StateIterating
	o.mu.Unlock()
	defer o.setState(StateStopped)

	candidate := original.Clone()
	lower, upper := Bounds(original, o.cfg.Epsilon)
	res := &types.Result{
		Adversarial: candidate,
		Original:    original,
		Target:      target,
		LossTrace:   make([]types.TracePoint, 0, min(o.cfg.MaxIterations, traceCapHint)),
	}
	finish := func(reason types.StopReason) {
		res.Reason = reason
		res.LinfNorm = floats.Distance(candidate.Pix, original.Pix, math.Inf(1))
	}

	patience := o.cfg.patience()
	streak := 0
	warned := false

	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			finish(types.ReasonCancelled)
			return res, err
		}

		ts, err := o.sampler.Sample(o.cfg.SamplesPerStep)
		if err != nil {
			finish(types.ReasonNone)
			return res, fmt.Errorf("failed to sample transformations: %w", err)
		}

		step, err := o.aggregator.Loss(ctx, o.oracle, candidate, target, ts)
		if err != nil {
			// An oracle call aborted by our own context is a cancellation, not a broken oracle.
			if ctxErr := ctx.Err(); ctxErr != nil {
				finish(types.ReasonCancelled)
				return res, ctxErr
			}
			finish(types.ReasonOracleFailure)
			o.logger.Error("oracle failed, aborting attack", "iteration", iter, "error", err)
			return res, err
		}

		// A candidate that already meets the threshold is returned as is.
		converged := o.cfg.LossThreshold > 0 && step.Loss <= o.cfg.LossThreshold
		if !converged {
			floats.AddScaled(candidate.Pix, o.cfg.LearningRate, step.Gradient)
			Project(candidate.Pix, lower, upper)
		}

		res.LossTrace = append(res.LossTrace, types.TracePoint{Iteration: iter, Loss: step.Loss})
		res.Iterations = iter + 1
		o.reporter.Record(iter, step.Loss)

		if converged {
			o.logger.Info("loss threshold reached", "iteration", iter, "loss", step.Loss)
			finish(types.ReasonConverged)
			return res, nil
		}

		if step.GradNorm <= StagnationNorm {
			streak++
			if streak > patience && !warned {
				w := types.Warning{
					Kind:      types.WarnStagnation,
					Iteration: iter,
					Message:   fmt.Sprintf("gradient norm below %g for %d consecutive iterations", StagnationNorm, streak),
				}
				res.Warnings = append(res.Warnings, w)
				o.reporter.Warn(w)
				o.logger.Warn("attack stagnating", "iteration", iter, "streak", streak)
				warned = true
			}
		} else {
			streak = 0
			warned = false
		}
	}

	finish(types.ReasonMaxIterations)
	return res, nil
}

func (o *Optimizer) validateInput(original *types.Image, target int) error {
	if err := original.Validate(); err != nil {
		return fmt.Errorf("%w: original image: %w", ErrInvalidConfiguration, err)
	}
	if target < 0 {
		return fmt.Errorf("%w: target label must not be negative, got %d", ErrInvalidConfiguration, target)
	}
	if d, ok := oracle.Describe(o.oracle); ok {
		if k := d.Classes(); k > 0 && target >= k {
			return fmt.Errorf("%w: target label %d outside [0, %d)", ErrInvalidConfiguration, target, k)
		}
		if s := d.InputShape(); s.Valid() && s != original.Shape {
			return fmt.Errorf("%w: image shape %s does not match model shape %s", ErrInvalidConfiguration, original.Shape, s)
		}
	}
	return nil
}
