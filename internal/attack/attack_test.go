package attack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/telemetry"
	"github.com/andresmejia3/mirage/internal/transform"
	"github.com/andresmejia3/mirage/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gray4x4 = types.Shape{H: 4, W: 4, C: 1}

// scripted returns flat logits and a constant gradient per backward call. gradAt overrides the
// gradient for a given call index; failAt makes that backward call fail.
type scripted struct {
	classes int
	grad    float64
	gradAt  map[int]float64
	failAt  int

	mu     sync.Mutex
	calls  int
	seen   []*types.Image
	onCall func(call int)
}

var errDevice = errors.New("device lost")

func (s *scripted) Forward(_ context.Context, batch []*types.Image) ([][]float64, error) {
	out := make([][]float64, len(batch))
	for i := range out {
		out[i] = make([]float64, s.classes)
	}
	return out, nil
}

func (s *scripted) Backward(_ context.Context, img *types.Image, _ []float64) ([]float64, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.seen = append(s.seen, img.Clone())
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(call)
	}
	if s.failAt > 0 && call == s.failAt {
		return nil, errDevice
	}
	g := s.grad
	if v, ok := s.gradAt[call]; ok {
		g = v
	}
	out := make([]float64, len(img.Pix))
	for i := range out {
		out[i] = g
	}
	return out, nil
}

func (s *scripted) Classes() int            { return s.classes }
func (s *scripted) InputShape() types.Shape { return gray4x4 }

func scenarioConfig() Config {
	return Config{Epsilon: 0.1, LearningRate: 0.05, MaxIterations: 3, SamplesPerStep: 1}
}

func assertAll(t *testing.T, img *types.Image, want float64) {
	t.Helper()
	for i, v := range img.Pix {
		require.InDelta(t, want, v, 1e-12, "pixel %d", i)
	}
}

func TestConcreteScenario(t *testing.T) {
	o := &scripted{classes: 2, grad: 1}
	opt, err := New(scenarioConfig(), o, transform.IdentitySampler{})
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, opt.State())

	original := types.Filled(gray4x4, 0.5)
	res, err := opt.Run(context.Background(), original, 1)
	require.NoError(t, err)

	// The oracle sees the candidate at the start of each iteration.
	require.Len(t, o.seen, 3)
	assertAll(t, o.seen[0], 0.5)
	assertAll(t, o.seen[1], 0.55)
	assertAll(t, o.seen[2], 0.6)

	assertAll(t, res.Adversarial, 0.6)
	assertAll(t, original, 0.5)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, types.ReasonMaxIterations, res.Reason)
	assert.InDelta(t, 0.1, res.LinfNorm, 1e-12)
	assert.Len(t, res.LossTrace, 3)
	assert.InDelta(t, math.Log(2), res.FinalLoss(), 1e-12)
	assert.Equal(t, StateStopped, opt.State())

	one := scenarioConfig()
	one.MaxIterations = 1
	opt, err = New(one, &scripted{classes: 2, grad: 1}, transform.IdentitySampler{})
	require.NoError(t, err)
	res, err = opt.Run(context.Background(), original, 1)
	require.NoError(t, err)
	assertAll(t, res.Adversarial, 0.55)
}

func TestInvalidConfigurationMakesNoOracleCalls(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative epsilon", func(c *Config) { c.Epsilon = -1 }},
		{"zero epsilon", func(c *Config) { c.Epsilon = 0 }},
		{"NaN epsilon", func(c *Config) { c.Epsilon = math.NaN() }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"infinite learning rate", func(c *Config) { c.LearningRate = math.Inf(1) }},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"zero samples", func(c *Config) { c.SamplesPerStep = 0 }},
		{"negative patience", func(c *Config) { c.StagnationPatience = -1 }},
		{"negative threshold", func(c *Config) { c.LossThreshold = -0.5 }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tt.mutate(&cfg)
			counter := oracle.NewCounting(&scripted{classes: 2, grad: 1})

			_, err := New(cfg, counter, transform.IdentitySampler{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)

			fwd, bwd := counter.Calls()
			assert.Zero(t, fwd)
			assert.Zero(t, bwd)
		})
	}
}

func TestInvalidInputsMakeNoOracleCalls(t *testing.T) {
	counter := oracle.NewCounting(&scripted{classes: 2, grad: 1})
	opt, err := New(scenarioConfig(), counter, transform.IdentitySampler{})
	require.NoError(t, err)

	bad := types.Filled(gray4x4, 0.5)
	bad.Pix[3] = 1.5

	tests := []struct {
		name   string
		img    *types.Image
		target int
	}{
		{"target too large", types.Filled(gray4x4, 0.5), 2},
		{"negative target", types.Filled(gray4x4, 0.5), -1},
		{"pixel out of range", bad, 0},
		{"wrong shape", types.Filled(types.Shape{H: 2, W: 2, C: 1}, 0.5), 0},
		{"nil image", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := opt.Run(context.Background(), tt.img, tt.target)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
	fwd, bwd := counter.Calls()
	assert.Zero(t, fwd+bwd)
}

// feasibilitySpy fails the test if any candidate it is shown leaves the feasible region.
type feasibilitySpy struct {
	oracle.Oracle
	t            *testing.T
	lower, upper []float64
	checked      int
}

func (f *feasibilitySpy) Unwrap() oracle.Oracle { return f.Oracle }

func (f *feasibilitySpy) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	for i, v := range img.Pix {
		if v < f.lower[i] || v > f.upper[i] {
			f.t.Fatalf("pixel %d = %v outside [%v, %v] after %d steps", i, v, f.lower[i], f.upper[i], f.checked)
		}
	}
	f.checked++
	return f.Oracle.Backward(ctx, img, upstream)
}

func TestFeasibilityOnEveryStep(t *testing.T) {
	shape := types.Shape{H: 6, W: 6, C: 3}
	lin, err := oracle.NewRandomLinear(shape, 5, 4)
	require.NoError(t, err)

	original := types.Filled(shape, 0.5)
	for i := range original.Pix {
		// Include pixels at both ends of the range so the [0,1] clip matters too.
		original.Pix[i] = float64(i%5) / 4
	}
	cfg := Config{Epsilon: 0.05, LearningRate: 0.5, MaxIterations: 40, SamplesPerStep: 1}
	lower, upper := Bounds(original, cfg.Epsilon)
	spy := &feasibilitySpy{Oracle: lin, t: t, lower: lower, upper: upper}

	opt, err := New(cfg, spy, transform.IdentitySampler{})
	require.NoError(t, err)
	res, err := opt.Run(context.Background(), original, 3)
	require.NoError(t, err)

	assert.Equal(t, 40, spy.checked)
	for i, v := range res.Adversarial.Pix {
		assert.GreaterOrEqual(t, v, lower[i])
		assert.LessOrEqual(t, v, upper[i])
	}
	assert.LessOrEqual(t, res.LinfNorm, cfg.Epsilon+1e-15)
}

func TestLossTrendsDownOnLinearOracle(t *testing.T) {
	shape := types.Shape{H: 5, W: 5, C: 1}
	lin, err := oracle.NewRandomLinear(shape, 4, 12)
	require.NoError(t, err)
	cfg := Config{Epsilon: 0.3, LearningRate: 0.02, MaxIterations: 30, SamplesPerStep: 1}

	opt, err := New(cfg, lin, transform.IdentitySampler{})
	require.NoError(t, err)
	res, err := opt.Run(context.Background(), types.Filled(shape, 0.5), 2)
	require.NoError(t, err)

	mean := func(pts []types.TracePoint) float64 {
		s := 0.0
		for _, p := range pts {
			s += p.Loss
		}
		return s / float64(len(pts))
	}
	first, last := mean(res.LossTrace[:5]), mean(res.LossTrace[len(res.LossTrace)-5:])
	assert.LessOrEqual(t, last, first)
}

func TestSeededRunsAreBitIdentical(t *testing.T) {
	shape := types.Shape{H: 6, W: 6, C: 1}
	lin, err := oracle.NewRandomLinear(shape, 3, 2)
	require.NoError(t, err)
	original := types.Filled(shape, 0.5)
	original.Pix[7] = 0.9

	run := func(workers int) *types.Result {
		sampler, err := transform.NewUniformRotation(-math.Pi/4, math.Pi/4, 42)
		require.NoError(t, err)
		cfg := Config{Epsilon: 0.1, LearningRate: 0.01, MaxIterations: 15, SamplesPerStep: 6, Workers: workers}
		opt, err := New(cfg, lin, sampler)
		require.NoError(t, err)
		res, err := opt.Run(context.Background(), original, 1)
		require.NoError(t, err)
		return res
	}

	a, b, c := run(1), run(1), run(4)
	assert.Equal(t, a.LossTrace, b.LossTrace)
	assert.Equal(t, a.Adversarial.Pix, b.Adversarial.Pix)
	assert.Equal(t, a.LossTrace, c.LossTrace)
	assert.Equal(t, a.Adversarial.Pix, c.Adversarial.Pix)
}

func TestEarlyStop(t *testing.T) {
	shape := types.Shape{H: 4, W: 4, C: 1}
	lin, err := oracle.NewRandomLinear(shape, 2, 6)
	require.NoError(t, err)
	original := types.Filled(shape, 0.5)

	base := Config{Epsilon: 1, LearningRate: 0.5, MaxIterations: 200, SamplesPerStep: 1}
	opt, err := New(base, lin, transform.IdentitySampler{})
	require.NoError(t, err)
	full, err := opt.Run(context.Background(), original, 0)
	require.NoError(t, err)
	require.Equal(t, types.ReasonMaxIterations, full.Reason)

	// Stop at a loss the full run passes through.
	threshold := (full.LossTrace[0].Loss + full.FinalLoss()) / 2
	require.Less(t, full.FinalLoss(), threshold)

	early := base
	early.LossThreshold = threshold
	opt, err = New(early, lin, transform.IdentitySampler{})
	require.NoError(t, err)
	res, err := opt.Run(context.Background(), original, 0)
	require.NoError(t, err)

	assert.Equal(t, types.ReasonConverged, res.Reason)
	assert.Less(t, res.Iterations, base.MaxIterations)
	assert.LessOrEqual(t, res.FinalLoss(), threshold)
	for _, p := range res.LossTrace[:len(res.LossTrace)-1] {
		assert.Greater(t, p.Loss, threshold)
	}
}

func TestCancellationReturnsLastCompletedCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := &scripted{classes: 2, grad: 1}
	cfg := Config{Epsilon: 0.5, LearningRate: 0.01, MaxIterations: 50, SamplesPerStep: 1}
	trace := &telemetry.Trace{}
	cancelling := cancelAfter{Reporter: trace, at: 2, cancel: cancel}

	opt, err := New(cfg, o, transform.IdentitySampler{}, WithReporter(cancelling))
	require.NoError(t, err)
	res, err := opt.Run(ctx, types.Filled(gray4x4, 0.5), 1)

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, types.ReasonCancelled, res.Reason)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, trace.Points(), 3)
	// Three whole steps of 0.01 each, never a partial one.
	assertAll(t, res.Adversarial, 0.53)
	assert.Equal(t, StateStopped, opt.State())
}

type cancelAfter struct {
	telemetry.Reporter
	at     int
	cancel context.CancelFunc
}

func (c cancelAfter) Record(iteration int, loss float64) {
	c.Reporter.Record(iteration, loss)
	if iteration == c.at {
		c.cancel()
	}
}

func TestOracleFailureReturnsLastValidCandidate(t *testing.T) {
	o := &scripted{classes: 2, grad: 1, failAt: 2}
	cfg := Config{Epsilon: 0.5, LearningRate: 0.01, MaxIterations: 10, SamplesPerStep: 1}
	opt, err := New(cfg, o, transform.IdentitySampler{})
	require.NoError(t, err)

	res, err := opt.Run(context.Background(), types.Filled(gray4x4, 0.5), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleFailure)
	assert.ErrorIs(t, err, errDevice)

	require.NotNil(t, res)
	assert.Equal(t, types.ReasonOracleFailure, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assertAll(t, res.Adversarial, 0.52)
}

func TestNonFiniteGradientStopsWithLastValidCandidate(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		t.Run(fmt.Sprint(bad), func(t *testing.T) {
			o := &scripted{classes: 2, grad: 1, gradAt: map[int]float64{1: bad}}
			opt, err := New(scenarioConfig(), o, transform.IdentitySampler{})
			require.NoError(t, err)

			res, err := opt.Run(context.Background(), types.Filled(gray4x4, 0.5), 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOracleFailure)

			require.NotNil(t, res)
			assert.Equal(t, types.ReasonOracleFailure, res.Reason)
			assert.Equal(t, 1, res.Iterations)
			assertAll(t, res.Adversarial, 0.55)
			assert.InDelta(t, 0.05, res.LinfNorm, 1e-12)
		})
	}
}

func TestLongRunDoesNotPreallocateWholeTrace(t *testing.T) {
	o := &scripted{classes: 2, grad: 1}
	cfg := Config{Epsilon: 0.1, LearningRate: 0.05, MaxIterations: 2_000_000_000, SamplesPerStep: 1, LossThreshold: 10}
	opt, err := New(cfg, o, transform.IdentitySampler{})
	require.NoError(t, err)

	// Zero logits give ln 2 on the first step, below the threshold.
	res, err := opt.Run(context.Background(), types.Filled(gray4x4, 0.5), 1)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonConverged, res.Reason)
	assert.LessOrEqual(t, cap(res.LossTrace), traceCapHint)
}

func TestStagnationWarnedOncePerStreak(t *testing.T) {
	// Zero gradient on calls 0-5 and 7-11, a real one on call 6.
	o := &scripted{classes: 2, grad: 0, gradAt: map[int]float64{6: 1}}
	cfg := Config{Epsilon: 0.5, LearningRate: 0.01, MaxIterations: 12, SamplesPerStep: 1}
	trace := &telemetry.Trace{}

	opt, err := New(cfg, o, transform.IdentitySampler{}, WithReporter(trace))
	require.NoError(t, err)
	res, err := opt.Run(context.Background(), types.Filled(gray4x4, 0.5), 0)
	require.NoError(t, err)

	assert.Equal(t, types.ReasonMaxIterations, res.Reason)
	assert.Equal(t, 12, res.Iterations)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, types.WarnStagnation, res.Warnings[0].Kind)
	assert.Equal(t, DefaultStagnationPatience, res.Warnings[0].Iteration)
	assert.Equal(t, 7+DefaultStagnationPatience, res.Warnings[1].Iteration)
	assert.Equal(t, res.Warnings, trace.Warnings())
}

func TestProject(t *testing.T) {
	original, _ := types.NewImageFrom(types.Shape{H: 1, W: 4, C: 1}, []float64{0, 0.05, 0.5, 1})
	lower, upper := Bounds(original, 0.1)
	assert.InDeltaSlice(t, []float64{0, 0, 0.4, 0.9}, lower, 1e-12)
	assert.InDeltaSlice(t, []float64{0.1, 0.15, 0.6, 1}, upper, 1e-12)

	c := []float64{-3, 0.1, 0.45, 2}
	Project(c, lower, upper)
	assert.InDeltaSlice(t, []float64{0, 0.1, 0.45, 1}, c, 1e-12)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "iterating", StateIterating.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
