// Package telemetry observes attack runs. Reporters never feed back into the optimizer.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/andresmejia3/mirage/internal/types"
)

// Reporter receives one loss point per completed iteration and any warnings raised along the way.
type Reporter interface {
	Record(iteration int, loss float64)
	Warn(w types.Warning)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(int, float64) {}
func (Nop) Warn(types.Warning)  {}

// Multi fans every event out to each reporter in order.
type Multi []Reporter

func (m Multi) Record(iteration int, loss float64) {
	for _, r := range m {
		r.Record(iteration, loss)
	}
}

func (m Multi) Warn(w types.Warning) {
	for _, r := range m {
		r.Warn(w)
	}
}

// Trace keeps the full loss trace in memory. It is safe for concurrent use.
type Trace struct {
	mu       sync.Mutex
	points   []types.TracePoint
	warnings []types.Warning
}

func (t *Trace) Record(iteration int, loss float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.points = append(t.points, types.TracePoint{Iteration: iteration, Loss: loss})
}

func (t *Trace) Warn(w types.Warning) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warnings = append(t.warnings, w)
}

// Points returns a copy of the recorded trace.
func (t *Trace) Points() []types.TracePoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.TracePoint(nil), t.points...)
}

// Warnings returns a copy of the recorded warnings.
func (t *Trace) Warnings() []types.Warning {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Warning(nil), t.warnings...)
}

// Log writes loss points at debug level and warnings at warn level.
type Log struct {
	Logger *slog.Logger
	Run    string
}

func (l Log) Record(iteration int, loss float64) {
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, "iteration",
		slog.String("run", l.Run), slog.Int("iteration", iteration), slog.Float64("loss", loss))
}

func (l Log) Warn(w types.Warning) {
	l.Logger.LogAttrs(context.Background(), slog.LevelWarn, w.Message,
		slog.String("run", l.Run), slog.String("kind", w.Kind), slog.Int("iteration", w.Iteration))
}
