package oracle

import (
	"context"
	"sync/atomic"

	"github.com/andresmejia3/mirage/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Counting records how many forward and backward calls reach the wrapped oracle.
type Counting struct {
	Oracle
	forward  atomic.Int64
	backward atomic.Int64
}

func NewCounting(o Oracle) *Counting { return &Counting{Oracle: o} }

func (c *Counting) Unwrap() Oracle { return c.Oracle }

func (c *Counting) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	c.forward.Add(1)
	return c.Oracle.Forward(ctx, batch)
}

func (c *Counting) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	c.backward.Add(1)
	return c.Oracle.Backward(ctx, img, upstream)
}

// Calls returns the number of forward and backward calls seen so far.
func (c *Counting) Calls() (forward, backward int64) {
	return c.forward.Load(), c.backward.Load()
}

// RateLimited caps the query rate against a remote or metered model.
// Every forward or backward call takes one token.
type RateLimited struct {
	Oracle
	limiter *rate.Limiter
}

// NewRateLimited allows qps calls per second with the given burst.
func NewRateLimited(o Oracle, qps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Oracle: o, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (r *RateLimited) Unwrap() Oracle { return r.Oracle }

func (r *RateLimited) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Oracle.Forward(ctx, batch)
}

func (r *RateLimited) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Oracle.Backward(ctx, img, upstream)
}

const tracerName = "github.com/andresmejia3/mirage/internal/oracle"

// Traced opens an OpenTelemetry span around every oracle call. With no tracer provider installed
// the global no-op provider makes this free.
type Traced struct {
	Oracle
	tracer trace.Tracer
	name   string
}

func NewTraced(o Oracle, name string) *Traced {
	return &Traced{Oracle: o, tracer: otel.Tracer(tracerName), name: name}
}

func (t *Traced) Unwrap() Oracle { return t.Oracle }

func (t *Traced) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	ctx, span := t.tracer.Start(ctx, "oracle.forward", trace.WithAttributes(
		attribute.String("oracle.name", t.name),
		attribute.Int("oracle.batch", len(batch)),
	))
	defer span.End()

	out, err := t.Oracle.Forward(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (t *Traced) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	ctx, span := t.tracer.Start(ctx, "oracle.backward", trace.WithAttributes(
		attribute.String("oracle.name", t.name),
		attribute.Int("oracle.classes", len(upstream)),
	))
	defer span.End()

	out, err := t.Oracle.Backward(ctx, img, upstream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
