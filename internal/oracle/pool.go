package oracle

import (
	"context"
	"errors"

	"github.com/andresmejia3/mirage/internal/types"
)

// Pool spreads calls over several identical oracles (e.g. one model process per engine) so the
// per-sample evaluations of one attack step can run in parallel. Each member serves one call at a
// time.
type Pool struct {
	members []Oracle
	idle    chan Oracle
}

func NewPool(members ...Oracle) (*Pool, error) {
	if len(members) == 0 {
		return nil, errors.New("pool needs at least one oracle")
	}
	p := &Pool{members: members, idle: make(chan Oracle, len(members))}
	for _, m := range members {
		p.idle <- m
	}
	return p, nil
}

// Size returns the number of members.
func (p *Pool) Size() int { return len(p.members) }

// Unwrap exposes the first member so capability lookups see the model description.
func (p *Pool) Unwrap() Oracle { return p.members[0] }

func (p *Pool) acquire(ctx context.Context) (Oracle, error) {
	select {
	case o := <-p.idle:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	o, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- o }()
	return o.Forward(ctx, batch)
}

func (p *Pool) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	o, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- o }()
	return o.Backward(ctx, img, upstream)
}

// Close closes every member.
func (p *Pool) Close() error {
	var errs []error
	for _, m := range p.members {
		if err := Close(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
