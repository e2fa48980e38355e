package telemetry

import (
	"context"
	"strconv"
	"sync"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/redis/go-redis/v9"
)

// StreamKey is the Redis stream a run's trace is appended to.
func StreamKey(runID string) string { return "mirage:trace:" + runID }

// RedisStream appends every loss point and warning to a Redis stream so other processes can follow
// a run live. Write errors do not stop the attack; the first one is kept for Err.
type RedisStream struct {
	client *redis.Client
	stream string
	ctx    context.Context

	mu  sync.Mutex
	err error
}

func NewRedisStream(ctx context.Context, client *redis.Client, runID string) *RedisStream {
	return &RedisStream{client: client, stream: StreamKey(runID), ctx: ctx}
}

func (r *RedisStream) Record(iteration int, loss float64) {
	r.add(map[string]any{
		"type":      "loss",
		"iteration": iteration,
		"loss":      strconv.FormatFloat(loss, 'g', -1, 64),
	})
}

func (r *RedisStream) Warn(w types.Warning) {
	r.add(map[string]any{
		"type":      "warning",
		"kind":      w.Kind,
		"iteration": w.Iteration,
		"message":   w.Message,
	})
}

func (r *RedisStream) add(values map[string]any) {
	err := r.client.XAdd(r.ctx, &redis.XAddArgs{Stream: r.stream, Values: values}).Err()
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first write error, if any.
func (r *RedisStream) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
