package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"testing"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var stagnant = types.Warning{Kind: types.WarnStagnation, Iteration: 4, Message: "gradient vanished"}

func TestTraceAndMulti(t *testing.T) {
	a, b := &Trace{}, &Trace{}
	r := Multi{a, Nop{}, b}

	r.Record(0, 2.5)
	r.Record(1, 1.5)
	r.Warn(stagnant)

	for _, tr := range []*Trace{a, b} {
		assert.Equal(t, []types.TracePoint{{Iteration: 0, Loss: 2.5}, {Iteration: 1, Loss: 1.5}}, tr.Points())
		assert.Equal(t, []types.Warning{stagnant}, tr.Warnings())
	}

	// Points hands out a copy.
	pts := a.Points()
	pts[0].Loss = 99
	assert.Equal(t, 2.5, a.Points()[0].Loss)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Record(0, 3)
	m.Record(1, 0.75)
	m.Warn(stagnant)
	m.AddOracleCalls(2, 6)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.iterations))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.loss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warnings.WithLabelValues(types.WarnStagnation)))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.oracleCalls.WithLabelValues("backward")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 3, "attack")
	p.Record(0, 1.25)
	p.Warn(stagnant)
	require.NoError(t, p.Finish())
	assert.Contains(t, buf.String(), "attack")
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), Run: "r1"}
	l.Record(7, 0.5)
	l.Warn(stagnant)

	out := buf.String()
	assert.Contains(t, out, "iteration=7")
	assert.Contains(t, out, "loss=0.5")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "kind=stagnation")
}

// TestRedisStreamIntegration appends to a stream on a real Redis container. It requires Docker.
func TestRedisStreamIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
		Logger:  noopLogger{},
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	s := NewRedisStream(ctx, client, "run-1")
	s.Record(0, 2)
	s.Record(1, 1.5)
	s.Warn(stagnant)
	require.NoError(t, s.Err())

	msgs, err := client.XRange(ctx, StreamKey("run-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "loss", msgs[1].Values["type"])
	assert.Equal(t, "1", msgs[1].Values["iteration"])
	loss, err := strconv.ParseFloat(msgs[1].Values["loss"].(string), 64)
	require.NoError(t, err)
	assert.Equal(t, 1.5, loss)
	assert.Equal(t, types.WarnStagnation, msgs[2].Values["kind"])
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
