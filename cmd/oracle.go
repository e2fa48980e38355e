package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/types"
	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/andresmejia3/mirage/internal/worker"
	"github.com/spf13/pflag"
)

// OracleOptions selects and configures the classifier under attack.
type OracleOptions struct {
	Kind string // linear, worker, http or onnx

	// linear
	Shape   string
	Classes int
	Seed    uint64

	// worker
	WorkerCommand string
	WorkerArgs    []string
	Engines       int

	// http
	URL     string
	Timeout time.Duration

	// onnx
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	FDStep       float64

	// QPS > 0 rate-limits every oracle call
	QPS float64
}

func addOracleFlags(fs *pflag.FlagSet, o *OracleOptions) {
	fs.StringVar(&o.Kind, "oracle", "linear", "Classifier backend: linear, worker, http or onnx")
	fs.StringVar(&o.Shape, "shape", "32x32x3", "Input shape HxWxC for the linear oracle")
	fs.IntVar(&o.Classes, "classes", 10, "Number of classes for the linear oracle")
	fs.Uint64Var(&o.Seed, "model-seed", 1, "Weight seed for the linear oracle")
	fs.StringVar(&o.WorkerCommand, "worker-cmd", "python3", "Model process executable for the worker oracle")
	fs.StringSliceVar(&o.WorkerArgs, "worker-args", []string{"-u", "python/oracle.py"}, "Model process arguments for the worker oracle")
	fs.IntVarP(&o.Engines, "engines", "e", 1, "Number of parallel model processes for the worker oracle")
	fs.StringVar(&o.URL, "model-url", "http://localhost:8000", "Model server base URL for the http oracle")
	fs.DurationVar(&o.Timeout, "model-timeout", 30*time.Second, "Per-request timeout for the http oracle")
	fs.StringVar(&o.ModelPath, "model", "models/model.onnx", "Model file for the onnx oracle")
	fs.StringVar(&o.MetadataPath, "metadata", "models/model_metadata.json", "Metadata file for the onnx oracle")
	fs.StringVar(&o.LibraryPath, "ort-lib", "", "Path to the onnxruntime shared library (default: platform lookup)")
	fs.Float64Var(&o.FDStep, "fd-step", oracle.DefaultFiniteDifferenceStep, "Finite-difference step for onnx gradients")
	fs.Float64Var(&o.QPS, "qps", 0, "Maximum oracle calls per second (0 = unlimited)")
}

// parseShape reads "HxWxC".
func parseShape(s string) (types.Shape, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 3 {
		return types.Shape{}, fmt.Errorf("shape %q must look like HxWxC", s)
	}
	var dims [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return types.Shape{}, fmt.Errorf("shape %q: %w", s, err)
		}
		dims[i] = v
	}
	shape := types.Shape{H: dims[0], W: dims[1], C: dims[2]}
	if !shape.Valid() {
		return types.Shape{}, fmt.Errorf("shape %q has a non-positive dimension", s)
	}
	return shape, nil
}

// model is a built oracle chain plus the handles the commands report on.
type model struct {
	oracle.Oracle
	counter *oracle.Counting
	shape   types.Shape
	classes int
	labels  []string
	// proc is the first model process, if any, so its stderr can be dumped on failure
	proc *utils.SafeCommand
}

func (m *model) Close() error { return oracle.Close(m.Oracle) }

func (m *model) Unwrap() oracle.Oracle { return m.Oracle }

// label returns the class name for id, or the id itself.
func (m *model) label(id int) string {
	if id >= 0 && id < len(m.labels) && m.labels[id] != "" {
		return m.labels[id]
	}
	return strconv.Itoa(id)
}

func buildModel(ctx context.Context, opts OracleOptions) (*model, error) {
	m := &model{}
	var base oracle.Oracle

	switch opts.Kind {
	case "linear":
		shape, err := parseShape(opts.Shape)
		if err != nil {
			return nil, err
		}
		lin, err := oracle.NewRandomLinear(shape, opts.Classes, opts.Seed)
		if err != nil {
			return nil, err
		}
		base = lin
	case "worker":
		if opts.Engines < 1 {
			opts.Engines = 1
		}
		members := make([]oracle.Oracle, 0, opts.Engines)
		cfg := worker.Config{Command: opts.WorkerCommand, Args: opts.WorkerArgs}
		for i := 0; i < opts.Engines; i++ {
			w, err := worker.NewModelWorker(ctx, i, cfg)
			if err != nil {
				for _, started := range members {
					oracle.Close(started)
				}
				return nil, fmt.Errorf("failed to start model worker %d: %w", i, err)
			}
			if m.proc == nil {
				m.proc = w.Cmd
			}
			members = append(members, w)
		}
		if len(members) == 1 {
			base = members[0]
			break
		}
		pool, err := oracle.NewPool(members...)
		if err != nil {
			return nil, err
		}
		base = pool
	case "http":
		client, err := oracle.NewHTTP(ctx, opts.URL, opts.Timeout)
		if err != nil {
			return nil, err
		}
		base = client
	case "onnx":
		o, err := oracle.NewONNX(opts.ModelPath, opts.MetadataPath, opts.LibraryPath, opts.FDStep)
		if err != nil {
			return nil, err
		}
		base = o
	default:
		return nil, fmt.Errorf("unknown oracle %q (want linear, worker, http or onnx)", opts.Kind)
	}

	d, ok := oracle.Describe(base)
	if !ok {
		oracle.Close(base)
		return nil, errors.New("oracle does not report its input shape")
	}
	m.shape, m.classes = d.InputShape(), d.Classes()
	m.labels = oracle.Labels(base)

	m.counter = oracle.NewCounting(base)
	var chain oracle.Oracle = m.counter
	if opts.QPS > 0 {
		chain = oracle.NewRateLimited(chain, opts.QPS, 1)
	}
	m.Oracle = oracle.NewTraced(chain, opts.Kind)
	return m, nil
}
