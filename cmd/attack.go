package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/mirage/internal/attack"
	"github.com/andresmejia3/mirage/internal/imageio"
	"github.com/andresmejia3/mirage/internal/loss"
	"github.com/andresmejia3/mirage/internal/oracle"
	"github.com/andresmejia3/mirage/internal/store"
	"github.com/andresmejia3/mirage/internal/telemetry"
	"github.com/andresmejia3/mirage/internal/transform"
	"github.com/andresmejia3/mirage/internal/types"
	"github.com/andresmejia3/mirage/internal/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// AttackOptions holds the attack command configuration.
type AttackOptions struct {
	InputPath    string
	OutputPath   string
	Target       int
	Epsilon      float64
	LearningRate float64
	Iterations   int
	Samples      int
	Distribution string
	Seed         uint64
	Patience     int
	EarlyStop    float64
	Workers      int
	Persist      bool
	MetricsAddr  string
	RedisAddr    string
	Oracle       OracleOptions
}

var attackOpts AttackOptions

var attackCmd = &cobra.Command{
	Use:   "attack",
	Short: "Craft a targeted adversarial image",
	Long: `Runs projected gradient ascent on the target label's log-likelihood inside an L∞ ball
around the input image. With --dist rotation and --samples > 1 the loss is averaged over random
rotations, so the perturbation keeps working when the picture is turned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttack(cmd.Context(), attackOpts)
	},
}

func init() {
	d := attack.DefaultConfig()
	f := attackCmd.Flags()
	f.StringVarP(&attackOpts.InputPath, "input", "i", "", "Path to the original image (PNG or JPEG)")
	f.StringVarP(&attackOpts.OutputPath, "output", "o", "", "Where to write the adversarial PNG (default: <input>_adv.png)")
	f.IntVarP(&attackOpts.Target, "target", "t", 0, "Target class index")
	f.Float64Var(&attackOpts.Epsilon, "epsilon", d.Epsilon, "L∞ perturbation budget in [0,1] pixel units")
	f.Float64Var(&attackOpts.LearningRate, "lr", d.LearningRate, "Ascent step size")
	f.IntVarP(&attackOpts.Iterations, "iterations", "n", d.MaxIterations, "Number of PGD iterations")
	f.IntVarP(&attackOpts.Samples, "samples", "s", d.SamplesPerStep, "Transformations averaged per step (EOT batch size)")
	f.StringVar(&attackOpts.Distribution, "dist", "identity", "Transformation distribution: identity, rotation or rotation:<min>:<max>")
	f.Uint64Var(&attackOpts.Seed, "seed", 42, "Seed for the transformation sampler")
	f.IntVar(&attackOpts.Patience, "patience", d.StagnationPatience, "Zero-gradient iterations tolerated before a stagnation warning")
	f.Float64Var(&attackOpts.EarlyStop, "early-stop", 0, "Stop once the loss drops to this value (0 = run all iterations)")
	f.IntVarP(&attackOpts.Workers, "workers", "w", d.Workers, "Concurrent oracle evaluations per step")
	f.BoolVar(&attackOpts.Persist, "persist", false, "Store the run and its loss trace in PostgreSQL")
	f.StringVar(&attackOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the attack (e.g. :9090)")
	f.StringVar(&attackOpts.RedisAddr, "redis", os.Getenv("MIRAGE_REDIS_ADDR"), "Redis address to stream the loss trace to")
	addOracleFlags(f, &attackOpts.Oracle)

	attackCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(attackCmd)
}

// validateAttackFlags checks what the optimizer cannot: file paths, the distribution string and the
// oracle selection. Numeric parameters are validated by attack.Config.
func validateAttackFlags(opts *AttackOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := errors.New("input path is a directory, expected an image file")
		utils.ShowError("Invalid input", err, nil)
		return err
	}
	if opts.Target < 0 {
		err := fmt.Errorf("must be >= 0, got %d", opts.Target)
		utils.ShowError("Invalid target class", err, nil)
		return err
	}
	if _, err := transform.ParseDistribution(opts.Distribution, opts.Seed); err != nil {
		utils.ShowError("Invalid transformation distribution", err, nil)
		return err
	}
	if err := attackConfig(*opts).Validate(); err != nil {
		utils.ShowError("Invalid attack parameters", err, nil)
		return err
	}
	switch opts.Oracle.Kind {
	case "linear", "worker", "http", "onnx":
	default:
		err := fmt.Errorf("unknown oracle %q", opts.Oracle.Kind)
		utils.ShowError("Invalid oracle", err, nil)
		return err
	}
	if opts.Oracle.QPS < 0 {
		err := fmt.Errorf("must be >= 0, got %v", opts.Oracle.QPS)
		utils.ShowError("Invalid qps", err, nil)
		return err
	}
	if opts.OutputPath == "" {
		ext := filepath.Ext(opts.InputPath)
		opts.OutputPath = strings.TrimSuffix(opts.InputPath, ext) + "_adv.png"
	}
	return nil
}

func attackConfig(opts AttackOptions) attack.Config {
	return attack.Config{
		Epsilon:            opts.Epsilon,
		LearningRate:       opts.LearningRate,
		MaxIterations:      opts.Iterations,
		SamplesPerStep:     opts.Samples,
		StagnationPatience: opts.Patience,
		LossThreshold:      opts.EarlyStop,
		Workers:            opts.Workers,
	}
}

// runAttack orchestrates one attack: model startup, image loading, telemetry, the optimizer and
// the outputs.
func runAttack(ctx context.Context, opts AttackOptions) error {
	if err := validateAttackFlags(&opts); err != nil {
		return err
	}
	runID := uuid.NewString()

	// 1. Start the model
	fmt.Fprintf(os.Stderr, "🚀 Starting %s oracle...\n", opts.Oracle.Kind)
	m, err := buildModel(ctx, opts.Oracle)
	if err != nil {
		utils.ShowError("Failed to start oracle", err, nil)
		return err
	}
	defer m.Close()

	// 2. Load the image at the model's resolution
	original, err := imageio.Load(opts.InputPath, m.shape)
	if err != nil {
		utils.ShowError("Failed to load input image", err, nil)
		return err
	}
	imageID, err := imageio.ImageID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to hash input image", err, nil)
		return err
	}
	if m.classes > 0 && opts.Target >= m.classes {
		err := fmt.Errorf("target %d outside the model's %d classes", opts.Target, m.classes)
		utils.ShowError("Invalid target class", err, nil)
		return err
	}

	before, err := topClass(ctx, m, original)
	if err != nil {
		utils.ShowError("Initial prediction failed", err, m.proc)
		return err
	}

	// 3. Telemetry
	sampler, err := transform.ParseDistribution(opts.Distribution, opts.Seed)
	if err != nil {
		return err
	}
	progress := telemetry.NewProgress(os.Stderr, opts.Iterations, "🎯 Attacking")
	reporters := telemetry.Multi{progress, telemetry.Log{Logger: logger, Run: runID}}

	var metrics *telemetry.Metrics
	if opts.MetricsAddr != "" {
		metrics, err = telemetry.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			utils.ShowError("Failed to register metrics", err, nil)
			return err
		}
		reporters = append(reporters, metrics)
		srv := serveMetrics(opts.MetricsAddr)
		defer srv.Shutdown(context.Background())
	}

	var stream *telemetry.RedisStream
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		defer rdb.Close()
		stream = telemetry.NewRedisStream(ctx, rdb, runID)
		reporters = append(reporters, stream)
		fmt.Fprintf(os.Stderr, "📡 Streaming loss trace to %s (%s)\n", opts.RedisAddr, telemetry.StreamKey(runID))
	}

	// 4. Run
	opt, err := attack.New(attackConfig(opts), m, sampler,
		attack.WithReporter(reporters),
		attack.WithLogger(logger),
	)
	if err != nil {
		utils.ShowError("Invalid attack parameters", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Target %s, ε=%.4f, α=%.4f, %d iterations x %d samples (%s)\n",
		m.label(opts.Target), opts.Epsilon, opts.LearningRate, opts.Iterations, opts.Samples, sampler.Describe())
	start := time.Now()
	res, runErr := opt.Run(ctx, original, opts.Target)
	progress.Finish()
	fmt.Fprintln(os.Stderr)

	if metrics != nil {
		metrics.AddOracleCalls(m.counter.Calls())
	}
	if stream != nil && stream.Err() != nil {
		logger.Warn("redis stream incomplete", "error", stream.Err())
	}
	if res == nil {
		utils.ShowError("Attack failed", runErr, m.proc)
		return runErr
	}

	// 5. Outputs. Cancelled and failed runs still hold a valid, feasible candidate.
	if err := imageio.Save(opts.OutputPath, res.Adversarial); err != nil {
		utils.ShowError("Failed to write adversarial image", err, nil)
		return err
	}

	if opts.Persist {
		if err := persistRun(ctx, runID, imageID, sampler.Describe(), opts, res); err != nil {
			utils.ShowError("Failed to persist run", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🗄️  Run saved as %s\n", runID)
	}

	if runErr != nil {
		utils.ShowError(fmt.Sprintf("Attack stopped early (%s) after %d iterations", res.Reason, res.Iterations), runErr, m.proc)
		return runErr
	}

	// A fresh context so the summary still prints after Ctrl+C during the final iteration.
	after, err := topClass(context.WithoutCancel(ctx), m, res.Adversarial)
	if err != nil {
		utils.ShowError("Final prediction failed", err, m.proc)
		return err
	}
	printSummary(m, res, before, after, opts, time.Since(start))
	return nil
}

// persistRun stores the run and its trace. Cancelled runs are stored too, so the save ignores
// cancellation of ctx.
func persistRun(ctx context.Context, runID, imageID, dist string, opts AttackOptions, res *types.Result) error {
	_, err := DB.SaveRun(context.WithoutCancel(ctx), store.Run{
		ID:             runID,
		ImageID:        imageID,
		ImagePath:      opts.InputPath,
		Target:         opts.Target,
		Epsilon:        opts.Epsilon,
		LearningRate:   opts.LearningRate,
		MaxIterations:  opts.Iterations,
		SamplesPerStep: opts.Samples,
		Distribution:   dist,
		Seed:           opts.Seed,
		Iterations:     res.Iterations,
		FinalLoss:      finiteOrZero(res.FinalLoss()),
		StopReason:     res.Reason.String(),
		OutputPath:     opts.OutputPath,
	}, res.LossTrace)
	return err
}

type prediction struct {
	class int
	prob  float64
}

func topClass(ctx context.Context, m *model, img *types.Image) (prediction, error) {
	logits, err := oracle.Predict(ctx, m, img)
	if err != nil {
		return prediction{}, err
	}
	p := loss.Softmax(logits)
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return prediction{class: best, prob: p[best]}, nil
}

func printSummary(m *model, res *types.Result, before, after prediction, opts AttackOptions, elapsed time.Duration) {
	fmt.Printf("Before:     %s (p=%.3f)\n", m.label(before.class), before.prob)
	fmt.Printf("After:      %s (p=%.3f)\n", m.label(after.class), after.prob)
	fmt.Printf("Iterations: %d (%s) in %s\n", res.Iterations, res.Reason, elapsed.Round(time.Millisecond))
	fmt.Printf("Loss:       %.4f -> %.4f\n", res.LossTrace[0].Loss, res.FinalLoss())
	fmt.Printf("L∞:         %.4f (budget %.4f)\n", res.LinfNorm, opts.Epsilon)
	for _, w := range res.Warnings {
		fmt.Printf("⚠️  %s at iteration %d: %s\n", w.Kind, w.Iteration, w.Message)
	}
	if after.class == opts.Target {
		fmt.Printf("✅ Target %s reached. Saved to %s\n", m.label(opts.Target), opts.OutputPath)
	} else {
		fmt.Printf("❌ Target %s not reached. Saved to %s\n", m.label(opts.Target), opts.OutputPath)
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	fmt.Fprintf(os.Stderr, "📈 Metrics on http://%s/metrics\n", addr)
	return srv
}
