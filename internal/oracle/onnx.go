package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/mirage/internal/types"
	ort "github.com/yalue/onnxruntime_go"
)

// Metadata sits next to an exported .onnx file and describes its tensors.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	// Layout is "nchw" (default, PyTorch export) or "nhwc".
	Layout     string `json:"layout,omitempty"`
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
}

// Shape derives the single-image HWC shape from the batch-1 input tensor shape.
func (m Metadata) Shape() (types.Shape, error) {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return types.Shape{}, fmt.Errorf("expected a batch-1 4D input shape, got %v", m.InputShape)
	}
	var s types.Shape
	switch m.layout() {
	case "nchw":
		s = types.Shape{C: int(m.InputShape[1]), H: int(m.InputShape[2]), W: int(m.InputShape[3])}
	case "nhwc":
		s = types.Shape{H: int(m.InputShape[1]), W: int(m.InputShape[2]), C: int(m.InputShape[3])}
	default:
		return types.Shape{}, fmt.Errorf("unknown layout %q", m.Layout)
	}
	if !s.Valid() {
		return types.Shape{}, fmt.Errorf("invalid input shape %v", m.InputShape)
	}
	return s, nil
}

func (m Metadata) layout() string {
	if m.Layout == "" {
		return "nchw"
	}
	return strings.ToLower(m.Layout)
}

// toTensor writes an HWC image into dst in the model's layout.
func (m Metadata) toTensor(dst []float32, img *types.Image) {
	s := img.Shape
	if m.layout() == "nhwc" {
		for i, v := range img.Pix {
			dst[i] = float32(v)
		}
		return
	}
	plane := s.H * s.W
	for y := 0; y < s.H; y++ {
		for x := 0; x < s.W; x++ {
			for c := 0; c < s.C; c++ {
				dst[c*plane+y*s.W+x] = float32(img.Pix[s.Index(y, x, c)])
			}
		}
	}
}

// ONNX serves an exported classifier through onnxruntime. ONNX inference has no input gradients,
// so Backward falls back to central finite differences (2 runs per pixel).
type ONNX struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	shape        types.Shape
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	step         float64
}

// NewONNX loads the model. libraryPath points at the onnxruntime shared library and may be empty
// to use the platform default.
func NewONNX(modelPath, metadataPath, libraryPath string, step float64) (*ONNX, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	shape, err := metadata.Shape()
	if err != nil {
		return nil, err
	}
	if step <= 0 {
		step = DefaultFiniteDifferenceStep
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	inputName, outputName := metadata.InputName, metadata.OutputName
	if inputName == "" {
		inputName = "input"
	}
	if outputName == "" {
		outputName = "output"
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNX{
		session:      session,
		Metadata:     metadata,
		shape:        shape,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		step:         step,
	}, nil
}

func (o *ONNX) Classes() int            { return len(o.Metadata.Classes) }
func (o *ONNX) InputShape() types.Shape { return o.shape }
func (o *ONNX) Labels() []string        { return o.Metadata.Classes }

// run executes one inference; callers hold o.mu.
func (o *ONNX) run(img *types.Image) ([]float64, error) {
	o.Metadata.toTensor(o.inputTensor.GetData(), img)
	if err := o.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	raw := o.outputTensor.GetData()
	k := o.Classes()
	if k == 0 || k > len(raw) {
		k = len(raw)
	}
	out := make([]float64, k)
	for i := range out {
		out[i] = float64(raw[i])
	}
	return out, nil
}

func (o *ONNX) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([][]float64, len(batch))
	for i, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkShape(o.shape, img); err != nil {
			return nil, err
		}
		logits, err := o.run(img)
		if err != nil {
			return nil, err
		}
		out[i] = logits
	}
	return out, nil
}

func (o *ONNX) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	if err := checkShape(o.shape, img); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	probe := &types.Image{Shape: img.Shape}
	return FiniteDifference(func(x []float64) ([]float64, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probe.Pix = x
		return o.run(probe)
	}, img.Pix, upstream, o.step)
}

func (o *ONNX) Close() error {
	if o.inputTensor != nil {
		o.inputTensor.Destroy()
	}
	if o.outputTensor != nil {
		o.outputTensor.Destroy()
	}
	if o.session != nil {
		o.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
