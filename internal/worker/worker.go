package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/andresmejia3/mirage/internal/utils" // Using the SafeCommand wrapper
)

// Wire protocol. Every message is framed as [uint32 length][payload], big endian.
//
//	request  hello:    [op=2]
//	request  forward:  [op=0][n][h][w][c][n*h*w*c float32]
//	request  backward: [op=1][h][w][c][h*w*c float32][k][k float32]
//	response ok:       [status=0][op specific body]
//	response error:    [status=1][msgLen][msg]
const (
	opForward  byte = 0
	opBackward byte = 1
	opHello    byte = 2

	statusOK    byte = 0
	statusError byte = 1
)

// Config describes how to launch a model process.
type Config struct {
	Command string   // e.g. "python3"
	Args    []string // e.g. ["-u", "python/oracle.py", "--model", "resnet50"]
}

// ModelWorker talks to an autodiff-capable model process (e.g. PyTorch) that computes logits and
// input gradients. Calls are serialized: one request in flight per process.
type ModelWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu      sync.Mutex
	shape   types.Shape
	classes int
}

// NewModelWorker starts the process and performs the hello handshake to learn the model's
// input shape and label count.
func NewModelWorker(ctx context.Context, id int, cfg Config) (*ModelWorker, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	// 1. Initialize the SafeCommand
	proc := utils.NewSafeCommandContext(ctx, cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	mw := &ModelWorker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}
	if err := mw.hello(); err != nil {
		mw.Close()
		return nil, fmt.Errorf("worker %d handshake failed: %w", id, err)
	}
	return mw, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result from the clean DataPipe, so stdout noise never corrupts a frame.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a model process that died on import
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call runs one request under the worker lock and strips the status byte.
func (w *ModelWorker) call(ctx context.Context, req []byte) (*bytes.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	resp, err := w.Communicate(req)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response from model worker")
	}

	body := bytes.NewReader(resp[1:])
	if resp[0] == statusError {
		var msgLen uint32
		if err := binary.Read(body, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(body, msg); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return nil, fmt.Errorf("model worker error: %s", msg)
	}
	if resp[0] != statusOK {
		return nil, fmt.Errorf("unknown status byte %d", resp[0])
	}
	return body, nil
}

func (w *ModelWorker) hello() error {
	body, err := w.call(context.Background(), []byte{opHello})
	if err != nil {
		return err
	}
	var hdr [4]uint32 // classes, h, w, c
	if err := binary.Read(body, binary.BigEndian, &hdr); err != nil {
		return fmt.Errorf("malformed hello frame: %w", err)
	}
	w.classes = int(hdr[0])
	w.shape = types.Shape{H: int(hdr[1]), W: int(hdr[2]), C: int(hdr[3])}
	if w.classes < 1 || !w.shape.Valid() {
		return fmt.Errorf("model reported unusable geometry: %d classes, shape %s", w.classes, w.shape)
	}
	return nil
}

func (w *ModelWorker) Classes() int            { return w.classes }
func (w *ModelWorker) InputShape() types.Shape { return w.shape }

// Forward sends the whole batch in one frame.
func (w *ModelWorker) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	shape := batch[0].Shape
	req := new(bytes.Buffer)
	req.WriteByte(opForward)
	binary.Write(req, binary.BigEndian, [4]uint32{uint32(len(batch)), uint32(shape.H), uint32(shape.W), uint32(shape.C)})
	for _, img := range batch {
		if img.Shape != shape {
			return nil, fmt.Errorf("mixed shapes in batch: %s and %s", shape, img.Shape)
		}
		writeFloats(req, img.Pix)
	}

	body, err := w.call(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}

	var dims [2]uint32 // n, k
	if err := binary.Read(body, binary.BigEndian, &dims); err != nil {
		return nil, fmt.Errorf("malformed forward frame: %w", err)
	}
	if int(dims[0]) != len(batch) {
		return nil, fmt.Errorf("model returned %d logit vectors for %d images", dims[0], len(batch))
	}
	out := make([][]float64, dims[0])
	for i := range out {
		if out[i], err = readFloats(body, int(dims[1])); err != nil {
			return nil, fmt.Errorf("malformed forward frame: %w", err)
		}
	}
	return out, nil
}

func (w *ModelWorker) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	req := new(bytes.Buffer)
	req.WriteByte(opBackward)
	binary.Write(req, binary.BigEndian, [3]uint32{uint32(img.Shape.H), uint32(img.Shape.W), uint32(img.Shape.C)})
	writeFloats(req, img.Pix)
	binary.Write(req, binary.BigEndian, uint32(len(upstream)))
	writeFloats(req, upstream)

	body, err := w.call(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(body, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed backward frame: %w", err)
	}
	if int(n) != len(img.Pix) {
		return nil, fmt.Errorf("model returned a gradient of %d values for %d pixels", n, len(img.Pix))
	}
	grad, err := readFloats(body, int(n))
	if err != nil {
		return nil, fmt.Errorf("malformed backward frame: %w", err)
	}
	return grad, nil
}

func (w *ModelWorker) Close() error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}

func writeFloats(buf *bytes.Buffer, vs []float64) {
	var b [4]byte
	for _, v := range vs {
		binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(v)))
		buf.Write(b[:])
	}
}

func readFloats(r io.Reader, n int) ([]float64, error) {
	raw := make([]float32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}
