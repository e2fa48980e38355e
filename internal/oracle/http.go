package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/mirage/internal/types"
)

// HTTP is a client for a model server (typically PyTorch) that exposes logits and input
// gradients over JSON.
//
//	GET  /health    -> HealthResponse
//	POST /forward   ForwardRequest  -> ForwardResponse
//	POST /backward  BackwardRequest -> BackwardResponse
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	health     HealthResponse
}

// HealthResponse describes the served model.
type HealthResponse struct {
	Status  string      `json:"status"`
	Classes int         `json:"classes"`
	Shape   types.Shape `json:"shape"`
	Labels  []string    `json:"labels,omitempty"`
}

type ForwardRequest struct {
	Shape  types.Shape `json:"shape"`
	Images [][]float64 `json:"images"`
}

type ForwardResponse struct {
	Logits [][]float64 `json:"logits"`
}

type BackwardRequest struct {
	Shape    types.Shape `json:"shape"`
	Image    []float64   `json:"image"`
	Upstream []float64   `json:"upstream"`
}

type BackwardResponse struct {
	Gradient []float64 `json:"gradient"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTP creates the client and checks /health so the model geometry is known up front.
func NewHTTP(ctx context.Context, baseURL string, timeout time.Duration) (*HTTP, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &HTTP{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if h.Status != "healthy" {
		return nil, fmt.Errorf("model server not healthy: %s", h.Status)
	}
	if h.Classes < 1 || !h.Shape.Valid() {
		return nil, fmt.Errorf("model server reported unusable geometry: %d classes, shape %s", h.Classes, h.Shape)
	}
	c.health = *h
	return c, nil
}

// Health checks the model server.
func (c *HTTP) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTP) Classes() int            { return c.health.Classes }
func (c *HTTP) InputShape() types.Shape { return c.health.Shape }
func (c *HTTP) Labels() []string        { return c.health.Labels }

func (c *HTTP) Forward(ctx context.Context, batch []*types.Image) ([][]float64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	req := ForwardRequest{Shape: batch[0].Shape, Images: make([][]float64, len(batch))}
	for i, img := range batch {
		if err := checkShape(c.health.Shape, img); err != nil {
			return nil, err
		}
		req.Images[i] = img.Pix
	}

	var resp ForwardResponse
	if err := c.do(ctx, http.MethodPost, "/forward", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Logits) != len(batch) {
		return nil, fmt.Errorf("model server returned %d logit vectors for %d images", len(resp.Logits), len(batch))
	}
	return resp.Logits, nil
}

func (c *HTTP) Backward(ctx context.Context, img *types.Image, upstream []float64) ([]float64, error) {
	if err := checkShape(c.health.Shape, img); err != nil {
		return nil, err
	}
	var resp BackwardResponse
	if err := c.do(ctx, http.MethodPost, "/backward", BackwardRequest{Shape: img.Shape, Image: img.Pix, Upstream: upstream}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Gradient) != len(img.Pix) {
		return nil, fmt.Errorf("model server returned a gradient of %d values for %d pixels", len(resp.Gradient), len(img.Pix))
	}
	return resp.Gradient, nil
}

func (c *HTTP) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
