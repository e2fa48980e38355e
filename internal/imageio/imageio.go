// Package imageio converts between image files and the [0,1] HWC tensors the attack works on.
package imageio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/nfnt/resize"
)

// Load decodes a PNG or JPEG file and converts it to shape, resizing with Lanczos3 when the file's
// resolution differs. A zero H or W keeps the file's resolution. shape.C selects grayscale (1) or
// RGB (3).
func Load(path string, shape types.Shape) (*types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	b := img.Bounds()
	if shape.W > 0 && shape.H > 0 && (b.Dx() != shape.W || b.Dy() != shape.H) {
		img = resize.Resize(uint(shape.W), uint(shape.H), img, resize.Lanczos3)
	}
	return FromImage(img, shape.C)
}

// FromImage converts img to an HWC tensor with 1 (luminance) or 3 (RGB) channels.
func FromImage(img image.Image, channels int) (*types.Image, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d (want 1 or 3)", channels)
	}
	b := img.Bounds()
	out := types.NewImage(types.Shape{H: b.Dy(), W: b.Dx(), C: channels})
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			px := img.At(b.Min.X+x, b.Min.Y+y)
			if channels == 1 {
				g := color.Gray16Model.Convert(px).(color.Gray16)
				out.Pix[out.Shape.Index(y, x, 0)] = float64(g.Y) / 65535
				continue
			}
			r, g, bl, _ := px.RGBA()
			out.Pix[out.Shape.Index(y, x, 0)] = float64(r) / 65535
			out.Pix[out.Shape.Index(y, x, 1)] = float64(g) / 65535
			out.Pix[out.Shape.Index(y, x, 2)] = float64(bl) / 65535
		}
	}
	return out, nil
}

// ToImage converts a 1- or 3-channel tensor to a 16-bit image so a [0,1] value survives a PNG
// round trip to within 1/65535.
func ToImage(m *types.Image) (image.Image, error) {
	s := m.Shape
	rect := image.Rect(0, 0, s.W, s.H)
	switch s.C {
	case 1:
		out := image.NewGray16(rect)
		for y := 0; y < s.H; y++ {
			for x := 0; x < s.W; x++ {
				out.SetGray16(x, y, color.Gray16{Y: quantize(m.At(y, x, 0))})
			}
		}
		return out, nil
	case 3:
		out := image.NewNRGBA64(rect)
		for y := 0; y < s.H; y++ {
			for x := 0; x < s.W; x++ {
				out.SetNRGBA64(x, y, color.NRGBA64{
					R: quantize(m.At(y, x, 0)),
					G: quantize(m.At(y, x, 1)),
					B: quantize(m.At(y, x, 2)),
					A: 0xffff,
				})
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d (want 1 or 3)", s.C)
	}
}

func quantize(v float64) uint16 {
	return uint16(math.Round(math.Min(math.Max(v, 0), 1) * 65535))
}

// Encode writes m as PNG.
func Encode(w io.Writer, m *types.Image) error {
	img, err := ToImage(m)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// Save writes m to path as PNG.
func Save(path string, m *types.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ImageID returns the SHA-256 of the file contents, so the same picture always maps to the same id.
func ImageID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
