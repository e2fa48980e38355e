package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		shape types.Shape
	}{
		{"gray", types.Shape{H: 3, W: 5, C: 1}},
		{"rgb", types.Shape{H: 4, W: 2, C: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := types.NewImage(tt.shape)
			for i := range m.Pix {
				m.Pix[i] = float64(i%7) / 6
			}
			path := filepath.Join(t.TempDir(), "adv.png")
			require.NoError(t, Save(path, m))

			got, err := Load(path, tt.shape)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, got.Shape)
			assert.InDeltaSlice(t, m.Pix, got.Pix, 1.0/65535)
		})
	}
}

func TestLoadResizesToModelShape(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	path := writePNG(t, src)

	got, err := Load(path, types.Shape{H: 4, W: 4, C: 3})
	require.NoError(t, err)
	assert.Equal(t, types.Shape{H: 4, W: 4, C: 3}, got.Shape)
	require.NoError(t, got.Validate())
	// A flat colour stays flat through Lanczos resampling.
	assert.InDelta(t, 200.0/255, got.At(1, 2, 0), 0.01)
	assert.InDelta(t, 50.0/255, got.At(3, 3, 2), 0.01)

	native, err := Load(path, types.Shape{C: 1})
	require.NoError(t, err)
	assert.Equal(t, types.Shape{H: 8, W: 16, C: 1}, native.Shape)
}

func TestFromImageRejectsChannelCount(t *testing.T) {
	_, err := FromImage(image.NewGray(image.Rect(0, 0, 2, 2)), 4)
	assert.Error(t, err)

	_, err = ToImage(types.NewImage(types.Shape{H: 1, W: 1, C: 2}))
	assert.Error(t, err)
}

func TestToImageClampsOutOfRange(t *testing.T) {
	m, _ := types.NewImageFrom(types.Shape{H: 1, W: 2, C: 1}, []float64{-0.5, 1.5})
	img, err := ToImage(m)
	require.NoError(t, err)
	gray := img.(*image.Gray16)
	assert.Equal(t, uint16(0), gray.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(0xffff), gray.Gray16At(1, 0).Y)
}

func TestImageID(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "image_test")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("fake image content"))
	require.NoError(t, err)
	tmp.Close()

	id, err := ImageID(tmp.Name())
	require.NoError(t, err)
	assert.Len(t, id, 64)

	// Verify Determinism
	id2, _ := ImageID(tmp.Name())
	assert.Equal(t, id, id2)

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := ImageID(tmp.Name())
	assert.NotEqual(t, id, id3)

	_, err = ImageID(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
