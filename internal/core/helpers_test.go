package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"neuroscan-backend/internal/core/checkpoint"
	"neuroscan-backend/internal/core/nn"
	"neuroscan-backend/internal/core/resnet"

	"github.com/stretchr/testify/require"
)

var testLabels = LabelSet{"A", "B", "C", "D", "normal"}

type paramEdit func(params map[string]*nn.Tensor)

// positiveHead makes every class weight every layer4 channel positively, so
// Grad-CAM maps of non-constant inputs are never degenerate.
func positiveHead(params map[string]*nn.Tensor) {
	for i, v := range params[resnet.Prefix+"fc.weight"].Data {
		params[resnet.Prefix+"fc.weight"].Data[i] = float32(math.Abs(float64(v))) + 0.05
	}
}

func favour(class int, bias float32) paramEdit {
	return func(params map[string]*nn.Tensor) {
		params[resnet.Prefix+"fc.bias"].Data[class] += bias
	}
}

func tinyCheckpoint(t *testing.T, numClasses int, seed int64, edits ...paramEdit) []byte {
	t.Helper()
	params := resnet.RandomParams(resnet.Tiny, numClasses, seed)
	for _, edit := range edits {
		edit(params)
	}
	var buf bytes.Buffer
	require.NoError(t, checkpoint.Write(&buf, params, nil))
	return buf.Bytes()
}

type countingSource struct {
	data  []byte
	calls atomic.Int32
}

func (s *countingSource) read(ctx context.Context) ([]byte, error) {
	s.calls.Add(1)
	return s.data, nil
}

func newTestEngine(t *testing.T, ckpt []byte, target string) (*Engine, *countingSource) {
	t.Helper()
	source := &countingSource{data: ckpt}
	loaders := NewModelLoaders(resnet.Tiny, len(testLabels), "")
	cache := NewModelCache("test", source.read, loaders[ResNet], len(testLabels))
	return NewEngine(testLabels, cache, target), source
}

func testImage(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(255 * x / w),
				G: uint8(255 * y / h),
				B: uint8(rng.Intn(256)),
				A: 0xff,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func grayImage(w, h int, level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

// pngHeader is a PNG signature and an IHDR chunk for an 8-bit grayscale image
// of the given size, with no pixel data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 4+13)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12] = 8 // bit depth, color type 0 (gray)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}
