package core

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"neuroscan-backend/internal/core/nn"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const InputSize = 224

var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// DefaultMaxImagePixels bounds width*height of accepted images. A 5000x5000
// image already needs 100MB once converted to RGBA.
const DefaultMaxImagePixels = 25_000_000

var ErrImageTooLarge = errors.New("image too large")

// Decode reads a JPEG, PNG, GIF or WebP image of at most
// DefaultMaxImagePixels pixels.
func Decode(data []byte) (image.Image, string, error) {
	return DecodeLimited(data, DefaultMaxImagePixels)
}

// DecodeLimited is Decode with an explicit pixel limit; maxPixels <= 0
// disables it. The dimensions are read from the header before any pixel data
// is decoded.
func DecodeLimited(data []byte, maxPixels int64) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &InputError{Err: errors.New("empty image")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", &InputError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", &InputError{Err: fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height)}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", &InputError{Err: fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &InputError{Err: err}
	}
	if b := img.Bounds(); b.Empty() {
		return nil, "", &InputError{Err: fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())}
	}
	return img, format, nil
}

// toRGB converts any color model to opaque RGB. Alpha is discarded without
// compositing, grayscale is replicated into every channel.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.RGBA); ok && src.Opaque() {
		draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// Preprocess turns an image into the [1,3,224,224] network input: RGB,
// bilinear resize, scale to [0,1], then per-channel standardisation.
func Preprocess(img image.Image) (*nn.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &InputError{Err: errors.New("image has no pixels")}
	}

	rgb := toRGB(img)
	resized := resize.Resize(InputSize, InputSize, rgb, resize.Bilinear)

	// nfnt/resize keeps *image.RGBA inputs as *image.RGBA
	src, ok := resized.(*image.RGBA)
	if !ok {
		src = image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
		draw.Draw(src, src.Bounds(), resized, resized.Bounds().Min, draw.Src)
	}

	const plane = InputSize * InputSize
	x := nn.NewTensor(1, 3, InputSize, InputSize)
	for py := 0; py < InputSize; py++ {
		for px := 0; px < InputSize; px++ {
			i := src.PixOffset(px, py)
			for ch := 0; ch < 3; ch++ {
				v := float32(src.Pix[i+ch]) / 255
				x.Data[ch*plane+py*InputSize+px] = (v - channelMean[ch]) / channelStd[ch]
			}
		}
	}
	return x, nil
}

// PreprocessBytes decodes and preprocesses in one step and also returns the
// decoded image for compositing.
func PreprocessBytes(data []byte) (*nn.Tensor, image.Image, error) {
	return preprocessBytes(data, DefaultMaxImagePixels)
}

func preprocessBytes(data []byte, maxPixels int64) (*nn.Tensor, image.Image, error) {
	img, _, err := DecodeLimited(data, maxPixels)
	if err != nil {
		return nil, nil, err
	}
	x, err := Preprocess(img)
	if err != nil {
		return nil, nil, err
	}
	return x, img, nil
}
