package core

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

const (
	originalWeight = 0.6
	heatmapWeight  = 0.4
)

// Composite upsamples the map to the original's size with bilinear
// interpolation, colours it with the jet palette and blends it over the
// original. The result always has the original's dimensions.
func Composite(original image.Image, m *ImportanceMap) (*image.RGBA, error) {
	if m == nil || m.Width <= 0 || m.Height <= 0 || len(m.Values) != m.Width*m.Height {
		return nil, fmt.Errorf("invalid importance map")
	}
	b := original.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("original image has no pixels")
	}

	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := math.Min(math.Max(m.At(x, y), 0), 1)
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 0xffff))})
		}
	}
	heat := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.BiLinear.Scale(heat, heat.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			level := uint8(float64(heat.Gray16At(x, y).Y) / 0xffff * 255)
			hr, hg, hb := Jet(level)
			o := color.NRGBAModel.Convert(original.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)

			i := out.PixOffset(x, y)
			out.Pix[i+0] = blend(o.R, hr)
			out.Pix[i+1] = blend(o.G, hg)
			out.Pix[i+2] = blend(o.B, hb)
			out.Pix[i+3] = 0xff
		}
	}
	return out, nil
}

func blend(orig, heat uint8) uint8 {
	v := math.Round(originalWeight*float64(orig) + heatmapWeight*float64(heat))
	return uint8(math.Min(math.Max(v, 0), 255))
}

// Jet maps 0..255 to the jet palette: dark blue, cyan, yellow, dark red.
func Jet(level uint8) (r, g, b uint8) {
	v := float64(level) / 255
	channel := func(center float64) uint8 {
		c := math.Min(math.Max(1.5-math.Abs(4*v-center), 0), 1)
		return uint8(math.Round(c * 255))
	}
	return channel(3), channel(2), channel(1)
}
