package core

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformMap(w, h int, v float64) *ImportanceMap {
	values := make([]float64, w*h)
	for i := range values {
		values[i] = v
	}
	return &ImportanceMap{Width: w, Height: h, Values: values}
}

func TestCompositeKeepsOriginalSize(t *testing.T) {
	m := &ImportanceMap{Width: 7, Height: 7, Values: make([]float64, 49)}
	for i := range m.Values {
		m.Values[i] = float64(i) / 48
	}

	for _, size := range []image.Point{{137, 412}, {412, 137}, {1, 1}, {7, 7}, {500, 3}} {
		overlay, err := Composite(testImage(size.X, size.Y, 1), m)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, size.X, size.Y), overlay.Bounds())
	}
}

func TestCompositeBlendsJetOverOriginal(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 9, 5))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []uint8{100, 150, 200, 255})
	}

	// zero importance is dark blue (0,0,128) everywhere
	overlay, err := Composite(img, uniformMap(3, 3, 0))
	require.NoError(t, err)
	for y := 0; y < 5; y++ {
		for x := 0; x < 9; x++ {
			assert.Equal(t, color.RGBA{R: 60, G: 90, B: 171, A: 255}, overlay.RGBAAt(x, y))
		}
	}
}

func TestCompositeHotRegionFollowsMap(t *testing.T) {
	m := uniformMap(2, 1, 0)
	m.Values[1] = 1

	overlay, err := Composite(grayImage(100, 10, 0), m)
	require.NoError(t, err)

	left, right := overlay.RGBAAt(0, 5), overlay.RGBAAt(99, 5)
	assert.Greater(t, right.R, left.R)
	assert.Greater(t, left.B, right.B)
}

func TestCompositeSubImage(t *testing.T) {
	img := testImage(40, 40, 2)
	sub := img.SubImage(image.Rect(10, 20, 30, 25))

	overlay, err := Composite(sub, uniformMap(2, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 5), overlay.Bounds())

	o := img.RGBAAt(10, 20)
	got := overlay.RGBAAt(0, 0)
	assert.Equal(t, blend(o.R, 0), got.R)
	assert.Equal(t, blend(o.B, 128), got.B)
}

func TestCompositeRejectsInvalidMap(t *testing.T) {
	img := testImage(10, 10, 3)
	for name, m := range map[string]*ImportanceMap{
		"nil":          nil,
		"empty":        {},
		"short values": {Width: 2, Height: 2, Values: []float64{0, 1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Composite(img, m)
			assert.Error(t, err)
		})
	}
}

func TestJetPalette(t *testing.T) {
	r, g, b := Jet(0)
	assert.Equal(t, [3]uint8{0, 0, 128}, [3]uint8{r, g, b})

	r, g, b = Jet(255)
	assert.Equal(t, [3]uint8{128, 0, 0}, [3]uint8{r, g, b})

	r, _, b = Jet(64)
	assert.Equal(t, uint8(0), r)
	assert.Equal(t, uint8(255), b)

	// red never decreases from cool to warm
	prev := uint8(0)
	for level := 0; level < 256; level++ {
		r, _, _ := Jet(uint8(level))
		if level < 224 {
			assert.GreaterOrEqual(t, r, prev)
		}
		prev = r
	}
}

func TestBlendRoundsAndClips(t *testing.T) {
	assert.Equal(t, uint8(255), blend(255, 255))
	assert.Equal(t, uint8(0), blend(0, 0))
	// 0.6*1 + 0.4*2 = 1.4
	assert.Equal(t, uint8(1), blend(1, 2))
	// 0.6*3 + 0.4*0 = 1.8
	assert.Equal(t, uint8(2), blend(3, 0))
}
