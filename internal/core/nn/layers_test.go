package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func dot(a, b *Tensor) float64 {
	var s float64
	for i := range a.Data {
		s += float64(a.Data[i]) * float64(b.Data[i])
	}
	return s
}

func TestConv2dForward(t *testing.T) {
	// 1 input channel, 3x3 image, 2x2 kernel of ones, stride 1, no padding:
	// each output is the sum of a 2x2 window.
	x, err := FromData([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)
	require.NoError(t, err)

	w, err := FromData([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	require.NoError(t, err)

	conv := &Conv2d{Weight: w, Stride: 1}
	y, err := conv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{12, 16, 24, 28}, y.Data)
}

func TestConv2dForwardPaddingStride(t *testing.T) {
	x, err := FromData([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 1, 4, 4)
	require.NoError(t, err)

	// 3x3 kernel picking the centre pixel: output is a strided copy.
	w := NewTensor(1, 1, 3, 3)
	w.Data[4] = 1
	bias, _ := FromData([]float32{0.5}, 1)

	conv := &Conv2d{Weight: w, Bias: bias, Stride: 2, Padding: 1}
	y, err := conv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{1.5, 3.5, 9.5, 11.5}, y.Data)
}

func TestConv2dRejectsChannelMismatch(t *testing.T) {
	conv := &Conv2d{Weight: NewTensor(2, 3, 3, 3), Stride: 1, Padding: 1}
	_, err := conv.Forward(NewTensor(1, 4, 5, 5))
	assert.Error(t, err)
}

func TestConv2dBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, tc := range []struct {
		name            string
		cin, cout, k    int
		stride, padding int
		size            int
	}{
		{"3x3 same", 3, 4, 3, 1, 1, 9},
		{"3x3 stride 2", 2, 5, 3, 2, 1, 10},
		{"1x1 stride 2", 4, 3, 1, 2, 0, 8},
		{"7x7 stem", 3, 2, 7, 2, 3, 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conv := &Conv2d{Weight: randTensor(rng, tc.cout, tc.cin, tc.k, tc.k), Stride: tc.stride, Padding: tc.padding}
			x := randTensor(rng, 1, tc.cin, tc.size, tc.size)

			y, err := conv.Forward(x)
			require.NoError(t, err)

			g := randTensor(rng, y.Shape...)
			gx, err := conv.Backward(x, g)
			require.NoError(t, err)
			require.Equal(t, x.Shape, gx.Shape)

			// <conv(x), g> == <x, conv^T(g)> for a bias-free convolution.
			lhs, rhs := dot(y, g), dot(x, gx)
			assert.InDelta(t, lhs, rhs, 1e-3*math.Max(1, math.Abs(lhs)))
		})
	}
}

func TestBatchNormEval(t *testing.T) {
	w, _ := FromData([]float32{2, 1}, 2)
	b, _ := FromData([]float32{1, 0}, 2)
	mean, _ := FromData([]float32{1, -1}, 2)
	variance, _ := FromData([]float32{4, 1}, 2)
	bn := &BatchNorm2d{Weight: w, Bias: b, RunningMean: mean, RunningVar: variance}

	x, _ := FromData([]float32{3, 5, 0, 1}, 1, 2, 1, 2)
	y, err := bn.Forward(x)
	require.NoError(t, err)
	// channel 0: (x-1)/2*2+1, channel 1: (x+1)/1*1
	assert.InDeltaSlice(t, []float32{3, 5, 1, 2}, y.Data, 1e-6)

	g, _ := FromData([]float32{1, 1, 1, 1}, 1, 2, 1, 2)
	gx, err := bn.Backward(x, g)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, gx.Data, 1e-6)
}

func TestReLUBackwardMasksNonPositive(t *testing.T) {
	x, _ := FromData([]float32{-1, 0, 2}, 1, 3)
	y, err := ReLU{}.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, y.Data)

	g, _ := FromData([]float32{5, 5, 5}, 1, 3)
	gx, err := ReLU{}.Backward(x, g)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 5}, gx.Data)
}

func TestMaxPool(t *testing.T) {
	x, _ := FromData([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 1, 4, 4)
	y, err := (&MaxPool2d{Kernel: 3, Stride: 2, Padding: 1}).Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{6, 8, 14, 16}, y.Data)
}

func TestGlobalAvgPoolAndLinear(t *testing.T) {
	x, _ := FromData([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 1, 2, 2, 2)
	pooled, err := GlobalAvgPool{}.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 10}, pooled.Data)

	w, _ := FromData([]float32{1, 0, 0.5, 0.5}, 2, 2)
	b, _ := FromData([]float32{0, 1}, 2)
	fc := &Linear{Weight: w, Bias: b}
	y, err := fc.Forward(pooled)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{2.5, 7.25}, y.Data, 1e-6)

	seed, err := OneHot(y.Shape, 1)
	require.NoError(t, err)
	gPooled, err := fc.Backward(pooled, seed)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, gPooled.Data)

	gx, err := GlobalAvgPool{}.Backward(x, gPooled)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125}, gx.Data)
}

func identityBN(c int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Weight:      NewTensor(c),
		Bias:        NewTensor(c),
		RunningMean: NewTensor(c),
		RunningVar:  NewTensor(c),
		Eps:         1e-5,
	}
	for i := 0; i < c; i++ {
		bn.Weight.Data[i] = 1
		bn.RunningVar.Data[i] = 1
	}
	return bn
}

func TestBasicBlockBackwardMatchesDirectionalDerivative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	scale := func(t *Tensor, s float32) *Tensor {
		for i := range t.Data {
			t.Data[i] *= s
		}
		return t
	}

	block := &BasicBlock{
		Conv1: &Conv2d{Weight: scale(randTensor(rng, 4, 3, 3, 3), 0.3), Stride: 2, Padding: 1},
		BN1:   identityBN(4),
		Conv2: &Conv2d{Weight: scale(randTensor(rng, 4, 4, 3, 3), 0.3), Stride: 1, Padding: 1},
		BN2:   identityBN(4),
		Downsample: &Downsample{
			Conv: &Conv2d{Weight: scale(randTensor(rng, 4, 3, 1, 1), 0.5), Stride: 2},
			BN:   identityBN(4),
		},
	}

	x := randTensor(rng, 1, 3, 8, 8)
	y, err := block.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 4, 4}, y.Shape)

	g := randTensor(rng, y.Shape...)
	gx, err := block.Backward(x, g)
	require.NoError(t, err)

	// The block is piecewise linear, so a small step along d changes <y, g>
	// by h*<gx, d> unless the step crosses a ReLU boundary.
	d := randTensor(rng, x.Shape...)
	const h = 1e-3
	xh := x.Clone()
	for i := range xh.Data {
		xh.Data[i] += h * d.Data[i]
	}
	yh, err := block.Forward(xh)
	require.NoError(t, err)

	numeric := (dot(yh, g) - dot(y, g)) / h
	analytic := dot(gx, d)
	assert.InDelta(t, analytic, numeric, 0.05*math.Max(1, math.Abs(analytic)))
}

func TestSequentialBackwardRequiresDifferentiableLayers(t *testing.T) {
	seq := Sequential{&MaxPool2d{Kernel: 2, Stride: 2}}
	x := NewTensor(1, 1, 4, 4)
	_, err := seq.Backward(x, NewTensor(1, 1, 2, 2))
	assert.ErrorIs(t, err, ErrNotDifferentiable)
}
