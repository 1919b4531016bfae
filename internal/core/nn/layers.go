package nn

import (
	"errors"
	"fmt"
	"math"
)

type Layer interface {
	Forward(x *Tensor) (*Tensor, error)
}

// Differentiable layers can propagate a gradient from their output back to
// their input. Backward receives the same input that was given to Forward.
type Differentiable interface {
	Layer
	Backward(x, gradOut *Tensor) (*Tensor, error)
}

var ErrNotDifferentiable = errors.New("layer does not support backward")

type Conv2d struct {
	Weight  *Tensor // [out, in, kh, kw]
	Bias    *Tensor // optional, [out]
	Stride  int
	Padding int
}

func (c *Conv2d) outSize(h, w int) (int, int) {
	kh, kw := c.Weight.Shape[2], c.Weight.Shape[3]
	oh := (h+2*c.Padding-kh)/c.Stride + 1
	ow := (w+2*c.Padding-kw)/c.Stride + 1
	return oh, ow
}

// validRange returns the output indices [lo, hi) whose input coordinate
// o*stride-pad+k lies inside [0, size).
func validRange(k, pad, stride, size, outSize int) (int, int) {
	lo := 0
	if pad-k > 0 {
		lo = (pad - k + stride - 1) / stride
	}
	last := size - 1 + pad - k
	if last < 0 {
		return 0, 0
	}
	hi := min(last/stride+1, outSize)
	return lo, hi
}

func (c *Conv2d) check(x *Tensor) (n, cin, h, w, cout, kh, kw int, err error) {
	n, cin, h, w, err = x.Dims4()
	if err != nil {
		return
	}
	if len(c.Weight.Shape) != 4 {
		err = fmt.Errorf("conv weight must be 4-d, got %v", c.Weight.Shape)
		return
	}
	cout, kh, kw = c.Weight.Shape[0], c.Weight.Shape[2], c.Weight.Shape[3]
	if c.Weight.Shape[1] != cin {
		err = fmt.Errorf("conv expects %d input channels, got %d", c.Weight.Shape[1], cin)
	}
	return
}

func (c *Conv2d) Forward(x *Tensor) (*Tensor, error) {
	n, cin, h, w, cout, kh, kw, err := c.check(x)
	if err != nil {
		return nil, err
	}
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv input %dx%d too small for kernel %dx%d", h, w, kh, kw)
	}
	out := NewTensor(n, cout, oh, ow)
	s, p := c.Stride, c.Padding

	parallelFor(cout, func(oc int) {
		for b := 0; b < n; b++ {
			dst := out.Data[(b*cout+oc)*oh*ow : (b*cout+oc+1)*oh*ow]
			if c.Bias != nil {
				for i := range dst {
					dst[i] = c.Bias.Data[oc]
				}
			}
			for ic := 0; ic < cin; ic++ {
				src := x.Data[(b*cin+ic)*h*w : (b*cin+ic+1)*h*w]
				for ky := 0; ky < kh; ky++ {
					oyLo, oyHi := validRange(ky, p, s, h, oh)
					for kx := 0; kx < kw; kx++ {
						wv := c.Weight.Data[((oc*cin+ic)*kh+ky)*kw+kx]
						oxLo, oxHi := validRange(kx, p, s, w, ow)
						for oy := oyLo; oy < oyHi; oy++ {
							row := dst[oy*ow : (oy+1)*ow]
							srow := src[(oy*s-p+ky)*w : (oy*s-p+ky+1)*w]
							for ox := oxLo; ox < oxHi; ox++ {
								row[ox] += wv * srow[ox*s-p+kx]
							}
						}
					}
				}
			}
		}
	})
	return out, nil
}

func (c *Conv2d) Backward(x, gradOut *Tensor) (*Tensor, error) {
	n, cin, h, w, cout, kh, kw, err := c.check(x)
	if err != nil {
		return nil, err
	}
	oh, ow := c.outSize(h, w)
	if !gradOut.SameShape(&Tensor{Shape: []int{n, cout, oh, ow}}) {
		return nil, fmt.Errorf("conv gradient shape %v, want %v", gradOut.Shape, []int{n, cout, oh, ow})
	}
	gradIn := NewTensor(x.Shape...)
	s, p := c.Stride, c.Padding

	parallelFor(cin, func(ic int) {
		for b := 0; b < n; b++ {
			gi := gradIn.Data[(b*cin+ic)*h*w : (b*cin+ic+1)*h*w]
			for oc := 0; oc < cout; oc++ {
				g := gradOut.Data[(b*cout+oc)*oh*ow : (b*cout+oc+1)*oh*ow]
				for ky := 0; ky < kh; ky++ {
					oyLo, oyHi := validRange(ky, p, s, h, oh)
					for kx := 0; kx < kw; kx++ {
						wv := c.Weight.Data[((oc*cin+ic)*kh+ky)*kw+kx]
						oxLo, oxHi := validRange(kx, p, s, w, ow)
						for oy := oyLo; oy < oyHi; oy++ {
							grow := g[oy*ow : (oy+1)*ow]
							irow := gi[(oy*s-p+ky)*w : (oy*s-p+ky+1)*w]
							for ox := oxLo; ox < oxHi; ox++ {
								irow[ox*s-p+kx] += wv * grow[ox]
							}
						}
					}
				}
			}
		}
	})
	return gradIn, nil
}

// BatchNorm2d applies frozen running statistics; it never updates them.
type BatchNorm2d struct {
	Weight      *Tensor
	Bias        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Eps         float64
}

func (bn *BatchNorm2d) affine() ([]float32, []float32) {
	c := len(bn.Weight.Data)
	scale, shift := make([]float32, c), make([]float32, c)
	for i := 0; i < c; i++ {
		s := float64(bn.Weight.Data[i]) / math.Sqrt(float64(bn.RunningVar.Data[i])+bn.Eps)
		scale[i] = float32(s)
		shift[i] = float32(float64(bn.Bias.Data[i]) - float64(bn.RunningMean.Data[i])*s)
	}
	return scale, shift
}

func (bn *BatchNorm2d) apply(x *Tensor, withShift bool) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if c != len(bn.Weight.Data) {
		return nil, fmt.Errorf("batchnorm expects %d channels, got %d", len(bn.Weight.Data), c)
	}
	scale, shift := bn.affine()
	out := NewTensor(x.Shape...)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			off := (b*c + ch) * h * w
			sc, sh := scale[ch], shift[ch]
			if !withShift {
				sh = 0
			}
			for i := off; i < off+h*w; i++ {
				out.Data[i] = x.Data[i]*sc + sh
			}
		}
	}
	return out, nil
}

func (bn *BatchNorm2d) Forward(x *Tensor) (*Tensor, error) {
	return bn.apply(x, true)
}

func (bn *BatchNorm2d) Backward(_, gradOut *Tensor) (*Tensor, error) {
	return bn.apply(gradOut, false)
}

type ReLU struct{}

func (ReLU) Forward(x *Tensor) (*Tensor, error) {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

func (ReLU) Backward(x, gradOut *Tensor) (*Tensor, error) {
	return reluMask(x, gradOut)
}

func reluMask(pre, gradOut *Tensor) (*Tensor, error) {
	if !pre.SameShape(gradOut) {
		return nil, fmt.Errorf("relu gradient shape %v, want %v", gradOut.Shape, pre.Shape)
	}
	out := NewTensor(pre.Shape...)
	for i, v := range pre.Data {
		if v > 0 {
			out.Data[i] = gradOut.Data[i]
		}
	}
	return out, nil
}

// MaxPool2d is forward-only; it only appears in the stem, upstream of every
// layer an explanation can target.
type MaxPool2d struct {
	Kernel  int
	Stride  int
	Padding int
}

func (m *MaxPool2d) Forward(x *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	oh := (h+2*m.Padding-m.Kernel)/m.Stride + 1
	ow := (w+2*m.Padding-m.Kernel)/m.Stride + 1
	out := NewTensor(n, c, oh, ow)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(b*c+ch)*h*w:]
			dst := out.Data[(b*c+ch)*oh*ow:]
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := float32(math.Inf(-1))
					for ky := 0; ky < m.Kernel; ky++ {
						iy := oy*m.Stride - m.Padding + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < m.Kernel; kx++ {
							ix := ox*m.Stride - m.Padding + kx
							if ix < 0 || ix >= w {
								continue
							}
							if v := src[iy*w+ix]; v > best {
								best = v
							}
						}
					}
					dst[oy*ow+ox] = best
				}
			}
		}
	}
	return out, nil
}

// GlobalAvgPool reduces [N,C,H,W] to [N,C].
type GlobalAvgPool struct{}

func (GlobalAvgPool) Forward(x *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	out := NewTensor(n, c)
	hw := h * w
	for i := 0; i < n*c; i++ {
		var sum float64
		for _, v := range x.Data[i*hw : (i+1)*hw] {
			sum += float64(v)
		}
		out.Data[i] = float32(sum / float64(hw))
	}
	return out, nil
}

func (GlobalAvgPool) Backward(x, gradOut *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if !gradOut.SameShape(&Tensor{Shape: []int{n, c}}) {
		return nil, fmt.Errorf("avgpool gradient shape %v, want %v", gradOut.Shape, []int{n, c})
	}
	gradIn := NewTensor(x.Shape...)
	hw := h * w
	for i := 0; i < n*c; i++ {
		g := gradOut.Data[i] / float32(hw)
		for j := i * hw; j < (i+1)*hw; j++ {
			gradIn.Data[j] = g
		}
	}
	return gradIn, nil
}

type Linear struct {
	Weight *Tensor // [out, in]
	Bias   *Tensor // [out]
}

func (l *Linear) dims(x *Tensor) (n, in, out int, err error) {
	if len(x.Shape) != 2 {
		return 0, 0, 0, fmt.Errorf("linear expects 2-d input, got %v", x.Shape)
	}
	n, in = x.Shape[0], x.Shape[1]
	out = l.Weight.Shape[0]
	if l.Weight.Shape[1] != in {
		return 0, 0, 0, fmt.Errorf("linear expects %d features, got %d", l.Weight.Shape[1], in)
	}
	return n, in, out, nil
}

func (l *Linear) Forward(x *Tensor) (*Tensor, error) {
	n, in, outF, err := l.dims(x)
	if err != nil {
		return nil, err
	}
	y := NewTensor(n, outF)
	for b := 0; b < n; b++ {
		row := x.Data[b*in : (b+1)*in]
		for o := 0; o < outF; o++ {
			sum := float64(l.Bias.Data[o])
			wrow := l.Weight.Data[o*in : (o+1)*in]
			for i, v := range row {
				sum += float64(wrow[i]) * float64(v)
			}
			y.Data[b*outF+o] = float32(sum)
		}
	}
	return y, nil
}

func (l *Linear) Backward(x, gradOut *Tensor) (*Tensor, error) {
	n, in, outF, err := l.dims(x)
	if err != nil {
		return nil, err
	}
	if !gradOut.SameShape(&Tensor{Shape: []int{n, outF}}) {
		return nil, fmt.Errorf("linear gradient shape %v, want %v", gradOut.Shape, []int{n, outF})
	}
	gradIn := NewTensor(n, in)
	for b := 0; b < n; b++ {
		for i := 0; i < in; i++ {
			var sum float64
			for o := 0; o < outF; o++ {
				sum += float64(gradOut.Data[b*outF+o]) * float64(l.Weight.Data[o*in+i])
			}
			gradIn.Data[b*in+i] = float32(sum)
		}
	}
	return gradIn, nil
}

// Sequential chains layers. Backward recomputes the intermediate inputs.
type Sequential []Layer

func (s Sequential) Forward(x *Tensor) (*Tensor, error) {
	var err error
	for i, l := range s {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("sequential[%d]: %w", i, err)
		}
	}
	return x, nil
}

func (s Sequential) Backward(x, gradOut *Tensor) (*Tensor, error) {
	inputs := make([]*Tensor, len(s))
	for i, l := range s {
		if _, ok := l.(Differentiable); !ok {
			return nil, fmt.Errorf("sequential[%d]: %w", i, ErrNotDifferentiable)
		}
		inputs[i] = x
		var err error
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("sequential[%d]: %w", i, err)
		}
	}
	g := gradOut
	for i := len(s) - 1; i >= 0; i-- {
		var err error
		if g, err = s[i].(Differentiable).Backward(inputs[i], g); err != nil {
			return nil, fmt.Errorf("sequential[%d]: %w", i, err)
		}
	}
	return g, nil
}

func add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("cannot add shapes %v and %v", a.Shape, b.Shape)
	}
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Downsample is the 1x1 projection used on the residual path when a block
// changes resolution or width.
type Downsample struct {
	Conv *Conv2d
	BN   *BatchNorm2d
}

// BasicBlock is the two-convolution residual block of ResNet-18/34.
type BasicBlock struct {
	Conv1      *Conv2d
	BN1        *BatchNorm2d
	Conv2      *Conv2d
	BN2        *BatchNorm2d
	Downsample *Downsample
}

type blockTrace struct {
	pre1 *Tensor // bn1 output, before relu
	act1 *Tensor
	sum  *Tensor // residual sum, before the final relu
}

func (bb *BasicBlock) trace(x *Tensor) (*blockTrace, error) {
	a, err := bb.Conv1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	pre1, err := bb.BN1.Forward(a)
	if err != nil {
		return nil, fmt.Errorf("bn1: %w", err)
	}
	act1, _ := ReLU{}.Forward(pre1)
	a, err = bb.Conv2.Forward(act1)
	if err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}
	pre2, err := bb.BN2.Forward(a)
	if err != nil {
		return nil, fmt.Errorf("bn2: %w", err)
	}
	identity := x
	if bb.Downsample != nil {
		d, err := bb.Downsample.Conv.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("downsample conv: %w", err)
		}
		if identity, err = bb.Downsample.BN.Forward(d); err != nil {
			return nil, fmt.Errorf("downsample bn: %w", err)
		}
	}
	sum, err := add(pre2, identity)
	if err != nil {
		return nil, err
	}
	return &blockTrace{pre1: pre1, act1: act1, sum: sum}, nil
}

func (bb *BasicBlock) Forward(x *Tensor) (*Tensor, error) {
	t, err := bb.trace(x)
	if err != nil {
		return nil, err
	}
	return ReLU{}.Forward(t.sum)
}

func (bb *BasicBlock) Backward(x, gradOut *Tensor) (*Tensor, error) {
	t, err := bb.trace(x)
	if err != nil {
		return nil, err
	}
	gSum, err := reluMask(t.sum, gradOut)
	if err != nil {
		return nil, err
	}

	g, _ := bb.BN2.Backward(nil, gSum)
	if g, err = bb.Conv2.Backward(t.act1, g); err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}
	if g, err = reluMask(t.pre1, g); err != nil {
		return nil, err
	}
	g, _ = bb.BN1.Backward(nil, g)
	gradIn, err := bb.Conv1.Backward(x, g)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}

	gIdentity := gSum
	if bb.Downsample != nil {
		d, _ := bb.Downsample.BN.Backward(nil, gSum)
		if gIdentity, err = bb.Downsample.Conv.Backward(x, d); err != nil {
			return nil, fmt.Errorf("downsample conv: %w", err)
		}
	}
	return add(gradIn, gIdentity)
}
