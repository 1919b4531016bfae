package nn

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Tensor is a dense row-major float32 array. Feature maps use NCHW layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

func FromData(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("tensor data has %d values, shape %v needs %d", len(data), shape, numel(shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// OneHot returns a tensor of the given shape that is zero everywhere except
// for a 1 at flat index idx.
func OneHot(shape []int, idx int) (*Tensor, error) {
	t := NewTensor(shape...)
	if idx < 0 || idx >= len(t.Data) {
		return nil, fmt.Errorf("one-hot index %d out of range for shape %v", idx, shape)
	}
	t.Data[idx] = 1
	return t, nil
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Dims4 returns the NCHW dimensions of a 4-d tensor.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4-d tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// parallelFor runs fn(0..n-1) on up to GOMAXPROCS goroutines. Each index must
// write to a disjoint region so results do not depend on scheduling.
func parallelFor(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
