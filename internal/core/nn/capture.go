package nn

import (
	"errors"
	"fmt"
)

var (
	ErrTargetNotFired = errors.New("target layer produced no activations")
	ErrCaptureUsed    = errors.New("capture already holds gradients")
)

// Capture is passed into a forward evaluation to record the output of one
// named stage and, after Backward, the gradient of the seeded output with
// respect to that stage's output. A Capture belongs to a single evaluation;
// nothing is registered on the network itself.
type Capture struct {
	Target      string
	Activations *Tensor
	Gradients   *Tensor

	tape []tapeEntry
}

type tapeEntry struct {
	name  string
	layer Differentiable
	input *Tensor
}

func NewCapture(target string) *Capture {
	return &Capture{Target: target}
}

func (c *Capture) Fired() bool {
	return c.Activations != nil
}

// Reset drops all recorded tensors so the capture can be reused or released.
func (c *Capture) Reset() {
	c.Activations = nil
	c.Gradients = nil
	c.tape = nil
}

type Stage struct {
	Name  string
	Layer Layer
}

// Network evaluates named stages in order.
type Network struct {
	Stages []Stage
}

func (n *Network) StageNames() []string {
	names := make([]string, len(n.Stages))
	for i, s := range n.Stages {
		names[i] = s.Name
	}
	return names
}

func (n *Network) stageIndex(name string) int {
	for i, s := range n.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Forward runs every stage. With a non-nil capture it records the target
// stage's output and keeps the inputs of all later stages for Backward.
func (n *Network) Forward(x *Tensor, c *Capture) (*Tensor, error) {
	return n.forwardFrom(0, x, c)
}

func (n *Network) forwardFrom(start int, x *Tensor, c *Capture) (*Tensor, error) {
	if c != nil {
		c.Reset()
	}
	recording := false
	for _, s := range n.Stages[start:] {
		if recording {
			d, ok := s.Layer.(Differentiable)
			if !ok {
				return nil, fmt.Errorf("stage %s after target %s: %w", s.Name, c.Target, ErrNotDifferentiable)
			}
			c.tape = append(c.tape, tapeEntry{name: s.Name, layer: d, input: x})
		}
		y, err := s.Layer.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		if c != nil && s.Name == c.Target {
			c.Activations = y
			recording = true
		}
		x = y
	}
	return x, nil
}

// ForwardFrom resumes evaluation at the stage following the named one, using
// x as that stage's output.
func (n *Network) ForwardFrom(stage string, x *Tensor) (*Tensor, error) {
	i := n.stageIndex(stage)
	if i < 0 {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return n.forwardFrom(i+1, x, nil)
}

// Backward propagates seed, the gradient with respect to the network output,
// back to the captured stage and stores it in c.Gradients.
func (n *Network) Backward(c *Capture, seed *Tensor) error {
	if c == nil || !c.Fired() {
		return ErrTargetNotFired
	}
	if c.Gradients != nil {
		return ErrCaptureUsed
	}
	g := seed
	for i := len(c.tape) - 1; i >= 0; i-- {
		e := c.tape[i]
		var err error
		if g, err = e.layer.Backward(e.input, g); err != nil {
			return fmt.Errorf("backward through %s: %w", e.name, err)
		}
	}
	if !g.SameShape(c.Activations) {
		return fmt.Errorf("gradient shape %v does not match activations %v", g.Shape, c.Activations.Shape)
	}
	c.Gradients = g
	return nil
}
