package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"neuroscan-backend/internal/core/nn"
)

const camEpsilon = 1e-8

// ImportanceMap is a Grad-CAM map at the target layer's spatial resolution,
// row-major, with values in [0,1].
type ImportanceMap struct {
	Width  int
	Height int
	Values []float64

	Layer      string
	ClassIndex int

	// Score is the raw logit the backward pass was seeded with; Weights are
	// the per-channel spatial means of its gradient.
	Score   float64
	Weights []float64

	// Degenerate maps have no positive evidence and are all zero.
	Degenerate bool
}

func (m *ImportanceMap) At(x, y int) float64 {
	return m.Values[y*m.Width+x]
}

// Explain computes the Grad-CAM map of classIndex for a preprocessed input.
// It holds the model exclusively, so predictions wait for it to finish.
func (e *Engine) Explain(ctx context.Context, x *nn.Tensor, classIndex int) (*ImportanceMap, error) {
	model, err := e.models.Get(ctx)
	if err != nil {
		return nil, err
	}
	if classIndex < 0 || classIndex >= len(e.labels) {
		return nil, &ExplainError{Err: fmt.Errorf("class index %d out of range for %d labels", classIndex, len(e.labels))}
	}

	model.mu.Lock()
	defer model.mu.Unlock()

	m, err := GradCAM(model.classifier, x, classIndex, e.targetLayer)
	if err != nil {
		return nil, &ExplainError{Err: err}
	}
	return m, nil
}

// GradCAM runs one forward and one backward pass through classifier with a
// capture on target. The capture is local to the call and dropped on return.
func GradCAM(classifier Classifier, x *nn.Tensor, classIndex int, target string) (*ImportanceMap, error) {
	capture := nn.NewCapture(target)
	defer capture.Reset()

	logits, err := classifier.Forward(x, capture)
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if !capture.Fired() {
		return nil, fmt.Errorf("layer %q: %w", target, nn.ErrTargetNotFired)
	}
	if len(logits.Shape) != 2 || logits.Shape[0] != 1 {
		return nil, fmt.Errorf("expected logits of a single image, got shape %v", logits.Shape)
	}

	// one-hot on the raw logit, not on the softmax output
	seed, err := nn.OneHot(logits.Shape, classIndex)
	if err != nil {
		return nil, err
	}
	if err := classifier.Backward(capture, seed); err != nil {
		return nil, fmt.Errorf("backward pass: %w", err)
	}

	m, err := camFromCapture(capture.Activations, capture.Gradients)
	if err != nil {
		return nil, err
	}
	m.Layer = target
	m.ClassIndex = classIndex
	m.Score = float64(logits.Data[classIndex])
	return m, nil
}

func camFromCapture(acts, grads *nn.Tensor) (*ImportanceMap, error) {
	if acts == nil || grads == nil {
		return nil, errors.New("capture holds no activations or gradients")
	}
	n, c, h, w, err := acts.Dims4()
	if err != nil {
		return nil, err
	}
	if n != 1 || !acts.SameShape(grads) {
		return nil, fmt.Errorf("activations %v and gradients %v do not describe a single image", acts.Shape, grads.Shape)
	}

	hw := h * w
	weights := make([]float64, c)
	for ch := 0; ch < c; ch++ {
		var sum float64
		for _, g := range grads.Data[ch*hw : (ch+1)*hw] {
			sum += float64(g)
		}
		weights[ch] = sum / float64(hw)
	}

	cam := make([]float64, hw)
	for ch := 0; ch < c; ch++ {
		wc := weights[ch]
		for i, a := range acts.Data[ch*hw : (ch+1)*hw] {
			cam[i] += wc * float64(a)
		}
	}

	minV := math.Inf(1)
	for i, v := range cam {
		cam[i] = math.Max(v, 0)
		minV = math.Min(minV, cam[i])
	}
	var maxV float64
	for i := range cam {
		cam[i] -= minV
		maxV = math.Max(maxV, cam[i])
	}
	for i := range cam {
		cam[i] /= maxV + camEpsilon
	}

	return &ImportanceMap{
		Width:      w,
		Height:     h,
		Values:     cam,
		Weights:    weights,
		Degenerate: maxV == 0,
	}, nil
}
