package core

import (
	"context"
	"fmt"
	"image"
	"math"

	"neuroscan-backend/internal/core/nn"
)

type Prediction struct {
	Label      string
	Index      int
	Confidence float64

	// Probabilities by label, and the same values in label order.
	Probabilities map[string]float64
	Scores        []float64

	Logits []float32
}

// Engine runs predictions and explanations against the cached model.
type Engine struct {
	labels      LabelSet
	models      *ModelCache
	targetLayer string
	maxPixels   int64
}

func NewEngine(labels LabelSet, models *ModelCache, targetLayer string) *Engine {
	return &Engine{labels: labels, models: models, targetLayer: targetLayer, maxPixels: DefaultMaxImagePixels}
}

// SetMaxImagePixels changes the largest accepted width*height; n <= 0 removes
// the limit. Call it before the engine serves requests.
func (e *Engine) SetMaxImagePixels(n int64) {
	e.maxPixels = n
}

func (e *Engine) MaxImagePixels() int64 {
	return e.maxPixels
}

func (e *Engine) Labels() LabelSet {
	return e.labels
}

func (e *Engine) TargetLayer() string {
	return e.targetLayer
}

func (e *Engine) ModelLoaded() bool {
	return e.models.Loaded()
}

// Predict decodes the image before touching the model, so undecodable input
// never triggers a model load.
func (e *Engine) Predict(ctx context.Context, data []byte) (Prediction, error) {
	x, _, err := preprocessBytes(data, e.maxPixels)
	if err != nil {
		return Prediction{}, err
	}
	return e.PredictTensor(ctx, x)
}

func (e *Engine) PredictImage(ctx context.Context, img image.Image) (Prediction, error) {
	x, err := Preprocess(img)
	if err != nil {
		return Prediction{}, err
	}
	return e.PredictTensor(ctx, x)
}

func (e *Engine) PredictTensor(ctx context.Context, x *nn.Tensor) (Prediction, error) {
	model, err := e.models.Get(ctx)
	if err != nil {
		return Prediction{}, err
	}

	model.mu.RLock()
	logits, err := model.classifier.Forward(x, nil)
	model.mu.RUnlock()
	if err != nil {
		return Prediction{}, fmt.Errorf("error running classifier: %w", err)
	}

	return e.toPrediction(logits)
}

func (e *Engine) toPrediction(logits *nn.Tensor) (Prediction, error) {
	if len(logits.Shape) != 2 || logits.Shape[0] != 1 || logits.Shape[1] != len(e.labels) {
		return Prediction{}, fmt.Errorf("classifier returned logits of shape %v for %d labels", logits.Shape, len(e.labels))
	}

	scores := Softmax(logits.Data)
	best := Argmax(scores)

	probs := make(map[string]float64, len(e.labels))
	for i, label := range e.labels {
		probs[label] = scores[i]
	}

	return Prediction{
		Label:         e.labels[best],
		Index:         best,
		Confidence:    scores[best],
		Probabilities: probs,
		Scores:        scores,
		Logits:        append([]float32(nil), logits.Data...),
	}, nil
}

// Softmax is computed in float64 after subtracting the largest logit.
func Softmax(logits []float32) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}

	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the first index of the largest value.
func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
