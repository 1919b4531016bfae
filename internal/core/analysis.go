package core

import (
	"context"
	"errors"
	"image"
	"log/slog"
)

// Analysis is a prediction with its explanation. When no explanation is
// available ExplainErr is set and Map and Overlay are nil.
type Analysis struct {
	Prediction Prediction
	Tier       ConfidenceTier

	Map        *ImportanceMap
	Overlay    *image.RGBA
	ExplainErr error

	Width  int
	Height int
}

// Analyze decodes the image once, predicts, and explains the predicted class.
// Input and model errors abort; explanation failures only set ExplainErr.
func (e *Engine) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	x, img, err := preprocessBytes(data, e.maxPixels)
	if err != nil {
		return nil, err
	}

	pred, err := e.PredictTensor(ctx, x)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	a := &Analysis{Prediction: pred, Tier: TierFor(pred.Confidence), Width: b.Dx(), Height: b.Dy()}

	m, err := e.Explain(ctx, x, pred.Index)
	if err != nil {
		var explainErr *ExplainError
		if !errors.As(err, &explainErr) {
			return nil, err
		}
		slog.Warn("explanation unavailable", "label", pred.Label, "error", err)
		a.ExplainErr = err
		return a, nil
	}

	if m.Degenerate {
		a.ExplainErr = &ExplainError{Err: ErrDegenerateMap}
		slog.Warn("explanation unavailable", "label", pred.Label, "error", a.ExplainErr)
		return a, nil
	}

	overlay, err := Composite(img, m)
	if err != nil {
		a.ExplainErr = &ExplainError{Err: err}
		return a, nil
	}

	a.Map = m
	a.Overlay = overlay
	return a, nil
}
