package core

import (
	"context"
	"errors"
	"math"
	"testing"

	"neuroscan-backend/internal/core/nn"
	"neuroscan-backend/internal/core/resnet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestExplainMapBounds(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 11, positiveHead), resnet.DefaultTarget)

	for seed := int64(0); seed < 3; seed++ {
		x, err := Preprocess(testImage(150, 90, seed))
		require.NoError(t, err)

		for class := range testLabels {
			m, err := engine.Explain(context.Background(), x, class)
			require.NoError(t, err)
			require.False(t, m.Degenerate)
			assert.Equal(t, resnet.DefaultTarget, m.Layer)
			assert.Equal(t, class, m.ClassIndex)

			minV, maxV := math.Inf(1), math.Inf(-1)
			for _, v := range m.Values {
				minV = math.Min(minV, v)
				maxV = math.Max(maxV, v)
			}
			assert.Equal(t, 0.0, minV)
			assert.InDelta(t, 1.0, maxV, 1e-4)
		}
	}
}

func TestExplainSeedsWithRawLogit(t *testing.T) {
	ckpt := tinyCheckpoint(t, len(testLabels), 12)
	engine, _ := newTestEngine(t, ckpt, resnet.DefaultTarget)
	x, err := Preprocess(testImage(100, 100, 12))
	require.NoError(t, err)

	pred, err := engine.PredictTensor(context.Background(), x)
	require.NoError(t, err)

	params := resnet.RandomParams(resnet.Tiny, len(testLabels), 12)
	fc := params[resnet.Prefix+"fc.weight"]
	channels := fc.Shape[1]

	for class := range testLabels {
		m, err := engine.Explain(context.Background(), x, class)
		require.NoError(t, err)

		// Seeding the raw logit makes the layer4 gradient fc.weight[class]/HW
		// at every position; a softmax seed would mix in the other rows.
		assert.Equal(t, float64(pred.Logits[class]), m.Score)
		require.Len(t, m.Weights, channels)
		for c := 0; c < channels; c++ {
			assert.InDelta(t, float64(fc.Data[class*channels+c])/49, m.Weights[c], 1e-7)
		}
	}
}

func TestRepeatedExplainDoesNotChangePrediction(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 13), resnet.DefaultTarget)
	x, err := Preprocess(testImage(80, 120, 13))
	require.NoError(t, err)

	before, err := engine.PredictTensor(context.Background(), x)
	require.NoError(t, err)

	var first *ImportanceMap
	for i := 0; i < 100; i++ {
		m, err := engine.Explain(context.Background(), x, before.Index)
		require.NoError(t, err)
		if first == nil {
			first = m
		} else {
			require.Equal(t, first.Values, m.Values)
		}
	}

	after, err := engine.PredictTensor(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, before.Scores, after.Scores)
	assert.Equal(t, before.Logits, after.Logits)
}

func TestExplainUnknownTargetLayer(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 14), "layer9")
	x, err := Preprocess(testImage(40, 40, 14))
	require.NoError(t, err)

	_, err = engine.Explain(context.Background(), x, 0)
	var explainErr *ExplainError
	require.True(t, errors.As(err, &explainErr))
	assert.ErrorIs(t, err, nn.ErrTargetNotFired)

	// the model is still usable for plain inference
	_, err = engine.PredictTensor(context.Background(), x)
	assert.NoError(t, err)
}

func TestExplainEarlierTargetLayer(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 15), "layer3")
	x, err := Preprocess(testImage(40, 40, 15))
	require.NoError(t, err)

	m, err := engine.Explain(context.Background(), x, 1)
	require.NoError(t, err)
	assert.Equal(t, 14, m.Width)
	assert.Equal(t, 14, m.Height)
	assert.Equal(t, "layer3", m.Layer)
}

func TestExplainClassIndexOutOfRange(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 16), resnet.DefaultTarget)
	x, err := Preprocess(testImage(40, 40, 16))
	require.NoError(t, err)

	for _, class := range []int{-1, len(testLabels)} {
		_, err = engine.Explain(context.Background(), x, class)
		var explainErr *ExplainError
		assert.True(t, errors.As(err, &explainErr))
	}
}

type predictOnlyClassifier struct {
	logits []float32
}

func (c *predictOnlyClassifier) Forward(x *nn.Tensor, capture *nn.Capture) (*nn.Tensor, error) {
	return nn.FromData(append([]float32(nil), c.logits...), 1, len(c.logits))
}

func (c *predictOnlyClassifier) Backward(capture *nn.Capture, seed *nn.Tensor) error {
	return nn.ErrNotDifferentiable
}

func (c *predictOnlyClassifier) NumClasses() int { return len(c.logits) }

func (c *predictOnlyClassifier) Release() {}

func TestExplainWithoutCapturableLayers(t *testing.T) {
	classifier := &predictOnlyClassifier{logits: []float32{0, 0, 0, 0, 3}}
	loader := func([]byte) (Classifier, error) { return classifier, nil }
	source := &countingSource{}
	engine := NewEngine(testLabels, NewModelCache("onnx", source.read, loader, len(testLabels)), resnet.DefaultTarget)

	analysis, err := engine.Analyze(context.Background(), encodePNG(t, testImage(30, 30, 17)))
	require.NoError(t, err)
	assert.Equal(t, "normal", analysis.Prediction.Label)
	assert.Nil(t, analysis.Overlay)

	var explainErr *ExplainError
	require.True(t, errors.As(analysis.ExplainErr, &explainErr))
	assert.ErrorIs(t, analysis.ExplainErr, nn.ErrTargetNotFired)
}

func TestConcurrentPredictAndExplain(t *testing.T) {
	engine, _ := newTestEngine(t, tinyCheckpoint(t, len(testLabels), 18), resnet.DefaultTarget)
	x, err := Preprocess(testImage(64, 64, 18))
	require.NoError(t, err)

	wantPred, err := engine.PredictTensor(context.Background(), x)
	require.NoError(t, err)
	wantMap, err := engine.Explain(context.Background(), x, wantPred.Index)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			pred, err := engine.PredictTensor(context.Background(), x)
			if err != nil {
				return err
			}
			if !assert.Equal(t, wantPred.Scores, pred.Scores) {
				return errors.New("prediction changed")
			}
			return nil
		})
		g.Go(func() error {
			m, err := engine.Explain(context.Background(), x, wantPred.Index)
			if err != nil {
				return err
			}
			if !assert.Equal(t, wantMap.Values, m.Values) {
				return errors.New("explanation changed")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestCamFromCaptureNormalisation(t *testing.T) {
	// channel 0 ramps, channel 1 is constant
	acts, err := nn.FromData([]float32{0, 1, 2, 3, 3, 3, 3, 3}, 1, 2, 2, 2)
	require.NoError(t, err)
	grads, err := nn.FromData([]float32{1, 1, 1, 1, 0.5, 0.5, 0.5, 0.5}, 1, 2, 2, 2)
	require.NoError(t, err)

	m, err := camFromCapture(acts, grads)
	require.NoError(t, err)
	assert.False(t, m.Degenerate)
	assert.Equal(t, []float64{1, 0.5}, m.Weights)
	// 1.5 + [0,1,2,3] shifted to start at zero, divided by 3+eps
	assert.InDeltaSlice(t, []float64{0, 1.0 / 3, 2.0 / 3, 1}, m.Values, 1e-8)
	assert.InDelta(t, 1.0/3, m.At(1, 0), 1e-8)
}

func TestCamFromCaptureDegenerate(t *testing.T) {
	acts, _ := nn.FromData([]float32{0, 1, 2, 3}, 1, 1, 2, 2)

	for name, g := range map[string][]float32{
		"negative evidence": {-1, -1, -1, -1},
		"zero gradient":     {0, 0, 0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			grads, _ := nn.FromData(g, 1, 1, 2, 2)
			m, err := camFromCapture(acts, grads)
			require.NoError(t, err)
			assert.True(t, m.Degenerate)
			assert.Equal(t, []float64{0, 0, 0, 0}, m.Values)
		})
	}

	constant, _ := nn.FromData([]float32{2, 2, 2, 2}, 1, 1, 2, 2)
	ones, _ := nn.FromData([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	m, err := camFromCapture(constant, ones)
	require.NoError(t, err)
	assert.True(t, m.Degenerate)
}

func TestCamFromCaptureRejectsMismatchedShapes(t *testing.T) {
	_, err := camFromCapture(nn.NewTensor(1, 2, 2, 2), nn.NewTensor(1, 2, 2, 3))
	assert.Error(t, err)
	_, err = camFromCapture(nil, nil)
	assert.Error(t, err)
}
