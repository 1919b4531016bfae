//go:build !windows

package core

import (
	"fmt"
	"log/slog"
	"sync"

	"neuroscan-backend/internal/core/nn"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

const (
	onnxInputName  = "input"
	onnxOutputName = "output"
)

func initOnnxRuntime(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initErr = ort.InitializeEnvironment()
		if initErr == nil {
			slog.Info("onnxruntime initialized", "version", ort.GetVersion())
		}
	})
	return initErr
}

// OnnxClassifier runs an exported classifier graph. It has no access to
// intermediate stages, so it can predict but never explain.
type OnnxClassifier struct {
	session    *ort.DynamicAdvancedSession
	numClasses int
}

func LoadOnnxClassifier(onnxBytes []byte, numClasses int, libPath string) (Classifier, error) {
	if err := initOnnxRuntime(libPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		[]string{onnxInputName},
		[]string{onnxOutputName},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory session: %w", err)
	}

	m := &OnnxClassifier{session: session, numClasses: numClasses}

	// check the output width so a head that does not match the labels fails
	// at load time
	dummy := nn.NewTensor(1, 3, InputSize, InputSize)
	if _, err := m.Forward(dummy, nil); err != nil {
		m.Release()
		return nil, fmt.Errorf("error checking onnx classifier output: %w", err)
	}
	return m, nil
}

func (m *OnnxClassifier) Forward(x *nn.Tensor, c *nn.Capture) (*nn.Tensor, error) {
	if c != nil {
		c.Reset()
	}
	n, ch, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}

	inT, err := ort.NewTensor(ort.NewShape(int64(n), int64(ch), int64(h), int64(w)), x.Data)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(m.numClasses)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	return nn.FromData(append([]float32(nil), outT.GetData()...), n, m.numClasses)
}

func (m *OnnxClassifier) Backward(c *nn.Capture, seed *nn.Tensor) error {
	return fmt.Errorf("onnx classifier: %w", nn.ErrNotDifferentiable)
}

func (m *OnnxClassifier) NumClasses() int {
	return m.numClasses
}

func (m *OnnxClassifier) Release() {
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			slog.Error("error destroying onnx session", "error", err)
		}
		m.session = nil
	}
}
