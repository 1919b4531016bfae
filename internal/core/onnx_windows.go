//go:build windows

package core

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

func LoadOnnxClassifier(onnxBytes []byte, numClasses int, libPath string) (Classifier, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}
