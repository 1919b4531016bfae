package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"neuroscan-backend/internal/core/nn"
	"neuroscan-backend/internal/core/resnet"
	"neuroscan-backend/internal/storage"
)

// ModelType selects how a checkpoint is turned into a classifier.
type ModelType string

const (
	ResNet ModelType = "resnet18"
	Onnx   ModelType = "onnx"
)

// Classifier maps a [1,3,224,224] input to [1,K] raw logits. Backward
// propagates a logit gradient to the stage recorded in the capture.
type Classifier interface {
	Forward(x *nn.Tensor, c *nn.Capture) (*nn.Tensor, error)

	Backward(c *nn.Capture, seed *nn.Tensor) error

	NumClasses() int

	Release()
}

type ModelLoader func(checkpoint []byte) (Classifier, error)

func NewModelLoaders(arch resnet.Arch, numClasses int, onnxRuntimePath string) map[ModelType]ModelLoader {
	return map[ModelType]ModelLoader{
		ResNet: func(checkpoint []byte) (Classifier, error) {
			return resnet.Load(arch, numClasses, checkpoint)
		},
		Onnx: func(checkpoint []byte) (Classifier, error) {
			return LoadOnnxClassifier(checkpoint, numClasses, onnxRuntimePath)
		},
	}
}

// CheckpointSource returns the raw checkpoint bytes.
type CheckpointSource func(ctx context.Context) ([]byte, error)

// StorageSource reads a checkpoint from a local path or an s3:// location.
func StorageSource(uri string, s3cfg *storage.S3ProviderConfig) CheckpointSource {
	return func(ctx context.Context) ([]byte, error) {
		provider, loc, err := storage.Open(uri, s3cfg)
		if err != nil {
			return nil, err
		}
		return provider.GetObject(ctx, loc.Bucket, loc.Key)
	}
}

// Model is the shared classifier. Predictions hold the read lock; an
// explanation holds the write lock from its forward pass until its gradients
// have been read.
type Model struct {
	mu         sync.RWMutex
	classifier Classifier
}

func NewModel(classifier Classifier) *Model {
	return &Model{classifier: classifier}
}

// ModelCache loads the model on first use and keeps it, or the load error,
// for the lifetime of the process.
type ModelCache struct {
	name       string
	source     CheckpointSource
	loader     ModelLoader
	numClasses int

	once   sync.Once
	model  *Model
	err    error
	loaded atomic.Bool
}

func NewModelCache(name string, source CheckpointSource, loader ModelLoader, numClasses int) *ModelCache {
	return &ModelCache{name: name, source: source, loader: loader, numClasses: numClasses}
}

func (c *ModelCache) load(ctx context.Context) (*Model, error) {
	data, err := c.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}

	classifier, err := c.loader(data)
	if err != nil {
		return nil, err
	}

	if classifier.NumClasses() != c.numClasses {
		classifier.Release()
		return nil, fmt.Errorf("classifier has %d outputs but there are %d labels", classifier.NumClasses(), c.numClasses)
	}

	return NewModel(classifier), nil
}

// Get returns the cached model. The first call loads it; cancelling that
// caller's context does not abort the load for everyone else.
func (c *ModelCache) Get(ctx context.Context) (*Model, error) {
	c.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				c.model = nil
				c.err = &ModelLoadError{Source: c.name, Err: fmt.Errorf("panic while loading: %v", r)}
				slog.Error("panic loading model", "source", c.name, "panic", r)
			}
		}()

		start := time.Now()
		model, err := c.load(context.WithoutCancel(ctx))
		if err != nil {
			c.err = &ModelLoadError{Source: c.name, Err: err}
			slog.Error("error loading model", "source", c.name, "error", err)
			return
		}
		c.model = model
		c.loaded.Store(true)
		slog.Info("model loaded", "source", c.name, "classes", c.numClasses, "duration", time.Since(start))
	})
	if c.err == nil && c.model == nil {
		return nil, &ModelLoadError{Source: c.name, Err: errors.New("no model was loaded")}
	}
	return c.model, c.err
}

// Loaded reports whether a model is available without triggering a load.
func (c *ModelCache) Loaded() bool {
	return c.loaded.Load()
}
