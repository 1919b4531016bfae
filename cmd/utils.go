package cmd

import (
	"flag"
	"fmt"
	"log"
	"log/slog"

	"neuroscan-backend/internal/core"
	"neuroscan-backend/internal/core/resnet"
	"neuroscan-backend/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// ModelConfig is shared by every binary that runs the classifier.
type ModelConfig struct {
	ModelType      string `env:"MODEL_TYPE" envDefault:"resnet18"`
	ModelArch      string `env:"MODEL_ARCH" envDefault:"resnet18"`
	CheckpointPath string `env:"CHECKPOINT_PATH" envDefault:"models/brain_tumor_resnet18.safetensors"`
	Labels         string `env:"LABELS"`
	TargetLayer    string `env:"TARGET_LAYER" envDefault:"layer4"`
	OnnxRuntimeLib string `env:"ONNX_RUNTIME_DYLIB"`
	MaxImagePixels int64  `env:"MAX_IMAGE_PIXELS" envDefault:"25000000"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func (c ModelConfig) S3Config() *storage.S3ProviderConfig {
	return &storage.S3ProviderConfig{
		S3EndpointURL:     c.S3EndpointURL,
		S3AccessKeyID:     c.S3AccessKeyID,
		S3SecretAccessKey: c.S3SecretAccessKey,
		S3Region:          c.S3Region,
	}
}

func (c ModelConfig) LabelSet() (core.LabelSet, error) {
	if c.Labels == "" {
		return core.DefaultLabels, nil
	}
	return core.ParseLabels(c.Labels)
}

func (c ModelConfig) Arch() (resnet.Arch, error) {
	switch c.ModelArch {
	case "resnet18":
		return resnet.ResNet18, nil
	case "tiny":
		return resnet.Tiny, nil
	default:
		return resnet.Arch{}, fmt.Errorf("unknown model arch %q", c.ModelArch)
	}
}

// NewEngine builds the inference engine. The checkpoint is read lazily on the
// first request, so a missing checkpoint does not stop the process.
func NewEngine(cfg ModelConfig) (*core.Engine, error) {
	labels, err := cfg.LabelSet()
	if err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}

	arch, err := cfg.Arch()
	if err != nil {
		return nil, err
	}

	loader, ok := core.NewModelLoaders(arch, len(labels), cfg.OnnxRuntimeLib)[core.ModelType(cfg.ModelType)]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", cfg.ModelType)
	}

	if cfg.TargetLayer == "" {
		cfg.TargetLayer = resnet.DefaultTarget
	}

	slog.Info("configured model", "type", cfg.ModelType, "arch", cfg.ModelArch, "checkpoint", cfg.CheckpointPath, "labels", labels.String(), "target_layer", cfg.TargetLayer)

	cache := core.NewModelCache(cfg.CheckpointPath, core.StorageSource(cfg.CheckpointPath, cfg.S3Config()), loader, len(labels))
	engine := core.NewEngine(labels, cache, cfg.TargetLayer)
	engine.SetMaxImagePixels(cfg.MaxImagePixels)
	return engine, nil
}
