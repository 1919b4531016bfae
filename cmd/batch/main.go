package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"neuroscan-backend/cmd"
	"neuroscan-backend/internal/batch"
	"neuroscan-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/schollz/progressbar/v3"
)

type BatchConfig struct {
	cmd.ModelConfig

	Workers int `env:"BATCH_WORKERS" envDefault:"4"`
}

func main() {
	var input, output string
	var workers int
	flag.StringVar(&input, "input", "", "directory (or s3://bucket/prefix) with the images to analyse")
	flag.StringVar(&output, "output", "", "where overlays and the summary are written, defaults to <input>/gradcam")
	flag.IntVar(&workers, "workers", 0, "number of images analysed concurrently, overrides BATCH_WORKERS")

	cmd.LoadEnvFile()

	var cfg BatchConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	if input == "" {
		log.Fatalf("-input is required")
	}

	engine, err := cmd.NewEngine(cfg.ModelConfig)
	if err != nil {
		log.Fatalf("Failed to configure model: %v", err)
	}

	source, in, err := storage.Open(input, cfg.S3Config())
	if err != nil {
		log.Fatalf("invalid input %s: %v", input, err)
	}

	var dest storage.Provider
	var out storage.Location
	if output == "" {
		dest, out = source, in.Join("gradcam")
	} else if dest, out, err = storage.Open(output, cfg.S3Config()); err != nil {
		log.Fatalf("invalid output %s: %v", output, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &batch.Runner{Engine: engine, Source: source, Dest: dest, Workers: cfg.Workers}

	images, err := runner.ListImages(ctx, in)
	if err != nil {
		log.Fatalf("error listing images: %v", err)
	}
	slog.Info("starting batch analysis", "input", in.String(), "output", out.String(), "images", len(images), "workers", cfg.Workers)

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("analysing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	runner.OnProgress = func() { _ = bar.Add(1) }

	summary, err := runner.Run(ctx, in, out, images)
	if err != nil {
		log.Fatalf("batch analysis failed: %v", err)
	}
	_ = bar.Finish()

	slog.Info("batch analysis complete", "succeeded", summary.Succeeded, "failed", summary.Failed, "counts", summary.Counts)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
