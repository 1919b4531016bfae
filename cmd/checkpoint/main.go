package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"text/tabwriter"

	"neuroscan-backend/cmd"
	"neuroscan-backend/internal/core/checkpoint"
	"neuroscan-backend/internal/core/resnet"
	"neuroscan-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: checkpoint [-env file] [-seed n] init|inspect [path]\n")
	flag.PrintDefaults()
}

func main() {
	var seed int64
	flag.Int64Var(&seed, "seed", 0, "seed for the random weights written by init")
	flag.Usage = usage

	cmd.LoadEnvFile()

	var cfg cmd.ModelConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	path := cfg.CheckpointPath
	if flag.NArg() > 1 {
		path = flag.Arg(1)
	}

	ctx := context.Background()

	switch flag.Arg(0) {
	case "init":
		if err := initCheckpoint(ctx, cfg, path, seed); err != nil {
			log.Fatalf("error writing checkpoint: %v", err)
		}
	case "inspect":
		if err := inspectCheckpoint(ctx, cfg, path); err != nil {
			log.Fatalf("error inspecting checkpoint: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func initCheckpoint(ctx context.Context, cfg cmd.ModelConfig, path string, seed int64) error {
	labels, err := cfg.LabelSet()
	if err != nil {
		return err
	}
	arch, err := cfg.Arch()
	if err != nil {
		return err
	}

	provider, loc, err := storage.Open(path, cfg.S3Config())
	if err != nil {
		return err
	}
	if s3p, ok := provider.(*storage.S3Provider); ok {
		if err := s3p.CreateBucket(ctx, loc.Bucket); err != nil {
			return err
		}
	}

	params := resnet.RandomParams(arch, len(labels), seed)
	metadata := map[string]string{
		"arch":   cfg.ModelArch,
		"labels": labels.String(),
		"seed":   fmt.Sprint(seed),
	}

	var buf bytes.Buffer
	if err := checkpoint.Write(&buf, params, metadata); err != nil {
		return err
	}
	size := buf.Len()

	if err := provider.PutObject(ctx, loc.Bucket, loc.Key, &buf); err != nil {
		return err
	}

	slog.Info("checkpoint written", "location", loc.String(), "tensors", len(params), "bytes", size, "trainable_params", arch.TrainableParams(len(labels)))
	return nil
}

func inspectCheckpoint(ctx context.Context, cfg cmd.ModelConfig, path string) error {
	provider, loc, err := storage.Open(path, cfg.S3Config())
	if err != nil {
		return err
	}
	data, err := provider.GetObject(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return err
	}

	entries, metadata, err := checkpoint.Inspect(data)
	if err != nil {
		return err
	}

	for k, v := range metadata {
		fmt.Printf("%s: %s\n", k, v)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%v\n", e.Name, e.Dtype, e.Shape)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	labels, err := cfg.LabelSet()
	if err != nil {
		return err
	}
	arch, err := cfg.Arch()
	if err != nil {
		return err
	}
	model, err := resnet.Load(arch, len(labels), data)
	if err != nil {
		fmt.Printf("\nnot loadable as %s with %d classes: %v\n", cfg.ModelArch, len(labels), err)
		return nil
	}
	defer model.Release()

	values := 0
	for _, p := range model.Params() {
		values += p.Len()
	}
	fmt.Printf("\nloadable as %s %s with %d classes, %d tensors, %d values\n",
		cfg.ModelArch, model.Arch(), model.NumClasses(), len(model.Params()), values)
	return nil
}
