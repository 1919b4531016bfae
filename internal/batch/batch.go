package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"path"
	"sort"
	"strings"

	"neuroscan-backend/internal/core"
	"neuroscan-backend/internal/storage"

	"gopkg.in/yaml.v2"
)

const (
	OverlaySuffix = "_gradcam.png"
	SummaryName   = "summary.yaml"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

type ImageResult struct {
	Image            string             `yaml:"image"`
	Label            string             `yaml:"label,omitempty"`
	Confidence       float64            `yaml:"confidence,omitempty"`
	Tier             string             `yaml:"tier,omitempty"`
	Probabilities    map[string]float64 `yaml:"probabilities,omitempty"`
	Overlay          string             `yaml:"overlay,omitempty"`
	ExplanationError string             `yaml:"explanation_error,omitempty"`
	Error            string             `yaml:"error,omitempty"`
}

type Summary struct {
	Input     string         `yaml:"input"`
	Output    string         `yaml:"output"`
	Total     int            `yaml:"total"`
	Succeeded int            `yaml:"succeeded"`
	Failed    int            `yaml:"failed"`
	Counts    map[string]int `yaml:"counts"`
	Results   []ImageResult  `yaml:"results"`
}

type Runner struct {
	Engine  *core.Engine
	Source  storage.Provider
	Dest    storage.Provider
	Workers int

	// Called once per finished image.
	OnProgress func()
}

func isImage(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

func overlayName(image string) string {
	base := path.Base(strings.ReplaceAll(image, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base)) + OverlaySuffix
}

// ListImages returns the images directly under in. Other files and overlays
// from an earlier run are skipped.
func (r *Runner) ListImages(ctx context.Context, in storage.Location) ([]string, error) {
	prefix := in.Key
	if in.IsS3() && prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects, err := r.Source.ListObjects(ctx, in.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", in, err)
	}

	var images []string
	for _, obj := range objects {
		if in.IsS3() && strings.Contains(strings.TrimPrefix(obj.Name, prefix), "/") {
			continue
		}
		if !isImage(obj.Name) || strings.HasSuffix(obj.Name, OverlaySuffix) {
			slog.Debug("skipping object", "name", obj.Name)
			continue
		}
		images = append(images, obj.Name)
	}
	return images, nil
}

func (r *Runner) analyze(ctx context.Context, in, out storage.Location, image string) (ImageResult, error) {
	data, err := r.Source.GetObject(ctx, in.Bucket, image)
	if err != nil {
		return ImageResult{}, fmt.Errorf("error reading %s: %w", image, err)
	}

	a, err := r.Engine.Analyze(ctx, data)
	if err != nil {
		return ImageResult{}, err
	}

	res := ImageResult{
		Image:         image,
		Label:         a.Prediction.Label,
		Confidence:    a.Prediction.Confidence,
		Tier:          string(a.Tier),
		Probabilities: a.Prediction.Probabilities,
	}

	if a.ExplainErr != nil {
		res.ExplanationError = a.ExplainErr.Error()
		return res, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, a.Overlay); err != nil {
		return ImageResult{}, fmt.Errorf("error encoding overlay for %s: %w", image, err)
	}

	dst := out.Join(overlayName(image))
	if err := r.Dest.PutObject(ctx, dst.Bucket, dst.Key, &buf); err != nil {
		return ImageResult{}, fmt.Errorf("error writing overlay %s: %w", dst, err)
	}
	res.Overlay = dst.String()

	return res, nil
}

// Run analyses every image under in, writes overlays and the summary under
// out, and returns the summary. Per-image failures are recorded in the summary
// rather than aborting the run; a model that cannot be loaded aborts it.
func (r *Runner) Run(ctx context.Context, in, out storage.Location, images []string) (*Summary, error) {
	queue := make(chan string, len(images))
	for _, image := range images {
		queue <- image
	}
	close(queue)

	completed := make(chan CompletedTask[string, ImageResult], len(images))
	RunInPool(ctx, func(ctx context.Context, image string) (ImageResult, error) {
		return r.analyze(ctx, in, out, image)
	}, queue, completed, r.Workers)

	summary := &Summary{Input: in.String(), Output: out.String(), Total: len(images), Counts: map[string]int{}}

	var loadErr error
	for task := range completed {
		if r.OnProgress != nil {
			r.OnProgress()
		}

		if task.Error != nil {
			var modelErr *core.ModelLoadError
			if loadErr == nil && errors.As(task.Error, &modelErr) {
				loadErr = modelErr
			}
			slog.Error("error analysing image", "image", task.Input, "error", task.Error)
			summary.Failed++
			summary.Results = append(summary.Results, ImageResult{Image: task.Input, Error: task.Error.Error()})
			continue
		}

		summary.Succeeded++
		summary.Counts[task.Result.Label]++
		summary.Results = append(summary.Results, task.Result)
	}

	if loadErr != nil {
		return nil, loadErr
	}

	sort.Slice(summary.Results, func(i, j int) bool { return summary.Results[i].Image < summary.Results[j].Image })

	if err := r.writeSummary(ctx, out, summary); err != nil {
		return nil, err
	}

	return summary, nil
}

func (r *Runner) writeSummary(ctx context.Context, out storage.Location, summary *Summary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error encoding summary: %w", err)
	}

	dst := out.Join(SummaryName)
	if err := r.Dest.PutObject(ctx, dst.Bucket, dst.Key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error writing summary %s: %w", dst, err)
	}
	slog.Info("summary written", "location", dst.String())
	return nil
}
