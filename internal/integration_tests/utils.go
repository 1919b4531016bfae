package integrationtests

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"neuroscan-backend/internal/core"
	"neuroscan-backend/internal/core/checkpoint"
	"neuroscan-backend/internal/core/resnet"
	"neuroscan-backend/internal/storage"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

var testLabels = core.LabelSet{"glioma", "meningioma", "pituitary", "other", "normal"}

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func skipWithoutDocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// setupS3 starts MinIO and returns a provider for it with the given buckets
// already created.
func setupS3(t *testing.T, ctx context.Context, buckets ...string) (*storage.S3Provider, *storage.S3ProviderConfig) {
	t.Helper()

	cfg := &storage.S3ProviderConfig{
		S3EndpointURL:     setupMinioContainer(t, ctx),
		S3AccessKeyID:     minioUsername,
		S3SecretAccessKey: minioPassword,
		S3Region:          "us-east-1",
	}

	provider, err := storage.NewS3Provider(cfg)
	require.NoError(t, err)

	for _, bucket := range buckets {
		require.NoError(t, provider.CreateBucket(ctx, bucket))
	}
	return provider, cfg
}

func tinyCheckpoint(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, checkpoint.Write(&buf, resnet.RandomParams(resnet.Tiny, len(testLabels), 5), nil))
	return buf.Bytes()
}

func newEngine(source core.CheckpointSource, name string) *core.Engine {
	loaders := core.NewModelLoaders(resnet.Tiny, len(testLabels), "")
	cache := core.NewModelCache(name, source, loaders[core.ResNet], len(testLabels))
	return core.NewEngine(testLabels, cache, resnet.DefaultTarget)
}

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(255 * x / w), G: uint8(255 * y / h), B: uint8(x * y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
