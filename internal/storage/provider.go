package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

type Object struct {
	Name string
	Size int64
}

type Provider interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}

const S3Scheme = "s3://"

// Location addresses an object or prefix. Local locations have no bucket and
// are resolved relative to the provider's base directory.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	switch {
	case l.IsS3() && l.Key == "":
		return S3Scheme + l.Bucket
	case l.IsS3():
		return S3Scheme + l.Bucket + "/" + l.Key
	}
	return l.Key
}

// Join appends path elements to the key.
func (l Location) Join(elem ...string) Location {
	parts := append([]string{l.Key}, elem...)
	if l.IsS3() {
		return Location{Bucket: l.Bucket, Key: strings.TrimPrefix(strings.Join(parts, "/"), "/")}
	}
	return Location{Key: filepath.Join(parts...)}
}

func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	if !strings.HasPrefix(uri, S3Scheme) {
		return Location{Key: uri}, nil
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(uri, S3Scheme), "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("invalid s3 location %q: missing bucket", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Open returns a provider able to serve the given location together with the
// parsed location. Local paths are served from the file system; s3:// URIs
// need cfg.
func Open(uri string, cfg *S3ProviderConfig) (Provider, Location, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, Location{}, err
	}

	if !loc.IsS3() {
		p, err := NewLocalProvider(".")
		if err != nil {
			return nil, Location{}, err
		}
		return p, loc, nil
	}

	if cfg == nil {
		return nil, Location{}, fmt.Errorf("no s3 configuration for %s", uri)
	}
	p, err := NewS3Provider(cfg)
	if err != nil {
		return nil, Location{}, err
	}
	return p, loc, nil
}
