package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Default artifact file names looked up when a location is a directory.
var defaultArtifactNames = []string{"classifier.json", "classifier.json.zst"}

// OpenOptions configures where and how artifacts are fetched.
type OpenOptions struct {
	S3Endpoint  string // custom endpoint (MinIO, localstack); empty for AWS
	S3Region    string
	S3AccessKey string // static credentials; empty uses the default chain
	S3SecretKey string
	Logger      *zap.Logger
}

// Open loads a model from location, which is one of:
//
//	/path/to/classifier.json[.zst]   local artifact
//	/path/to/models                  directory holding classifier.json[.zst]
//	s3://bucket/key                  artifact in object storage
//	grpc://host:port                 remote model server (distribution only)
//
// A missing artifact yields ErrModelNotFound.
func Open(ctx context.Context, location string, opts OpenOptions) (Model, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	switch {
	case strings.HasPrefix(location, "grpc://"):
		return NewRemote(ctx, strings.TrimPrefix(location, "grpc://"), opts.Logger)
	case strings.HasPrefix(location, "s3://"):
		data, err := fetchS3(ctx, location, opts)
		if err != nil {
			return nil, err
		}
		return decodeArtifact(location, data)
	default:
		path, err := resolveLocalPath(location)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, notFound(path)
			}
			return nil, fmt.Errorf("Open: %w", err)
		}
		m, err := decodeArtifact(path, data)
		if err != nil {
			return nil, err
		}
		opts.Logger.Info("model artifact loaded",
			zap.String("path", path),
			zap.String("version", m.Version()),
			zap.Strings("labels", m.Labels()),
		)
		return m, nil
	}
}

func resolveLocalPath(location string) (string, error) {
	info, err := os.Stat(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound(location)
		}
		return "", fmt.Errorf("Open: %w", err)
	}
	if !info.IsDir() {
		return location, nil
	}
	for _, name := range defaultArtifactNames {
		p := filepath.Join(location, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", notFound(filepath.Join(location, defaultArtifactNames[0]))
}

func notFound(where string) error {
	return fmt.Errorf("%w at %s: run the training job first to produce it", ErrModelNotFound, where)
}

// decodeArtifact decompresses (for .zst names) and parses artifact bytes.
func decodeArtifact(name string, data []byte) (*LinearModel, error) {
	if strings.HasSuffix(name, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("decodeArtifact: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decodeArtifact: %w: %v", ErrInvalidArtifact, err)
		}
	}

	a, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}
	if a.Version == "" {
		a.Version = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(name), ".zst"), ".json")
	}
	return NewLinear(a)
}
