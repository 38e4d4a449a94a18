package model

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	s3FetchRetries = 4
	s3FetchBackoff = 500 * time.Millisecond
)

// parseS3Location splits s3://bucket/key into its parts.
func parseS3Location(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parseS3Location: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("parseS3Location: %q must look like s3://bucket/key", location)
	}
	return bucket, key, nil
}

func newS3Client(ctx context.Context, opts OpenOptions) (*s3.Client, error) {
	var cfgOpts []func(*config.LoadOptions) error
	if opts.S3Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.S3Region))
	}
	if opts.S3AccessKey != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.S3AccessKey, opts.S3SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("newS3Client: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// fetchS3 downloads an artifact. Transient failures are retried with
// Fibonacci backoff; a missing bucket or key is reported as ErrModelNotFound
// without retrying.
func fetchS3(ctx context.Context, location string, opts OpenOptions) ([]byte, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	downloader := manager.NewDownloader(client)

	var data []byte
	backoff := retry.WithMaxRetries(s3FetchRetries, retry.NewFibonacci(s3FetchBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		buf := manager.NewWriteAtBuffer(nil)
		_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			var noBucket *types.NoSuchBucket
			var missing *types.NotFound
			if errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &missing) {
				return notFound(location)
			}
			opts.Logger.Warn("model artifact download failed, retrying",
				zap.String("location", location),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		data = buf.Bytes()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetchS3: %w", err)
	}

	opts.Logger.Info("model artifact downloaded",
		zap.String("location", location),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}
