// Package evidence stores files participants upload to support a dispute.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// MaxSize is the largest evidence file accepted, in bytes.
const MaxSize = 10 << 20

var ErrTooLarge = fmt.Errorf("evidence exceeds %d bytes", MaxSize)

// Key builds the object key for a participant's upload, e.g.
// disputes/<match>/<user>/<uuid>-photo-of-scoreboard.jpg.
func Key(matchID, userID, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	base := slug.Make(strings.TrimSuffix(fileName, filepath.Ext(fileName)))
	name := uuid.NewString()
	if base != "" {
		name += "-" + base
	}
	return path.Join("disputes", matchID, userID, name+ext)
}

type S3Options struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Store writes evidence to an S3 compatible bucket (R2, MinIO, S3).
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// Put uploads body under key and returns the s3:// reference stored on the match.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	buf, err := readLimited(body)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DiskStore keeps evidence under a local directory. Used in development when
// no bucket is configured.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) Put(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	buf, err := readLimited(body)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to save evidence: %w", err)
	}
	return "file://" + filepath.ToSlash(dest), nil
}

func readLimited(body io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}
	if len(buf) > MaxSize {
		return nil, ErrTooLarge
	}
	return buf, nil
}
