// Package miniostore is the S3-compatible artifact.Store, backed by
// minio-go. It is selected when ORCHESTRATOR_ARTIFACT_BACKEND=minio,
// mirroring the worker executor's object-store upload path.
package miniostore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flowforge/orchestrator/internal/artifact"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when ORCHESTRATOR_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "orchestrator-artifacts"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &Store{client: client, bucket: bucket}, nil
}

var _ artifact.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, actionID, taskID, name, contentType string, data io.Reader, size int64) (string, error) {
	objectName := fmt.Sprintf("%s/%s/%s", actionID, taskID, name)
	if _, err := s.client.PutObject(ctx, s.bucket, objectName, data, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", err
	}
	return fmt.Sprintf("artifact://s3/%s/%s", s.bucket, objectName), nil
}

func (s *Store) Get(ctx context.Context, storePath string) (io.ReadCloser, error) {
	const prefix = "artifact://s3/"
	if len(storePath) <= len(prefix) || storePath[:len(prefix)] != prefix {
		return nil, fmt.Errorf("not an s3 artifact path: %s", storePath)
	}
	rest := storePath[len(prefix):]
	bucket := s.bucket
	object := rest
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			bucket = rest[:i]
			object = rest[i+1:]
			break
		}
	}
	return s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
}
