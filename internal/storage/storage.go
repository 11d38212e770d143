// Package storage persists uploaded file objects on the local filesystem or
// an S3-compatible object store, with deferred deletion of orphaned objects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bedrockdb/bedrock/internal/config"
)

// ErrNotFound is returned when an object id does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore stores file contents keyed by opaque object ids.
type ObjectStore interface {
	Put(ctx context.Context, id string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}

// New builds the configured backend. The fs backend keeps objects under
// dataDir/uploads.
func New(cfg config.StorageConfig, dataDir string, logger *slog.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(filepath.Join(dataDir, "uploads"))
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// FSStore is the local filesystem backend. Object ids are uuids generated by
// the upload path, so they are safe as file names; ids are still checked for
// path separators.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid object id %q", id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *FSStore) Put(_ context.Context, id string, r io.Reader, _ int64, _ string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FSStore) Get(_ context.Context, id string) (io.ReadCloser, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStore) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// S3Store stores objects in an S3-compatible bucket via minio.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
		return nil, errors.New("s3 backend requires s3_endpoint and s3_bucket")
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, id string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, id, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", id, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}
	// GetObject is lazy; surface missing objects on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	return s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{})
}
