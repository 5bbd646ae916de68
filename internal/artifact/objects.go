// Package artifact keeps the relational artifact index and the object
// store consistent: generated outputs are recorded against their job,
// orphans are deleted, and per-user input folders are capped.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object is one listed object.
type Object struct {
	Key          string
	LastModified time.Time
}

// ObjectStore is the subset of an S3-compatible store artifact needs.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Delete(ctx context.Context, bucket string, keys ...string) error
}

// ObjectsConfig holds S3-compatible endpoint settings.
type ObjectsConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinioStore implements ObjectStore with minio-go.  It works against S3
// and any S3-compatible server.
type MinioStore struct {
	client *minio.Client
	logger *slog.Logger
}

var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore creates a MinioStore.
func NewMinioStore(cfg ObjectsConfig, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &MinioStore{client: client, logger: logger}, nil
}

// List returns every object under prefix, following pagination.
func (m *MinioStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		out = append(out, Object{Key: info.Key, LastModified: info.LastModified})
	}
	return out, nil
}

// Delete removes keys.  A single key uses RemoveObject; more use the
// batched delete, which the client splits into 1000-key requests.
func (m *MinioStore) Delete(ctx context.Context, bucket string, keys ...string) error {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		if err := m.client.RemoveObject(ctx, bucket, keys[0], minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, keys[0], err)
		}
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: k}
	}
	close(objects)

	var errs []error
	for rerr := range m.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("delete %s/%s: %w", bucket, rerr.ObjectName, rerr.Err))
	}
	return errors.Join(errs...)
}
