package storage

import (
	"context"
	"fmt"

	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/objstore"
)

// NewObjectStore builds the object store selected by cfg.Driver and makes
// sure the configured buckets exist where the backend allows it.
func NewObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objstore.Store, error) {
	switch cfg.Driver {
	case "", "minio":
		client, err := NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		buckets := append([]string{cfg.DefaultBucket}, cfg.AllowedBuckets...)
		if err := EnsureBuckets(ctx, client, cfg.MinIO.Region, buckets...); err != nil {
			return nil, err
		}
		return objstore.NewMinIOStore(client), nil
	case "s3":
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return objstore.NewS3Store(client), nil
	case "memory":
		return objstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}
