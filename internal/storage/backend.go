package storage

import (
	"context"
	"fmt"

	"github.com/meetrec/meetrec-control-plane/internal/config"
)

// Backend persists a finished recording and returns where it now lives.
type Backend interface {
	Name() string
	Store(ctx context.Context, sessionID, localPath string) (string, error)
	Remove(ctx context.Context, location string) error
}

// New selects the backend named in cfg. It is called once at startup.
func New(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageLocal:
		return NewLocal(), nil
	case config.StorageS3:
		b, err := NewS3Backend(ctx, S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Secure:    cfg.S3Secure,
		})
		if err != nil {
			return nil, err
		}
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
