// Package storage publishes committed output containers to object storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/chansplit/chansplit/internal/config"
	cerrors "github.com/chansplit/chansplit/internal/errors"
)

// ObjectStorage abstracts the object store an output container is published to.
type ObjectStorage interface {
	// Upload copies the local file to objectPath and returns its ETag.
	Upload(ctx context.Context, localPath, objectPath string) (string, error)

	// Exists reports whether objectPath is present.
	Exists(ctx context.Context, objectPath string) (bool, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}

// New builds the object storage selected by cfg. It returns nil for type none.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", config.StorageNone:
		return nil, nil
	case config.StorageLocal:
		local, err := NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return local, nil
	case config.StorageS3:
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.Endpoint != ""
		remote, err := NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, cerrors.NewConfigError(fmt.Sprintf("invalid storage type: %s", cfg.Type))
	}
}

// Publication describes one published container.
type Publication struct {
	ObjectPath string
	ETag       string
	Size       int64
}

// Publisher uploads output containers under a key prefix.
type Publisher struct {
	store  ObjectStorage
	prefix string
	logger *zap.Logger
}

// NewPublisher returns a publisher writing into store under prefix.
func NewPublisher(store ObjectStorage, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: store, prefix: prefix, logger: logger}
}

// ObjectPath returns the object key for a local container path.
func (p *Publisher) ObjectPath(localPath string) string {
	return path.Join(p.prefix, filepath.Base(localPath))
}

// Publish uploads localPath, replacing any object already at its key.
func (p *Publisher) Publish(ctx context.Context, localPath string) (*Publication, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeUploadFailed,
			fmt.Sprintf("failed to stat %s", localPath), err)
	}

	key := p.ObjectPath(localPath)
	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		p.logger.Warn("replacing published container", zap.String("object", key))
	}

	etag, err := p.store.Upload(ctx, localPath, key)
	if err != nil {
		return nil, err
	}

	p.logger.Info("output container published",
		zap.String("object", key),
		zap.String("etag", etag),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))
	return &Publication{ObjectPath: key, ETag: etag, Size: info.Size()}, nil
}
