package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/chansplit/chansplit/internal/errors"
)

// LocalStorage implements ObjectStorage on a directory tree, for shared
// filesystems and tests.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, cerrors.NewConfigError("local storage requires a base path")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeUploadFailed, "failed to create base directory", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies a file into the tree. The object appears atomically.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	destPath, err := l.fullPath(objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), src); err != nil {
		tmp.Close()
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, objectPath, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := l.fullPath(objectPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cerrors.NewStorageError(cerrors.CodeStatFailed, objectPath, err)
	}
	return true, nil
}

// fullPath maps an object key into the tree, rejecting keys that escape it.
func (l *LocalStorage) fullPath(objectPath string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(objectPath))
	rel, err := filepath.Rel(l.basePath, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed,
			fmt.Sprintf("object path %q escapes the storage root", objectPath), err)
	}
	return full, nil
}
