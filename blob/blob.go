// Package blob is the object store plugins are downloaded from.
//
// Three backends implement Store: DirStore (a local directory, used in development and
// tests), S3Store (any S3-compatible bucket) and GetterStore (read-only, any URL
// go-getter understands).
package blob

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// Store downloads objects into a workspace and uploads new ones
type Store interface {
	// DownloadObject writes the object at key to destPath, creating parent directories
	DownloadObject(ctx context.Context, key, destPath string) error
	// DownloadPrefix writes every object under prefix into destDir, keeping the
	// key layout below the prefix
	DownloadPrefix(ctx context.Context, prefix, destDir string) error
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// New builds the store selected by cfg.Backend
func New(ctx context.Context, cfg am.BlobConfig, log *zap.SugaredLogger) (Store, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Backend {
	case am.BlobBackendDir, "":
		return NewDirStore(cfg.Dir)
	case am.BlobBackendS3:
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
			Timeout:      timeout,
		}, log)
	case am.BlobBackendGetter:
		return NewGetterStore(cfg.BaseURL, timeout, log)
	default:
		return nil, errors.Validationf("unknown blob backend: %s", cfg.Backend)
	}
}

// cleanKey normalizes an object key and rejects keys that climb out of their root.
// A trailing slash survives so prefixes stay prefixes.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if trimmed == "" {
		return "", errors.Validationf("empty object key")
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." {
			return "", errors.SecurityViolationf("object key escapes store: %s", key)
		}
	}
	cleaned := path.Clean(trimmed)
	if strings.HasSuffix(trimmed, "/") {
		cleaned += "/"
	}
	return cleaned, nil
}

// relativeDest maps an object key under prefix to a path inside destDir
func relativeDest(destDir, prefix, key string) (string, error) {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", errors.Validationf("object %s has no name below prefix %s", key, prefix)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", errors.SecurityViolationf("object key escapes destination: %s", key)
		}
	}
	return filepath.Join(destDir, filepath.FromSlash(rel)), nil
}

// writeFile writes body to dest through a temp file so readers never see a partial object
func writeFile(dest string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", dest)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blob-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", dest)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.Wrapf(err, "failed to move object into %s", dest)
	}
	return nil
}
