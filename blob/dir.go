package blob

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// DirStore keeps objects as files below a root directory
type DirStore struct {
	root string
}

// NewDirStore creates the root if needed
func NewDirStore(root string) (*DirStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.Validationf("blob directory is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve blob directory %s", root)
	}
	if err := os.MkdirAll(abs, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create blob directory %s", abs)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimSuffix(k, "/"))), nil
}

// DownloadObject implements Store
func (s *DirStore) DownloadObject(ctx context.Context, key, destPath string) error {
	src, err := s.path(key)
	if err != nil {
		return err
	}
	return copyFile(src, destPath)
}

// DownloadPrefix implements Store
func (s *DirStore) DownloadPrefix(ctx context.Context, prefix, destDir string) error {
	src, err := s.path(prefix)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("no objects under prefix %s", prefix)
		}
		return errors.Wrapf(err, "failed to stat prefix %s", prefix)
	}
	if !info.IsDir() {
		return errors.NewNotFoundError("prefix %s is an object, not a prefix", prefix)
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return copyFile(p, filepath.Join(destDir, rel))
	})
}

// PutObject implements Store
func (s *DirStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	return writeFile(dest, func(f *os.File) error {
		_, err := f.Write(data)
		return errors.Wrapf(err, "failed to write object %s", key)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("object not found: %s", src)
		}
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	return writeFile(dest, func(f *os.File) error {
		_, err := io.Copy(f, in)
		return errors.Wrapf(err, "failed to copy %s", src)
	})
}
