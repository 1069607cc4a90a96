package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// GetterStore resolves keys against a base URL and fetches them with go-getter, so a
// plugin catalog can live behind http(s), s3::, gcs:: or a git repository. It is
// read-only.
type GetterStore struct {
	baseURL string
	timeout time.Duration
	getters map[string]getter.Getter
	logger  *zap.SugaredLogger
}

// NewGetterStore creates a store rooted at baseURL
func NewGetterStore(baseURL string, timeout time.Duration, log *zap.SugaredLogger) (*GetterStore, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.WithHint(errors.Validationf("getter base URL is empty"), "set blob.base_url in am.toml")
	}
	return &GetterStore{
		baseURL: base,
		timeout: timeout,
		getters: getter.Getters,
		logger:  logger.OrGlobal(log),
	}, nil
}

// source joins the key onto the base URL, keeping any ?query on the base
func (s *GetterStore) source(key string) string {
	base, query, _ := strings.Cut(s.baseURL, "?")
	src := base + "/" + key
	if query != "" {
		src += "?" + query
	}
	return src
}

func (s *GetterStore) fetch(ctx context.Context, src, dst string, mode getter.ClientMode) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	pwd, _ := os.Getwd()
	client := &getter.Client{
		Ctx:             ctx,
		Src:             src,
		Dst:             dst,
		Pwd:             pwd,
		Mode:            mode,
		Getters:         s.getters,
		DisableSymlinks: true,
	}

	s.logger.Debugw("Fetching with go-getter",
		logger.FieldURL, src,
		logger.FieldPath, dst)
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", src)
	}
	return nil
}

// DownloadObject implements Store
func (s *GetterStore) DownloadObject(ctx context.Context, key, destPath string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", destPath)
	}
	return s.fetch(ctx, s.source(k), destPath, getter.ClientModeFile)
}

// DownloadPrefix implements Store
func (s *GetterStore) DownloadPrefix(ctx context.Context, prefix, destDir string) error {
	p, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	return s.fetch(ctx, s.source(strings.TrimSuffix(p, "/")), destDir, getter.ClientModeDir)
}

// PutObject is not supported; go-getter only reads
func (s *GetterStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	return errors.NewInvalidRequestError("getter blob store is read-only (key %s)", key)
}
