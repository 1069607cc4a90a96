package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// Reloader swaps the registered schedule set
type Reloader interface {
	Reload(ctx context.Context, set *Set) ([]string, error)
}

// Watcher reloads a rule file into the registry when it changes.
// A file that fails to load is logged and the running set stays in place.
type Watcher struct {
	path     string
	reloader Reloader
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	wg    sync.WaitGroup
}

// NewWatcher watches the directory containing path
func NewWatcher(path string, reloader Reloader, log *zap.SugaredLogger) (*Watcher, error) {
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve schedule config path %s", path)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}
	return &Watcher{
		path:     abs,
		reloader: reloader,
		watcher:  fw,
		logger:   logger.AddPulseSymbol(logger.OrGlobal(log)),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Infow("Watching schedule config", "path", w.path)
}

// Stop closes the watcher and cancels a pending reload
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Schedule config watcher error", logger.FieldError, err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(ctx); err != nil {
			w.logger.Errorw("Schedule config reload failed, keeping current rules",
				"path", w.path, logger.FieldError, err)
		}
	})
}

// Reload loads the rule file and hands it to the registry
func (w *Watcher) Reload(ctx context.Context) error {
	set, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	ids, err := w.reloader.Reload(ctx, set)
	if err != nil {
		return err
	}
	w.logger.Infow("Schedule config reloaded", "path", w.path, logger.FieldCount, len(ids))
	return nil
}
