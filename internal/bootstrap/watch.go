package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// WatchConfig configures a manifest watch.
type WatchConfig struct {
	// ManifestPath is the manifest file to reload.
	ManifestPath string
	// ResourceRoot, when set, is a directory of CND resources whose changes also re-apply
	// the manifest.
	ResourceRoot string
	Debounce     time.Duration
	Logger       *zap.Logger
}

// Watch re-loads and re-applies the manifest whenever it or a resource changes, until ctx
// ends. Load and apply failures are logged and the previous state stays in place.
func (a *Applier) Watch(ctx context.Context, cfg WatchConfig) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()

	manifestPath, err := filepath.Abs(cfg.ManifestPath)
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(manifestPath)); err != nil {
		return fmt.Errorf("watching directory %s: %w", filepath.Dir(manifestPath), err)
	}
	resourceRoot := ""
	if cfg.ResourceRoot != "" {
		resourceRoot, err = filepath.Abs(cfg.ResourceRoot)
		if err != nil {
			return err
		}
		if resourceRoot != filepath.Dir(manifestPath) {
			if err := fsWatcher.Add(resourceRoot); err != nil {
				return fmt.Errorf("watching directory %s: %w", resourceRoot, err)
			}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = a.logger
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	relevant := func(event fsnotify.Event) bool {
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			return false
		}
		name, err := filepath.Abs(event.Name)
		if err != nil {
			return false
		}
		if name == manifestPath {
			return true
		}
		return resourceRoot != "" && filepath.Dir(name) == resourceRoot && filepath.Ext(name) == ".cnd"
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		case <-timerC():
			timer = nil
			manifest, err := Load(manifestPath)
			if err != nil {
				logger.Warn("bootstrap manifest reload failed", zap.String("path", manifestPath), zap.Error(err))
				continue
			}
			if _, err := a.Apply(ctx, manifest); err != nil {
				logger.Warn("bootstrap manifest apply failed", zap.String("path", manifestPath), zap.Error(err))
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("bootstrap watch error", zap.Error(err))
		}
	}
}
