package security

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce is how long writes to a watched policy file must
// settle before it is reloaded.
const DefaultReloadDebounce = 250 * time.Millisecond

// PolicyWatcher reloads a coordinator's policy file when it changes. A
// file that fails to load is logged and the previous rules stay in effect.
type PolicyWatcher struct {
	coord    *Coordinator
	path     string
	log      *zap.Logger
	debounce time.Duration
	reloaded func(error)
}

// NewPolicyWatcher creates a watcher for path. Only the logger and
// debounce options apply.
func NewPolicyWatcher(c *Coordinator, path string, opts ...Option) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy watcher %s: %w", path, err)
	}
	o := newOptions(opts)
	return &PolicyWatcher{
		coord:    c,
		path:     abs,
		log:      o.log,
		debounce: o.debounce,
	}, nil
}

// Path returns the absolute path being watched.
func (w *PolicyWatcher) Path() string { return w.path }

// Watch blocks until ctx is done, reloading the policy after each burst
// of writes. The directory is watched so files replaced by rename are
// picked up.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("policy watcher %s: %w", w.path, err)
	}
	w.log.Debug("watching policy file", zap.String("path", w.path))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) reload() {
	err := w.coord.LoadSecurityConfig(w.path)
	if err != nil {
		w.log.Warn("policy reload failed, keeping previous rules",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.log.Info("policy reloaded", zap.String("path", w.path))
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}
