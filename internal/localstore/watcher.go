package localstore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls OnChange when a file backend is rewritten by someone else,
// such as a second process sharing the same storage context.
type Watcher struct {
	backend  *JSONFileBackend
	debounce time.Duration
	onChange func()
	logger   Logger
}

func NewWatcher(backend *JSONFileBackend, debounce time.Duration, onChange func(), logger Logger) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		backend:  backend,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Run blocks until ctx ends. The parent directory is watched because
// atomic writes replace the file rather than modifying it.
func (w *Watcher) Run(ctx context.Context) error {
	if w.backend == nil || w.backend.Path == "" || w.onChange == nil {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(w.backend.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("store watcher error: %v", err)
		case <-timerCh:
			timerCh = nil
			if w.backend.ChangedExternally() {
				w.onChange()
			}
		}
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
