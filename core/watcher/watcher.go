package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"soundsync/logger"
	"soundsync/model"

	"github.com/fsnotify/fsnotify"
)

// Refresher reloads state after the media directory changed.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Watcher triggers a debounced Refresh when a media file disappears from
// the directory, so the downloaded flag heals without waiting for the next
// sync.
type Watcher struct {
	dir      string
	target   Refresher
	debounce time.Duration
	wg       sync.WaitGroup
}

// New creates a Watcher for dir.
func New(dir string, target Refresher, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{dir: dir, target: target, debounce: debounce}
}

// Start begins watching. Events are handled in the background until ctx
// is cancelled; Wait blocks until then.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logger.Info("watching media directory", logger.String("dir", w.dir))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fw.Close()
		w.loop(ctx, fw)
	}()
	return nil
}

// Wait blocks until the watcher stopped.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// loop owns the debounce timer; the refresh runs on this goroutine so Wait
// also covers a refresh in flight.
func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
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
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			logger.Debug("media file removed", logger.String("file", event.Name), logger.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.target.Refresh(ctx); err != nil {
				logger.Warn("refresh after media change failed", logger.ErrorField(err))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", logger.ErrorField(err))
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return model.HasAllowedExtension(filepath.Base(event.Name))
}
