// Copyright 2025 Joseph Cumines
//
// Fixture file watching

package fixture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = 100 * time.Millisecond

type watcher struct {
	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

// Watch reloads the fixture file whenever it changes, until ctx ends or the
// provider is closed. onReload, if non-nil, runs after each successful
// reload. A file that fails to parse is logged and the previous tree is kept.
func (p *Provider) Watch(ctx context.Context, debounce time.Duration, onReload func()) error {
	if p.file == "" {
		return errors.New("fixture was not loaded from a file")
	}
	if p.watcher != nil {
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors replace files by rename, so watch the directory
	if err := fsw.Add(filepath.Dir(p.file)); err != nil {
		_ = fsw.Close()
		return err
	}
	w := &watcher{fsw: fsw, done: make(chan struct{})}
	p.watcher = w

	target := filepath.Clean(p.file)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		var (
			timer  *time.Timer
			timerC <-chan time.Time
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
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				p.logger.Warn("fixture watcher error", "file", p.file, "error", err)
			case <-timerC:
				timerC = nil
				p.reload(ctx, onReload)
			}
		}
	}()
	return nil
}

func (p *Provider) reload(ctx context.Context, onReload func()) {
	root, err := Load(p.file)
	if err != nil {
		p.logger.Warn("fixture reload failed, keeping previous tree", "file", p.file, "error", err)
		return
	}
	if err := p.Replace(ctx, root); err != nil {
		p.logger.Warn("fixture reload could not be applied", "file", p.file, "error", err)
		return
	}
	p.reloads.Add(1)
	p.logger.Info("fixture reloaded", "file", p.file)
	if onReload != nil {
		onReload()
	}
}
