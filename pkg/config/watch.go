package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/muxchan/share"
)

// settle is how long the watcher waits for a burst of file events to end
// before reloading
const settle = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes and hands every reload
// result to a callback. The directory is watched rather than the file, so
// editors that replace the file on save are followed.
type Watcher struct {
	share.ShutdownHelper
	path     string
	watcher  *fsnotify.Watcher
	onChange func(cfg *Config, err error)
}

// NewWatcher starts watching path. onChange is called from the watcher's
// goroutine, never concurrently with itself.
func NewWatcher(logger share.Logger, path string, onChange func(cfg *Config, err error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, logger.Errorf("config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, logger.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, logger.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{path: abs, watcher: fw, onChange: onChange}
	w.InitShutdownHelper(logger.Fork("watch %s", filepath.Base(abs)), w)
	w.ShutdownWG().Add(1)
	go w.run()
	return w, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine
func (w *Watcher) HandleOnceShutdown(completionErr error) error {
	err := w.watcher.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (w *Watcher) run() {
	defer w.ShutdownWG().Done()
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.TLogf("event %s", ev)
			timer.Reset(settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogf("watch error: %s", err)
		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				w.WLogf("reload failed: %s", err)
			} else {
				w.ILogf("reloaded %d routes", len(cfg.Routes))
			}
			w.onChange(cfg, err)
		case <-w.ShutdownStartedChan():
			return
		}
	}
}
