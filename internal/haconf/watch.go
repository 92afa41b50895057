package haconf

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Watch reloads the store whenever the file is written, created or renamed
// into place, then calls onChange (which may be nil). The parent directory
// is watched so atomic replacements are seen.
func (s *Store) Watch(onChange func()) (*Watcher, error) {
	dir := filepath.Dir(s.path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("haconf: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("haconf: watch %q: %w", dir, err)
	}
	w := &Watcher{
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run(s, onChange)
	return w, nil
}

func (w *Watcher) run(s *Store, onChange func()) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("config.ha.reload_error", "path", s.path, "error", err)
				continue
			}
			s.logger.Debug("config.ha.reloaded", "path", s.path, "op", ev.Op.String())
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config.ha.watch_error", "path", s.path, "error", err)
		}
	}
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
