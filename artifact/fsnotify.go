package artifact

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FSNotify is a Signal backed by inotify (or the platform equivalent). It
// watches the parent directory of each subscribed path, since the file
// usually does not exist yet when the wait starts.
type FSNotify struct {
	w      *fsnotify.Watcher
	logger *slog.Logger

	mu     sync.Mutex
	dirs   map[string]int                        // watched dir -> subscriber count
	subs   map[string]map[*subscription]struct{} // cleaned file path -> subscribers
	closed bool
	done   chan struct{}
}

type subscription struct {
	ch chan struct{}
}

// ErrSignalClosed is returned by Subscribe after Close.
var ErrSignalClosed = errors.New("artifact: signal closed")

// NewFSNotify starts a watcher. Close releases it.
func NewFSNotify(logger *slog.Logger) (*FSNotify, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &FSNotify{
		w:      w,
		logger: logger,
		dirs:   make(map[string]int),
		subs:   make(map[string]map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Subscribe implements Signal. The channel receives at most one pending
// notification; it is closed by the cancel func.
func (s *FSNotify) Subscribe(path string) (<-chan struct{}, func(), error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSignalClosed
	}
	if s.dirs[dir] == 0 {
		if err := s.w.Add(dir); err != nil {
			return nil, nil, err
		}
	}
	s.dirs[dir]++

	sub := &subscription{ch: make(chan struct{}, 1)}
	if s.subs[path] == nil {
		s.subs[path] = make(map[*subscription]struct{})
	}
	s.subs[path][sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.unsubscribe(path, dir, sub) })
	}
	return sub.ch, cancel, nil
}

func (s *FSNotify) unsubscribe(path, dir string, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[path]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(s.subs, path)
		}
	}
	if s.closed {
		return
	}
	s.dirs[dir]--
	if s.dirs[dir] <= 0 {
		delete(s.dirs, dir)
		if err := s.w.Remove(dir); err != nil {
			s.logger.Debug("artifact: unwatch failed", "dir", dir, "error", err)
		}
	}
}

// Close stops the watcher and closes every open subscription.
func (s *FSNotify) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for path, set := range s.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(s.subs, path)
	}
	s.mu.Unlock()

	err := s.w.Close()
	<-s.done
	return err
}

func (s *FSNotify) loop() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Chmod) {
				continue
			}
			s.notify(filepath.Clean(ev.Name))
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("artifact: watcher error", "error", err)
		}
	}
}

func (s *FSNotify) notify(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[path] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}
