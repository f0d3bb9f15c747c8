// Package apikeys loads the set of valid API keys from a file and keeps it
// fresh via fsnotify, so keys can be rotated without restarting the service.
// The store is an explicit dependency handed to the API middleware; there is
// no process-wide key cache.
package apikeys

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current key set. Safe for concurrent use.
type Store struct {
	path string

	mu   sync.RWMutex
	keys map[string]struct{}
}

// Load reads the key file (one key per line, '#' starts a comment) and
// returns a ready store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, keys: map[string]struct{}{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Valid reports whether the key is currently accepted. Comparison is
// constant-time per candidate key.
func (s *Store) Valid(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.keys {
		if len(k) == len(key) && subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// Count returns the number of loaded keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("apikeys: open %s: %w", s.path, err)
	}
	defer f.Close()

	keys := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		keys[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("apikeys: read %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Watch reloads the key file whenever it changes, until ctx is cancelled.
// The parent directory is watched so editors that replace the file by rename
// still trigger a reload. A failed reload keeps the previous key set.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	logger.Info("apikeys: watching", slog.String("path", s.path))

	// Debounce bursts of write events from atomic-save editors.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
			timerCh = timer.C
		} else {
			timer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("apikeys: watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}

		case <-timerCh:
			if err := s.reload(); err != nil {
				logger.Warn("apikeys: reload failed, keeping previous keys",
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("apikeys: reloaded", slog.Int("count", s.Count()))

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("apikeys: watcher error", slog.String("error", err.Error()))
		}
	}
}
