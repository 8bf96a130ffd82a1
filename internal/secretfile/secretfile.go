// Package secretfile serves a secret read from disk and follows rotations of
// that file, including the symlink swaps used by mounted secret volumes.
package secretfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var ErrEmptySecret = errors.New("secret file is empty")

type Secret struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	value    string
	onChange []func(string)
}

// Open reads path once. Call Watch to keep following it.
func Open(path string, logger zerolog.Logger) (*Secret, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	value, err := read(path)
	if err != nil {
		return nil, err
	}
	return &Secret{
		path:   path,
		value:  value,
		logger: logger.With().Str("component", "secretfile").Str("path", path).Logger(),
	}, nil
}

func (s *Secret) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// OnChange registers fn to run after each successful reload with a new value.
func (s *Secret) OnChange(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch blocks until ctx is done, reloading the secret whenever its
// directory changes. A reload that yields an empty or unreadable file keeps
// the previous value.
func (s *Secret) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("secret watcher error")
		}
	}
}

func (s *Secret) reload() {
	value, err := read(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Msg("secret reload failed, keeping previous value")
		}
		return
	}
	s.mu.Lock()
	if value == s.value {
		s.mu.Unlock()
		return
	}
	s.value = value
	callbacks := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info().Msg("secret rotated")
	for _, fn := range callbacks {
		fn(value)
	}
}

func read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptySecret, path)
	}
	return value, nil
}
