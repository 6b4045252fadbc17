// Package sessionwatch follows the file holding the signed-in session cookie.
package sessionwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"tunesync/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

type Options struct {
	Path string
	// Debounce coalesces the burst of events an editor or browser produces
	// when it rewrites the file.
	Debounce time.Duration
}

type Watcher struct {
	path     string
	debounce time.Duration
	logger   *logging.Logger
}

func New(opts Options, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		panic("sessionwatch.New: logger must not be nil")
	}
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("session file path is required")
	}
	path, err := filepath.Abs(strings.TrimSpace(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("resolve session file: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Watcher{path: filepath.Clean(path), debounce: opts.Debounce, logger: logger}, nil
}

func (w *Watcher) Path() string {
	return w.path
}

// Read returns the trimmed cookie, or "" when the file does not exist.
func (w *Watcher) Read() (string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// RunContext calls onChange with the new cookie every time the file content
// changes, and with "" when it is removed. It returns when ctx ends.
func (w *Watcher) RunContext(ctx context.Context, onChange func(cookie string)) error {
	if onChange == nil {
		panic("sessionwatch.Watcher.RunContext: callback must not be nil")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so atomic replace-by-rename is seen.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}
	w.logger.Debugf("watching session file: %s", w.path)

	last, err := w.Read()
	if err != nil {
		w.logger.Warn("failed to read session file", logging.Field("error", err))
	}

	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("stopping session watcher: context canceled")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugf("fsnotify event: op=%s path=%s", event.Op.String(), event.Name)
			settle.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("session watcher error", logging.Field("error", err))
		case <-settle.C:
			current, err := w.Read()
			if err != nil {
				w.logger.Warn("failed to read session file", logging.Field("error", err))
				continue
			}
			if current == last {
				continue
			}
			last = current
			w.logger.Info("session changed", logging.Field("signed_in", current != ""))
			onChange(current)
		}
	}
}
