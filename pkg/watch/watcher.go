// Package watch monitors an inbox directory for dropped documents. Files
// that appear and stop growing are handed to a callback, then moved to a
// processed subdirectory so a restart never re-ingests them.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Inbox watches a directory and invokes OnDocument for each settled file.
type Inbox struct {
	watcher  *fsnotify.Watcher
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	// OnDocument receives the settled file path. A nil error moves the
	// file to processed/; an error leaves it in place for the next pass.
	OnDocument func(ctx context.Context, path string) error
}

// NewInbox creates a watcher over dir. The directory is created if missing.
func NewInbox(dir string, logger *slog.Logger) (*Inbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "processed"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create processed directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return &Inbox{
		watcher:  fsWatcher,
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run blocks until the context is cancelled, dispatching settled files. Files
// already in the inbox at startup are picked up first.
func (i *Inbox) Run(ctx context.Context) error {
	if err := i.sweep(ctx); err != nil {
		i.logger.Warn("initial inbox sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			i.watcher.Close()
			return ctx.Err()

		case event, ok := <-i.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if i.ignored(event.Name) {
				continue
			}
			i.schedule(ctx, event.Name)

		case err, ok := <-i.watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Error("watcher error", "error", err)
		}
	}
}

// ignored filters directories, hidden files, and editor temp files.
func (i *Inbox) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	stat, err := os.Stat(path)
	if err != nil {
		return true
	}
	return stat.IsDir()
}

// schedule (re)arms the debounce timer for a path. Each write resets the
// timer, so the callback only fires once the file has stopped growing.
func (i *Inbox) schedule(ctx context.Context, path string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if timer, ok := i.pending[path]; ok {
		timer.Stop()
	}
	i.pending[path] = time.AfterFunc(i.debounce, func() {
		i.mu.Lock()
		delete(i.pending, path)
		i.mu.Unlock()
		i.handle(ctx, path)
	})
}

func (i *Inbox) handle(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if i.OnDocument == nil {
		return
	}

	if err := i.OnDocument(ctx, path); err != nil {
		i.logger.Error("inbox document rejected", "path", path, "error", err)
		return
	}

	dest := filepath.Join(i.dir, "processed", filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		i.logger.Warn("failed to archive processed document", "path", path, "error", err)
	}
}

// sweep dispatches files that were already present before the watch began.
func (i *Inbox) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(i.dir, entry.Name())
		if i.ignored(path) {
			continue
		}
		i.handle(ctx, path)
	}
	return nil
}

// Close stops the watcher.
func (i *Inbox) Close() error {
	return i.watcher.Close()
}
