package admission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LoadFile reads an allow-list file and applies it. The file holds one
// entry per line or comma separated entries; blank lines and text after
// '#' are ignored.
func (f *Filter) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read allow-list: %w", err)
	}

	var entries []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	if err := f.Set(strings.Join(entries, ",")); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// WatchFile loads path and reloads it whenever it is written or replaced,
// until ctx is cancelled. A reload that fails to parse keeps the previous
// allow-list. The initial load error is returned before watching starts.
func (f *Filter) WatchFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if err := f.LoadFile(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch allow-list dir: %w", err)
	}

	go f.watchLoop(ctx, watcher, path)
	f.log.Info("watching allow-list file", "path", path)
	return nil
}

func (f *Filter) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := f.LoadFile(path); err != nil {
					f.log.Warn("allow-list reload failed, keeping previous", "path", path, "error", err)
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				f.log.Warn("allow-list file removed, keeping previous", "path", path, "allowed", f.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("allow-list watcher error", "error", err)
		}
	}
}
