package tabsplit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// OfflineMarker is the file name FileConnectivity watches for.
const OfflineMarker = "offline"

// FileConnectivity reports offline while a marker file exists in Dir.
// `touch <dir>/offline` takes the client offline and removing the file
// brings it back.
type FileConnectivity struct {
	Dir string
}

func (p *FileConnectivity) marker() string {
	return filepath.Join(p.Dir, OfflineMarker)
}

// Online reports whether the marker is absent.
func (p *FileConnectivity) Online() bool {
	_, err := os.Stat(p.marker())
	return os.IsNotExist(err)
}

func (p *FileConnectivity) Watch(ctx context.Context, report func(bool)) error {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p.Dir, err)
	}

	report(p.Online())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != OfflineMarker {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				report(p.Online())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("watch %s: %w", p.Dir, err)
			}
		}
	}
}
