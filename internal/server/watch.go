package server

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchFile monitors path and calls onChange with the reloaded Config each
// time the file is written or replaced. It runs until ctx is cancelled.
//
// A reload that fails to parse is logged and skipped; onChange is not called
// and the previous config stays active.
func WatchFile(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				// Atomic saves replace the file, which drops the watch.
				if err := watcher.Add(path); err != nil {
					slog.Warn("config: re-watch failed, further edits will be missed", "path", path, "err", err)
					continue
				}
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
			default:
				continue
			}

			cfg, err := LoadFile(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}

			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
