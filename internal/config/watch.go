package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ApplyLogLevels applies the configured default and per-subsystem log levels.
// Unknown subsystem names are not an error: loggers register lazily, and
// go-log applies levels to subsystems created later as well.
func ApplyLogLevels(lc Logging) error {
	lvl := strings.ToLower(strings.TrimSpace(lc.Level))
	if lvl == "" {
		lvl = "info"
	}
	level, err := logging.LevelFromString(lvl)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	logging.SetAllLoggers(level)

	for sub, override := range lc.Subsystems {
		o := strings.ToLower(strings.TrimSpace(override))
		if o == "" {
			continue
		}
		if err := logging.SetLogLevel(sub, o); err != nil {
			return fmt.Errorf("logging.subsystems[%s]: %w", sub, err)
		}
	}
	return nil
}

// Watch re-loads the config file whenever it changes on disk and calls
// onChange with the new value. Invalid intermediate states (partial writes,
// validation failures) are logged and skipped. The watch runs until ctx is
// cancelled. The parent directory is watched, not the file itself, so
// editors that replace the file via rename keep the watch alive.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()

	return nil
}
