package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and hands the parsed
// result to onChange. It blocks until ctx is cancelled. The watch is placed
// on the containing directory so editor rename-and-replace saves are caught.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Printf("%s WARN config: reload failed file=%s error=%v",
					time.Now().Format(time.RFC3339), path, err)
				continue
			}
			logger.Printf("%s INFO config: reloaded file=%s level=%s",
				time.Now().Format(time.RFC3339), path, cfg.Logging.Level)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("%s ERROR config: watcher error=%v",
				time.Now().Format(time.RFC3339), err)
		}
	}
}
