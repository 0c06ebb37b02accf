package prompt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/logging"
)

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the template whenever the file at path changes until ctx is
// done. A file that fails to parse is logged and the previous template stays
// in use. The directory is watched so editors that replace the file on save
// are handled.
func (s *Store) Watch(ctx context.Context, path string, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Prompt watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := s.Load(abs); err != nil {
				logger.Error("Prompt reload failed, keeping previous template",
					zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("Prompt template reloaded", zap.String("path", abs))
		}
	}
}
