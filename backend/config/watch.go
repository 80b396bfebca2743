package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the file at path on every change and passes the new Config
// to onChange. A failed reload is logged and the previous config stays
// active. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself, so saves
// that rename a temporary file over path are picked up as well.
func Watch(ctx context.Context, path string, logger *zerolog.Logger, onChange func(*Config)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	log := logger.With().Str("component", "config").Str("path", path).Logger()
	log.Info().Msg("watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// Remove and Rename leave nothing to read, the following Create will
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, errL := Load(path)
			if errL != nil {
				log.Error().Err(errL).Msg("reload failed, keeping previous config")
				continue
			}
			log.Info().Str("op", event.Op.String()).Msg("config reloaded")
			onChange(cfg)

		case errW, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(errW).Msg("watcher error")
		}
	}
}
