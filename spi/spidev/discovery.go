//go:build linux

package spidev

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Devices lists the spidev nodes present under dir.
func Devices(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "spidev*"))
	if err != nil {
		return nil, errors.Wrapf(err, "listing SPI devices in %q", dir)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names, nil
}

// Watch logs spidev node additions and removals under dir until ctx is
// canceled. Useful on boards where buses appear late (device-tree overlays,
// USB adapters).
func Watch(ctx context.Context, dir string, logger golog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating device watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warnw("device watcher did not close cleanly", "error", err)
		}
	}()
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %q", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), "spidev") {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				logger.Infow("SPI device appeared", "device", filepath.Base(event.Name))
			case event.Op&fsnotify.Remove != 0:
				logger.Infow("SPI device removed", "device", filepath.Base(event.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("device watcher error", "error", err)
		}
	}
}
