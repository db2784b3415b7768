package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

// BounceFeed reads raw bounce notifications dropped as files into a
// directory by the inbox collaborator. Files that parse as bounces yield
// signals; everything else is ignored.
type BounceFeed struct {
	dir    string
	logger *telemetry.Logger
}

// NewBounceFeed creates a feed over dir.
func NewBounceFeed(dir string, logger *telemetry.Logger) *BounceFeed {
	return &BounceFeed{
		dir:    dir,
		logger: logger.NewComponentLogger("bouncefeed"),
	}
}

// Scan parses every file currently in the feed directory.
func (f *BounceFeed) Scan(ctx context.Context) ([]*tracker.BounceSignal, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bounce feed directory: %w", err)
	}

	var signals []*tracker.BounceSignal
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return signals, err
		}
		if entry.IsDir() {
			continue
		}
		if signal := f.parseFile(filepath.Join(f.dir, entry.Name())); signal != nil {
			signals = append(signals, signal)
		}
	}
	return signals, nil
}

// Watch streams signals for files created in the feed directory until ctx is
// cancelled. A short settle delay lets the writer finish before the file is
// read.
func (f *BounceFeed) Watch(ctx context.Context, out chan<- *tracker.BounceSignal) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}
	f.logger.Infof("watching %s for bounce notifications", f.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			if signal := f.parseFile(event.Name); signal != nil {
				select {
				case out <- signal:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (f *BounceFeed) parseFile(path string) *tracker.BounceSignal {
	raw, err := os.ReadFile(path)
	if err != nil {
		f.logger.WithError(err).Warnf("failed to read %s", path)
		return nil
	}

	signal, ok := tracker.ParseBounce(raw)
	if !ok {
		f.logger.Debugf("%s is not a bounce notification", filepath.Base(path))
		return nil
	}

	f.logger.WithContact(signal.Recipient).Debugf("bounce signal from %s via %s",
		filepath.Base(path), signal.Method)
	return signal
}
