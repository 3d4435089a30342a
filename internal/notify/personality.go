package notify

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor produces for one
// save.
const DefaultDebounce = 250 * time.Millisecond

// PersonalityWatcher enqueues a BACKGROUND reload_personality housekeeping
// event whenever the personality file changes.
type PersonalityWatcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

// NewPersonalityWatcher creates a watcher for path.
func NewPersonalityWatcher(path string, debounce time.Duration, logger *zap.Logger) *PersonalityWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersonalityWatcher{path: path, debounce: debounce, logger: logger.Named("personality")}
}

// Name identifies the producer.
func (pw *PersonalityWatcher) Name() string { return "personality_watcher" }

// Run watches until ctx ends. The parent directory is watched so that
// editors which replace the file on save are still seen.
func (pw *PersonalityWatcher) Run(ctx context.Context, q queue.Enqueuer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(pw.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	pw.logger.Info("watching personality file", zap.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs || evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pw.debounce)
			} else {
				timer.Reset(pw.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			ev := types.NewEvent(types.EventHousekeeping, types.PriorityBackground, pw.Name(),
				types.Housekeeping{Task: types.TaskReloadPersonality, Path: pw.path})
			if !q.TryEnqueue(ev) {
				pw.logger.Warn("queue full, dropping personality reload")
				continue
			}
			pw.logger.Info("personality file changed, reload queued")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			pw.logger.Warn("watcher error", zap.Error(err))
		}
	}
}
