package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// EventWatcher watches the events directory and enqueues every event file
// it finds. Consumed files are removed.
type EventWatcher struct {
	dir    string
	logger *zap.Logger
}

// NewEventWatcher creates a watcher for {dataPath}/events/.
func NewEventWatcher(dataPath string, logger *zap.Logger) *EventWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventWatcher{
		dir:    filepath.Join(dataPath, "events"),
		logger: logger.Named("events"),
	}
}

// Name identifies the producer.
func (ew *EventWatcher) Name() string { return "event_files" }

// Run drains existing event files, then watches for new ones until ctx ends.
func (ew *EventWatcher) Run(ctx context.Context, q queue.Enqueuer) error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(ew.dir); err != nil {
		return err
	}

	// Draining after Add means no file can slip between the two.
	ew.drainExisting(q)
	ew.logger.Info("watching for event files", zap.String("dir", ew.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.processFile(q, evt.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ew.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (ew *EventWatcher) drainExisting(q queue.Enqueuer) {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			ew.processFile(q, filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(q queue.Enqueuer, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed
	}
	_ = os.Remove(path)

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		ew.logger.Warn("invalid event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	qe, err := ew.toQueueEvent(evt)
	if err != nil {
		ew.logger.Warn("rejected event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if !q.TryEnqueue(qe) {
		ew.logger.Warn("queue full, dropping file event", zap.String("type", evt.Type))
		return
	}
	ew.logger.Debug("enqueued file event", zap.String("type", evt.Type), zap.String("event_id", qe.ID))
}

func (ew *EventWatcher) toQueueEvent(evt Event) (types.Event, error) {
	if err := evt.Validate(); err != nil {
		return types.Event{}, err
	}
	switch evt.Type {
	case TypeOperatorSpeech:
		return types.NewEvent(types.EventOperatorSpeech, types.PriorityCritical, ew.Name(),
			types.OperatorSpeech{Text: evt.Text}), nil
	case TypeGameState:
		return types.NewEvent(types.EventGameStateChange, types.PriorityMedium, ew.Name(),
			types.GameStateChange{
				Started:     evt.Started,
				Ended:       evt.Ended,
				GameName:    evt.GameName,
				Goal:        evt.Goal,
				Outcome:     evt.Outcome,
				Achievement: evt.Achievement,
				Description: evt.Description,
			}), nil
	}
	return types.Event{}, fmt.Errorf("notify: unhandled event type %q", evt.Type)
}
