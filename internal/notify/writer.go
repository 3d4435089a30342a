// Package notify turns filesystem activity into queue events: event files
// dropped into {dataPath}/events/ by external tools (a screen reader, a
// stream deck, the CLI) and edits to the personality file.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event file types.
const (
	TypeGameState      = "game_state"
	TypeOperatorSpeech = "operator_speech"
)

// Event is the payload written to an event file.
type Event struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Started     bool   `json:"started,omitempty"`
	Ended       bool   `json:"ended,omitempty"`
	GameName    string `json:"game_name,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Achievement string `json:"achievement,omitempty"`
	Description string `json:"description,omitempty"`
	Time        int64  `json:"time"`
}

// Validate checks that the event can be turned into a queue event.
func (e Event) Validate() error {
	switch e.Type {
	case TypeOperatorSpeech:
		if e.Text == "" {
			return errors.New("notify: operator speech event without text")
		}
	case TypeGameState:
		if e.Started && e.GameName == "" {
			return errors.New("notify: game start event without game name")
		}
	default:
		return fmt.Errorf("notify: unknown event type %q", e.Type)
	}
	return nil
}

// EventWriter writes event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events")}
}

// Write validates evt and writes it as an event file. The file is written
// under a temporary name and renamed so watchers never see a partial file.
func (w *EventWriter) Write(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if evt.Time == 0 {
		evt.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	name := fmt.Sprintf("%d-%s", evt.Time, sanitizeName(evt.Type))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, filepath.Join(w.dir, name+".event"))
}

// sanitizeName replaces characters unsafe for filenames.
func sanitizeName(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' || id[i] == '\\' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
