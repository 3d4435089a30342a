package notify

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runProducer runs fn in the background and returns a stop function that
// cancels it and waits for it to return.
func runProducer(t *testing.T, fn func(ctx context.Context) error) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, fn(ctx))
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	require.NoError(t, w.Write(Event{Type: TypeGameState, Started: true, GameName: "Celeste"}))

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".event", filepath.Ext(entries[0].Name()))
}

func TestEventWriterRejectsInvalid(t *testing.T) {
	w := NewEventWriter(t.TempDir())
	assert.Error(t, w.Write(Event{Type: "telemetry"}))
	assert.Error(t, w.Write(Event{Type: TypeOperatorSpeech}))
	assert.Error(t, w.Write(Event{Type: TypeGameState, Started: true}))
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	writer := NewEventWriter(dir)
	require.NoError(t, writer.Write(Event{Type: TypeOperatorSpeech, Text: "what do you think?"}))
	require.NoError(t, writer.Write(Event{Type: TypeGameState, Outcome: "died to the boss"}))

	q := queue.New(10, nil)
	stop := runProducer(t, func(ctx context.Context) error {
		return NewEventWatcher(dir, nil).Run(ctx, q)
	})
	defer stop()

	require.Eventually(t, func() bool { return q.Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	first, _ := q.TryDequeue()
	assert.Equal(t, types.EventOperatorSpeech, first.Kind)
	assert.Equal(t, types.PriorityCritical, first.Priority)
	assert.Equal(t, types.OperatorSpeech{Text: "what do you think?"}, first.Payload)

	second, _ := q.TryDequeue()
	assert.Equal(t, types.EventGameStateChange, second.Kind)
	assert.Equal(t, types.PriorityMedium, second.Priority)
	assert.Equal(t, "died to the boss", second.Payload.(types.GameStateChange).Outcome)

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(10, nil)
	stop := runProducer(t, func(ctx context.Context) error {
		return NewEventWatcher(dir, nil).Run(ctx, q)
	})
	defer stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, NewEventWriter(dir).Write(Event{
		Type: TypeGameState, Started: true, GameName: "Celeste", Goal: "Reach the summit",
	}))
	require.Eventually(t, func() bool { return q.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	ev, _ := q.TryDequeue()
	assert.Equal(t, types.GameStateChange{Started: true, GameName: "Celeste", Goal: "Reach the summit"}, ev.Payload)
}

func TestEventWatcherSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	events := filepath.Join(dir, "events")
	require.NoError(t, os.MkdirAll(events, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(events, "1-bad.event"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(events, "2-unknown.event"), []byte(`{"type":"telemetry"}`), 0o600))

	q := queue.New(10, nil)
	stop := runProducer(t, func(ctx context.Context) error {
		return NewEventWatcher(dir, nil).Run(ctx, q)
	})
	time.Sleep(100 * time.Millisecond)
	stop()

	assert.Zero(t, q.Len())
	entries, err := os.ReadDir(events)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPersonalityWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "personality.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: A\n"), 0o600))

	q := queue.New(10, nil)
	stop := runProducer(t, func(ctx context.Context) error {
		return NewPersonalityWatcher(path, 20*time.Millisecond, nil).Run(ctx, q)
	})
	defer stop()
	time.Sleep(50 * time.Millisecond)

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	// Several writes in a burst produce one reload.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("name: B\n"), 0o600))
	}

	require.Eventually(t, func() bool { return q.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, q.Len())

	ev, _ := q.TryDequeue()
	assert.Equal(t, types.EventHousekeeping, ev.Kind)
	assert.Equal(t, types.PriorityBackground, ev.Priority)
	assert.Equal(t, types.Housekeeping{Task: types.TaskReloadPersonality, Path: path}, ev.Payload)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "game_state_x_y", sanitizeName("game:state/x\\y"))
}
