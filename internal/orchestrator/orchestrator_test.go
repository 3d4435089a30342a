package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBrain struct {
	st *state.Manager

	mu          sync.Mutex
	calls       map[string]int
	seen        map[string]types.SystemState
	gameDescs   []string
	personality config.Personality

	operator func(ctx context.Context, text string) (types.Action, error)
}

func newFakeBrain(st *state.Manager) *fakeBrain {
	return &fakeBrain{st: st, calls: map[string]int{}, seen: map[string]types.SystemState{}}
}

func (b *fakeBrain) record(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[kind]++
	b.seen[kind] = b.st.SystemState()
}

func (b *fakeBrain) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[kind]
}

func (b *fakeBrain) stateDuring(kind string) types.SystemState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[kind]
}

func speak(text string) types.Action {
	return types.Action{Kind: types.ActionSpeak, Content: text, Confidence: 1}
}

func (b *fakeBrain) Decide(context.Context, state.Snapshot) (types.Action, error) {
	b.record("decide")
	return speak("autonomous"), nil
}

func (b *fakeBrain) RespondToChat(_ context.Context, msg types.ParsedMessage, _ state.Snapshot) (types.Action, error) {
	b.record("chat")
	return speak("hi " + msg.Author), nil
}

func (b *fakeBrain) RespondToOperator(ctx context.Context, text string, _ state.Snapshot) (types.Action, error) {
	b.record("operator")
	if b.operator != nil {
		return b.operator(ctx, text)
	}
	return speak("sure: " + text), nil
}

func (b *fakeBrain) Idle(context.Context, state.Snapshot) (types.Action, error) {
	b.record("idle")
	return types.Action{Kind: types.ActionThink, Content: "quiet in here", Confidence: 1}, nil
}

func (b *fakeBrain) ReactToGameEvent(_ context.Context, desc string, _ state.Snapshot) (types.Action, error) {
	b.record("game")
	b.mu.Lock()
	b.gameDescs = append(b.gameDescs, desc)
	b.mu.Unlock()
	return speak("nice"), nil
}

func (b *fakeBrain) SetPersonality(p config.Personality) {
	b.mu.Lock()
	b.personality = p
	b.mu.Unlock()
}

type fakeDispatcher struct {
	mu      sync.Mutex
	actions []types.Action
}

func (d *fakeDispatcher) Dispatch(_ context.Context, a types.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
	return nil
}

func (d *fakeDispatcher) all() []types.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Action(nil), d.actions...)
}

func (d *fakeDispatcher) count() int { return len(d.all()) }

type mentionFilter struct{}

func (mentionFilter) ShouldRespond(pm types.ParsedMessage) bool { return pm.MentionsBot }


type fakeCloser struct{ closed atomic.Int32 }

func (c *fakeCloser) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []any
}

func (b *fakeBroadcaster) Broadcast(v any) {
	b.mu.Lock()
	b.msgs = append(b.msgs, v)
	b.mu.Unlock()
}

func (b *fakeBroadcaster) states() []types.SystemState {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.SystemState
	for _, m := range b.msgs {
		if r, ok := m.(StateReport); ok {
			out = append(out, r.To)
		}
	}
	return out
}

type harness struct {
	o     *Orchestrator
	q     *queue.Queue
	st    *state.Manager
	brain *fakeBrain
	disp  *fakeDispatcher
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	q := queue.New(100, nil)
	st := state.New(nil)
	h := &harness{q: q, st: st, brain: newFakeBrain(st), disp: &fakeDispatcher{}}
	cfg := Config{
		TickInterval:    time.Millisecond,
		IdleProbability: -1,
		StatsInterval:   -1,
		Quiet:           true,
		ChatFilter:      mentionFilter{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.o = New(q, st, h.brain, h.disp, cfg)
	return h
}

// start runs the orchestrator in the background. The returned func cancels
// it and returns Run's error.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()
	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("orchestrator did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) enqueue(t *testing.T, kind types.EventKind, p types.Priority, payload any) {
	t.Helper()
	require.True(t, h.q.TryEnqueue(types.NewEvent(kind, p, "test", payload)))
}

func TestRun_InitializationFailure(t *testing.T) {
	closer := &fakeCloser{}
	h := newHarness(t, func(c *Config) {
		c.Required = []Required{
			{Name: "llm", Connector: ConnectorFunc(func(context.Context) error { return nil })},
			{Name: "avatar", Connector: ConnectorFunc(func(context.Context) error { return errors.New("connection refused") })},
		}
		c.Closers = []io.Closer{closer}
	})

	err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
	assert.ErrorContains(t, err, "avatar")
	assert.Equal(t, types.StateError, h.st.SystemState())
	assert.Equal(t, int32(1), closer.closed.Load())
	assert.Zero(t, h.disp.count())
}

func TestRun_GreetsAndSaysFarewell(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Quiet = false })
	stop := h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, stop())

	actions := h.disp.all()
	require.Len(t, actions, 3)
	assert.Equal(t, types.ActionSpeak, actions[0].Kind)
	assert.Equal(t, "Hi everyone! CUDA-chan is here! CUDA-chan is online and ready to play!", actions[0].Content)
	assert.Equal(t, types.Action{Kind: types.ActionSetEmotion, Content: "happy", Confidence: 1}, actions[1])
	assert.Equal(t, types.ActionSpeak, actions[2].Kind)
	assert.Contains(t, actions[2].Content, "See you next time!")
	assert.Equal(t, types.StateShuttingDown, h.st.SystemState())
}

func TestOperatorSpeech_RespondsInRespondingState(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "what should I do?"})
	h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, speak("sure: what should I do?"), h.disp.all()[0])
	assert.Equal(t, types.StateResponding, h.brain.stateDuring("operator"))
	require.Eventually(t, func() bool { return h.st.SystemState() == types.StateIdle }, time.Second, time.Millisecond)
}

func TestOperatorSpeech_IgnoresBlank(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "   "})
	h.start(t)

	require.Eventually(t, func() bool { return h.o.Status().Handled == 1 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, h.brain.count("operator"))
}

func chatMessage(author, text string, mention, spam bool) types.ParsedMessage {
	return types.ParsedMessage{
		ChatMessage: types.ChatMessage{Author: author, Text: text},
		MentionsBot: mention,
		IsSpam:      spam,
		Priority:    types.PriorityMedium,
	}
}

func TestChat_FiltersSpamAndIrrelevant(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, types.EventChatMessage, types.PriorityMedium, chatMessage("bot", "hey cuda buy followers", true, true))
	h.enqueue(t, types.EventChatMessage, types.PriorityMedium, chatMessage("ann", "lol", false, false))
	h.enqueue(t, types.EventChatMessage, types.PriorityMedium, chatMessage("ben", "hey cuda!", true, false))
	h.start(t)

	require.Eventually(t, func() bool { return h.o.Status().Handled == 3 && h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.brain.count("chat"))
	assert.Equal(t, types.StateChatting, h.brain.stateDuring("chat"))
	assert.Equal(t, "hi ben", h.disp.all()[0].Content)

	full := h.st.Full()
	assert.Len(t, full.RecentChat, 3)
	assert.Equal(t, 3, full.ActiveUserCount)
	assert.NotNil(t, full.LastReply)
}

func TestChat_OwnerAnsweredWithoutMention(t *testing.T) {
	h := newHarness(t, nil)
	owner := chatMessage("streamer", "what's next?", false, false)
	owner.IsOwner = true
	owner.Priority = types.PriorityCritical
	h.enqueue(t, types.EventChatMessage, types.PriorityCritical, owner)
	h.enqueue(t, types.EventChatMessage, types.PriorityMedium, chatMessage("ann", "what's next?", false, false))
	h.start(t)

	require.Eventually(t, func() bool { return h.o.Status().Handled == 2 && h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.brain.count("chat"))
	assert.Equal(t, "hi streamer", h.disp.all()[0].Content)
}

func TestChat_DeferredWhileBusyButOperatorIsNot(t *testing.T) {
	h := newHarness(t, nil)
	h.st.SetSpeaking(true)
	h.enqueue(t, types.EventChatMessage, types.PriorityMedium, chatMessage("ann", "hey cuda", true, false))
	h.enqueue(t, types.EventAutonomousTick, types.PriorityLow, nil)
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "you there?"})
	h.start(t)

	require.Eventually(t, func() bool { return h.o.Status().Handled == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, h.brain.count("operator"))
	assert.Zero(t, h.brain.count("chat"))
	assert.Zero(t, h.brain.count("decide"))
}

func TestAutonomousTick_Decides(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, types.EventAutonomousTick, types.PriorityLow, nil)
	h.start(t)

	require.Eventually(t, func() bool { return h.brain.count("decide") == 1 }, 2*time.Second, time.Millisecond)
}

func TestGameState_SessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.enqueue(t, types.EventGameStateChange, types.PriorityMedium,
		types.GameStateChange{Started: true, GameName: "Celeste", Goal: "Reach the summit"})
	require.Eventually(t, func() bool { return h.brain.count("game") == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.st.SystemState() == types.StateGaming }, time.Second, time.Millisecond)
	assert.True(t, h.st.ActiveGame())

	h.enqueue(t, types.EventGameStateChange, types.PriorityMedium,
		types.GameStateChange{Ended: true, Outcome: "summit reached"})
	require.Eventually(t, func() bool { return h.brain.count("game") == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.st.SystemState() == types.StateIdle }, time.Second, time.Millisecond)

	assert.False(t, h.st.ActiveGame())
	assert.Equal(t, []string{"summit reached"}, h.st.Full().Game.Outcomes)

	h.brain.mu.Lock()
	defer h.brain.mu.Unlock()
	assert.Equal(t, []string{
		"Started playing Celeste (goal: Reach the summit)",
		"Outcome: summit reached. The game session ended",
	}, h.brain.gameDescs)
}

func TestIdle_TriggeredByRoll(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.IdleProbability = 0.15
		c.Rand = func() float64 { return 0.1 }
	})
	h.start(t)
	require.Eventually(t, func() bool { return h.brain.count("idle") >= 2 }, 2*time.Second, time.Millisecond)
}

func TestIdle_NotTriggeredAboveProbability(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.IdleProbability = 0.15
		c.Rand = func() float64 { return 0.5 }
	})
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "hi"})
	h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.brain.count("idle"))
}

func TestTick_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.brain.operator = func(_ context.Context, text string) (types.Action, error) {
		if calls.Add(1) == 1 {
			panic("backend exploded")
		}
		return speak(text), nil
	}
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "first"})
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "second"})
	h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "second", h.disp.all()[0].Content)
	assert.Equal(t, uint64(1), h.o.Status().Panics)
	require.Eventually(t, func() bool { return h.st.SystemState() == types.StateIdle }, time.Second, time.Millisecond)
}

func TestDecision_TimeoutIsSoft(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DecisionTimeout = 20 * time.Millisecond })
	var calls atomic.Int32
	h.brain.operator = func(ctx context.Context, text string) (types.Action, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return types.Action{}, ctx.Err()
		}
		return speak(text), nil
	}
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "slow"})
	h.enqueue(t, types.EventOperatorSpeech, types.PriorityCritical, types.OperatorSpeech{Text: "fast"})
	h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "fast", h.disp.all()[0].Content)
}

func TestStop_ShutsDownProducersAndQueue(t *testing.T) {
	var producerStopped atomic.Bool
	closer := &fakeCloser{}
	h := newHarness(t, func(c *Config) {
		c.Producers = []Producer{NewProducer("waiter", func(ctx context.Context, _ queue.Enqueuer) error {
			<-ctx.Done()
			producerStopped.Store(true)
			return nil
		})}
		c.Closers = []io.Closer{closer}
	})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	require.Eventually(t, func() bool { return h.st.SystemState() == types.StateIdle }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.o.Stop(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.True(t, producerStopped.Load())
	assert.Equal(t, int32(1), closer.closed.Load())
	assert.False(t, h.q.TryEnqueue(types.NewEvent(types.EventAutonomousTick, types.PriorityLow, "late", nil)))
	assert.Equal(t, types.StateShuttingDown, h.st.SystemState())

	// Idempotent.
	require.NoError(t, h.o.Shutdown(ctx))
	assert.Equal(t, int32(1), closer.closed.Load())
}

func TestProducers_FailureIsIgnored(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Producers = []Producer{
			NewProducer("broken", func(context.Context, queue.Enqueuer) error {
				return errors.New("no microphone")
			}),
			NewProducer("voice", func(ctx context.Context, q queue.Enqueuer) error {
				return q.Enqueue(ctx, types.NewEvent(types.EventOperatorSpeech, types.PriorityCritical, "voice",
					types.OperatorSpeech{Text: "still here?"}))
			}),
		}
	})
	h.start(t)

	require.Eventually(t, func() bool { return h.disp.count() == 1 }, 2*time.Second, time.Millisecond)
}

func TestHousekeeping_ReloadPersonality(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.LoadPersonality = func(path string) (config.Personality, error) {
			if path == "broken.yaml" {
				return config.Personality{}, errors.New("yaml: line 3")
			}
			return config.Personality{Name: "Nova"}, nil
		}
	})
	h.enqueue(t, types.EventHousekeeping, types.PriorityBackground,
		types.Housekeeping{Task: types.TaskReloadPersonality, Path: "broken.yaml"})
	h.enqueue(t, types.EventHousekeeping, types.PriorityBackground,
		types.Housekeeping{Task: types.TaskReloadPersonality, Path: "nova.yaml"})
	h.enqueue(t, types.EventHousekeeping, types.PriorityBackground, types.Housekeeping{Task: types.TaskStats})
	h.start(t)

	require.Eventually(t, func() bool { return h.o.Status().Handled == 3 }, 2*time.Second, time.Millisecond)
	h.brain.mu.Lock()
	assert.Equal(t, "Nova", h.brain.personality.Name)
	h.brain.mu.Unlock()
	assert.Equal(t, "Nova", h.o.currentPersonality().Name)
}

func TestStatusAndBroadcast(t *testing.T) {
	bc := &fakeBroadcaster{}
	h := newHarness(t, func(c *Config) {
		c.Broadcaster = bc
		c.Stats = map[string]StatsFunc{"decisions": func() any { return 7 }}
	})
	h.start(t)

	require.Eventually(t, func() bool {
		s := bc.states()
		return len(s) > 0 && s[0] == types.StateIdle
	}, 2*time.Second, time.Millisecond)

	st := h.o.Status()
	assert.Equal(t, types.StateIdle, st.State.SystemState)
	assert.Equal(t, 100, st.Queue.Capacity)
	assert.Equal(t, 7, st.Components["decisions"])
}

func TestStatsTicker(t *testing.T) {
	q := queue.New(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewStatsTicker(5*time.Millisecond).Run(ctx, q) }()

	require.Eventually(t, func() bool { return q.Len() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ev, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, types.EventHousekeeping, ev.Kind)
	assert.Equal(t, types.PriorityBackground, ev.Priority)
	assert.Equal(t, types.Housekeeping{Task: types.TaskStats}, ev.Payload)
}

func TestDescribeGameEvent(t *testing.T) {
	tests := []struct {
		name string
		in   types.GameStateChange
		want string
	}{
		{"description wins", types.GameStateChange{Description: " boss fight ", Outcome: "x"}, "boss fight"},
		{"start without goal", types.GameStateChange{Started: true, GameName: "Tetris"}, "Started playing Tetris"},
		{"achievement", types.GameStateChange{Achievement: "No deaths"}, "Achievement unlocked: No deaths"},
		{"goal only", types.GameStateChange{Goal: "collect strawberries"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeGameEvent(tt.in))
		})
	}
}
