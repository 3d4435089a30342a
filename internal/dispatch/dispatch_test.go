package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/sidekick/internal/input"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSpeaker struct {
	speakErr    error
	playbackErr error
	panicOn     string
	// whileSpeaking observes state during playback.
	whileSpeaking func()
	texts         []string
}

func (f *fakeSpeaker) Speak(_ context.Context, text string) (<-chan error, error) {
	if text == f.panicOn {
		panic("speaker exploded")
	}
	if f.speakErr != nil {
		return nil, f.speakErr
	}
	f.texts = append(f.texts, text)
	if f.whileSpeaking != nil {
		f.whileSpeaking()
	}
	done := make(chan error, 1)
	done <- f.playbackErr
	close(done)
	return done, nil
}

func (f *fakeSpeaker) EstimateDuration(string) time.Duration { return 3 * time.Second }

type fakeRenderer struct {
	mu         sync.Mutex
	emotions   []types.Emotion
	animations []time.Duration
	intensity  float64
	err        error
}

func (f *fakeRenderer) SetEmotion(_ context.Context, e types.Emotion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.emotions = append(f.emotions, e)
	return nil
}

func (f *fakeRenderer) AnimateSpeaking(ctx context.Context, d time.Duration, intensity float64) error {
	f.mu.Lock()
	f.animations = append(f.animations, d)
	f.intensity = intensity
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

type fakeRecorder struct {
	outcomes []string
}

func (f *fakeRecorder) RecordAction(_ context.Context, kind types.ActionKind, content, outcome string) error {
	f.outcomes = append(f.outcomes, string(kind)+":"+content+":"+outcome)
	return nil
}

type fakeBroadcaster struct {
	reports []Report
}

func (f *fakeBroadcaster) Broadcast(v any) {
	f.reports = append(f.reports, v.(Report))
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, input.Command) error {
	return errors.New("xdotool: not found")
}

func speak(text string) types.Action {
	return types.Action{Kind: types.ActionSpeak, Content: text, Confidence: 1}
}

func lastAction(t *testing.T, st *state.Manager) state.ActionEntry {
	t.Helper()
	actions := st.Full().RecentActions
	require.NotEmpty(t, actions)
	return actions[len(actions)-1]
}

func TestDispatch_Speak(t *testing.T) {
	st := state.New(nil)
	st.TransitionSystemState(types.StateIdle)

	var speakingDuring, busyDuring bool
	sp := &fakeSpeaker{}
	sp.whileSpeaking = func() {
		speakingDuring = st.IsSpeaking()
		busyDuring = st.IsBusy()
	}
	r := &fakeRenderer{}
	rec := &fakeRecorder{}
	bc := &fakeBroadcaster{}
	d := New(st, Config{Speaker: sp, Renderer: r, Recorder: rec, Broadcaster: bc})

	require.NoError(t, d.Dispatch(context.Background(), speak("hello chat!")))

	assert.True(t, speakingDuring)
	assert.True(t, busyDuring)
	assert.False(t, st.IsSpeaking())
	assert.False(t, st.IsBusy())
	assert.Equal(t, []string{"hello chat!"}, sp.texts)
	assert.Equal(t, []time.Duration{3 * time.Second}, r.animations)
	assert.InDelta(t, DefaultSpeakingIntensity, r.intensity, 1e-9)

	entry := lastAction(t, st)
	assert.Equal(t, types.ActionSpeak, entry.Kind)
	assert.Equal(t, state.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, []string{"speak:hello chat!:success"}, rec.outcomes)
	require.Len(t, bc.reports, 1)
	assert.Equal(t, "action", bc.reports[0].Type)
	assert.Equal(t, Stats{Dispatched: 1}, d.Stats())
}

func TestDispatch_SpeakFailuresReleaseBusyFlag(t *testing.T) {
	st := state.New(nil)
	st.TransitionSystemState(types.StateIdle)

	d := New(st, Config{Speaker: &fakeSpeaker{speakErr: errors.New("quota")}})
	err := d.Dispatch(context.Background(), speak("hi"))
	assert.ErrorContains(t, err, "quota")
	assert.False(t, st.IsSpeaking())
	assert.Equal(t, state.OutcomeFailed, lastAction(t, st).Outcome)

	d = New(st, Config{Speaker: &fakeSpeaker{playbackErr: errors.New("no audio device")}, Renderer: &fakeRenderer{}})
	err = d.Dispatch(context.Background(), speak("hi"))
	assert.ErrorContains(t, err, "no audio device")
	assert.False(t, st.IsSpeaking())

	d = New(st, Config{Speaker: &fakeSpeaker{panicOn: "boom"}})
	assert.Panics(t, func() { _ = d.Dispatch(context.Background(), speak("boom")) })
	assert.False(t, st.IsSpeaking())
}

func TestDispatch_SpeakWithoutSpeaker(t *testing.T) {
	st := state.New(nil)
	d := New(st, Config{})
	assert.ErrorIs(t, d.Dispatch(context.Background(), speak("hi")), ErrNoSpeaker)
	assert.Equal(t, state.OutcomeDropped, lastAction(t, st).Outcome)
	assert.Equal(t, Stats{Dropped: 1}, d.Stats())
}

func TestDispatch_SetEmotion(t *testing.T) {
	st := state.New(nil)
	r := &fakeRenderer{}
	d := New(st, Config{Renderer: r})

	require.NoError(t, d.Dispatch(context.Background(), types.Action{Kind: types.ActionSetEmotion, Content: "Excited"}))
	assert.Equal(t, types.EmotionExcited, st.Emotion())

	require.NoError(t, d.Dispatch(context.Background(), types.Action{Kind: types.ActionSetEmotion, Content: "ecstatic"}))
	assert.Equal(t, types.EmotionNeutral, st.Emotion())
	assert.Equal(t, []types.Emotion{types.EmotionExcited, types.EmotionNeutral}, r.emotions)
	assert.Equal(t, "neutral", lastAction(t, st).Detail)
}

func TestDispatch_SetEmotionRenderFailureIsSoft(t *testing.T) {
	st := state.New(nil)
	d := New(st, Config{Renderer: &fakeRenderer{err: errors.New("link down")}})

	err := d.Dispatch(context.Background(), types.Action{Kind: types.ActionSetEmotion, Content: "sad"})
	assert.ErrorContains(t, err, "link down")
	assert.Equal(t, types.EmotionSad, st.Emotion())
	assert.Equal(t, state.OutcomeFailed, lastAction(t, st).Outcome)
}

func TestDispatch_ControlInput(t *testing.T) {
	st := state.New(nil)
	exec := input.NewDryRunExecutor(nil)
	d := New(st, Config{Executor: exec, MaxInputsPerSecond: 2})
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "Press  Space"}))
	require.NoError(t, d.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "click"}))
	assert.ErrorIs(t, d.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "press w"}), ErrRateLimited)
	assert.Len(t, exec.Executed(), 2)
	assert.Equal(t, state.OutcomeDropped, lastAction(t, st).Outcome)
}

func TestDispatch_ControlInputRejected(t *testing.T) {
	st := state.New(nil)
	exec := input.NewDryRunExecutor(nil)
	d := New(st, Config{Executor: exec})
	ctx := context.Background()

	assert.ErrorIs(t, d.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: " ALT+F4 "}), input.ErrForbidden)
	assert.ErrorIs(t, d.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "do a barrel roll"}), input.ErrUnsupported)
	assert.Empty(t, exec.Executed())

	disabled := New(st, Config{})
	assert.ErrorIs(t, disabled.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "press w"}), ErrInputDisabled)

	failing := New(st, Config{Executor: failingExecutor{}})
	err := failing.Dispatch(ctx, types.Action{Kind: types.ActionControlInput, Content: "press w"})
	assert.ErrorContains(t, err, "not found")
	assert.Equal(t, state.OutcomeFailed, lastAction(t, st).Outcome)
}

func TestDispatch_ThinkAndUnknown(t *testing.T) {
	st := state.New(nil)
	rec := &fakeRecorder{}
	d := New(st, Config{Recorder: rec})

	require.NoError(t, d.Dispatch(context.Background(), types.Action{Kind: types.ActionThink, Content: "chat seems quiet"}))
	assert.Equal(t, []string{"chat seems quiet"}, st.Full().Thoughts)
	assert.Empty(t, st.Full().RecentActions)
	assert.Equal(t, []string{"think:chat seems quiet:success"}, rec.outcomes)

	assert.ErrorIs(t, d.Dispatch(context.Background(), types.Action{Kind: types.ActionUnknown}), ErrNotDispatchable)
}
