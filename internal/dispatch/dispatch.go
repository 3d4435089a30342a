// Package dispatch routes decided actions to the effectors: speech, the
// avatar renderer and the control-input executor. Effector failures are soft:
// they are logged, recorded as the action's outcome and returned for the
// caller to log, never escalated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/sidekick/internal/input"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotDispatchable is returned for Unknown actions.
	ErrNotDispatchable = errors.New("dispatch: action is not dispatchable")
	// ErrRateLimited is returned when a control input exceeds the
	// per-second cap. The input is dropped.
	ErrRateLimited = errors.New("dispatch: control input rate limit exceeded")
	// ErrInputDisabled is returned for control inputs when no executor is
	// configured.
	ErrInputDisabled = errors.New("dispatch: control input disabled")
	// ErrNoSpeaker is returned for speech when no speaker is configured.
	ErrNoSpeaker = errors.New("dispatch: no speaker configured")
)

// DefaultSpeakingIntensity drives the mouth animation while speaking.
const DefaultSpeakingIntensity = 0.8

// Speaker synthesizes and plays a line. The returned channel reports
// playback completion.
type Speaker interface {
	Speak(ctx context.Context, text string) (<-chan error, error)
	EstimateDuration(text string) time.Duration
}

// Renderer shows emotions and speaking animation on the avatar.
type Renderer interface {
	SetEmotion(ctx context.Context, emotion types.Emotion) error
	AnimateSpeaking(ctx context.Context, d time.Duration, intensity float64) error
}

// Recorder persists dispatched actions.
type Recorder interface {
	RecordAction(ctx context.Context, kind types.ActionKind, content, outcome string) error
}

// Broadcaster publishes dispatch reports to observers.
type Broadcaster interface {
	Broadcast(v any)
}

// Report describes one dispatched action for observers.
type Report struct {
	Type       string           `json:"type"`
	Kind       types.ActionKind `json:"kind"`
	Content    string           `json:"content"`
	Outcome    string           `json:"outcome"`
	Confidence float64          `json:"confidence"`
	At         time.Time        `json:"at"`
}

// Config wires the effectors. Any of them may be nil: speech and control
// input are then dropped, emotions only update state.
type Config struct {
	Speaker            Speaker
	Renderer           Renderer
	Executor           input.Executor
	Recorder           Recorder
	Broadcaster        Broadcaster
	MaxInputsPerSecond int     // default: 10
	SpeakingIntensity  float64 // default: 0.8
	Logger             *zap.Logger
}

// Stats counts dispatch outcomes.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

// Dispatcher executes actions. It is driven by a single consumer.
type Dispatcher struct {
	state       *state.Manager
	speaker     Speaker
	renderer    Renderer
	executor    input.Executor
	recorder    Recorder
	broadcaster Broadcaster
	limiter     *rate.Limiter
	intensity   float64
	logger      *zap.Logger

	dispatched atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a Dispatcher that records into st.
func New(st *state.Manager, cfg Config) *Dispatcher {
	if cfg.MaxInputsPerSecond <= 0 {
		cfg.MaxInputsPerSecond = 10
	}
	if cfg.SpeakingIntensity <= 0 {
		cfg.SpeakingIntensity = DefaultSpeakingIntensity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		state:       st,
		speaker:     cfg.Speaker,
		renderer:    cfg.Renderer,
		executor:    cfg.Executor,
		recorder:    cfg.Recorder,
		broadcaster: cfg.Broadcaster,
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxInputsPerSecond), cfg.MaxInputsPerSecond),
		intensity:   cfg.SpeakingIntensity,
		logger:      cfg.Logger.Named("dispatch"),
	}
}

// Dispatch executes a. Speech blocks until playback completes or ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, a types.Action) error {
	if !a.Dispatchable() {
		d.dropped.Add(1)
		d.logger.Warn("refusing to dispatch action", zap.String("kind", string(a.Kind)))
		return ErrNotDispatchable
	}

	d.logger.Info("dispatching action",
		zap.String("kind", string(a.Kind)),
		zap.String("content", a.Preview(50)),
		zap.Float64("confidence", a.Confidence))

	switch a.Kind {
	case types.ActionSpeak:
		return d.speak(ctx, a)
	case types.ActionSetEmotion:
		return d.setEmotion(ctx, a)
	case types.ActionControlInput:
		return d.controlInput(ctx, a)
	case types.ActionThink:
		d.state.RecordThought(a.Content)
		d.logger.Debug("thought", zap.String("content", a.Preview(100)))
		d.finish(ctx, a, state.OutcomeSuccess, false)
		return nil
	}
	return ErrNotDispatchable
}

func (d *Dispatcher) speak(ctx context.Context, a types.Action) error {
	if d.speaker == nil {
		d.finish(ctx, a, state.OutcomeDropped, true)
		return ErrNoSpeaker
	}

	d.state.SetSpeaking(true)
	defer d.state.SetSpeaking(false)

	duration := d.speaker.EstimateDuration(a.Content)
	done, err := d.speaker.Speak(ctx, a.Content)
	if err != nil {
		d.logger.Error("speech failed", zap.Error(err))
		d.finish(ctx, a, state.OutcomeFailed, true)
		return fmt.Errorf("dispatch: speak: %w", err)
	}

	var wg sync.WaitGroup
	animCtx, cancel := context.WithCancel(ctx)
	if d.renderer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.renderer.AnimateSpeaking(animCtx, duration, d.intensity); err != nil {
				d.logger.Warn("speaking animation failed", zap.Error(err))
			}
		}()
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	wg.Wait()

	if err != nil {
		d.logger.Error("playback failed", zap.Error(err))
		d.finish(ctx, a, state.OutcomeFailed, true)
		return fmt.Errorf("dispatch: playback: %w", err)
	}
	d.finish(ctx, a, state.OutcomeSuccess, true)
	return nil
}

func (d *Dispatcher) setEmotion(ctx context.Context, a types.Action) error {
	emotion, ok := types.ParseEmotion(a.Content)
	if !ok {
		d.logger.Warn("unmapped emotion, using neutral", zap.String("emotion", a.Content))
		emotion = types.EmotionNeutral
	}
	a.Content = string(emotion)
	d.state.TransitionEmotion(emotion)

	if d.renderer != nil {
		if err := d.renderer.SetEmotion(ctx, emotion); err != nil {
			d.logger.Warn("failed to render emotion", zap.String("emotion", string(emotion)), zap.Error(err))
			d.finish(ctx, a, state.OutcomeFailed, true)
			return fmt.Errorf("dispatch: set emotion: %w", err)
		}
	}
	d.finish(ctx, a, state.OutcomeSuccess, true)
	return nil
}

func (d *Dispatcher) controlInput(ctx context.Context, a types.Action) error {
	if d.executor == nil {
		d.logger.Warn("control input disabled, dropping", zap.String("input", a.Content))
		d.finish(ctx, a, state.OutcomeDropped, true)
		return ErrInputDisabled
	}

	cmd, err := input.Validate(a.Content)
	if err != nil {
		d.logger.Warn("control input rejected", zap.String("input", a.Content), zap.Error(err))
		d.finish(ctx, a, state.OutcomeDropped, true)
		return fmt.Errorf("dispatch: %w", err)
	}
	if !d.limiter.Allow() {
		d.logger.Warn("control input rate limit exceeded, dropping", zap.Stringer("command", cmd))
		d.finish(ctx, a, state.OutcomeDropped, true)
		return ErrRateLimited
	}

	a.Content = cmd.String()
	if err := d.executor.Execute(ctx, cmd); err != nil {
		d.logger.Error("control input failed", zap.Stringer("command", cmd), zap.Error(err))
		d.finish(ctx, a, state.OutcomeFailed, true)
		return fmt.Errorf("dispatch: execute %s: %w", cmd, err)
	}
	d.finish(ctx, a, state.OutcomeSuccess, true)
	return nil
}

// finish records the outcome in state (when history is set), the journal
// and the broadcast stream.
func (d *Dispatcher) finish(ctx context.Context, a types.Action, outcome string, history bool) {
	switch outcome {
	case state.OutcomeSuccess:
		d.dispatched.Add(1)
	case state.OutcomeFailed:
		d.failed.Add(1)
	default:
		d.dropped.Add(1)
	}

	if history {
		d.state.RecordAction(a.Kind, a.Content, outcome)
	}
	if d.recorder != nil {
		if err := d.recorder.RecordAction(context.WithoutCancel(ctx), a.Kind, a.Content, outcome); err != nil {
			d.logger.Warn("failed to journal action", zap.Error(err))
		}
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(Report{
			Type:       "action",
			Kind:       a.Kind,
			Content:    a.Content,
			Outcome:    outcome,
			Confidence: a.Confidence,
			At:         time.Now(),
		})
	}
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
	}
}
