// Package orchestrator owns the tick loop: it drains the event queue one
// event at a time, asks the decision engine for an action, hands the action
// to the dispatcher and drives startup and shutdown around the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/decision"
	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInitialization is returned by Run when a required collaborator cannot
// be reached. The tick loop never starts.
var ErrInitialization = errors.New("orchestrator: initialization failed")

// Defaults.
const (
	DefaultTickInterval    = time.Second
	DefaultIdleProbability = 0.15
	DefaultDecisionTimeout = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStatsInterval   = time.Minute
)

// Brain decides the next action for each kind of stimulus.
type Brain interface {
	Decide(ctx context.Context, snap state.Snapshot) (types.Action, error)
	RespondToChat(ctx context.Context, msg types.ParsedMessage, snap state.Snapshot) (types.Action, error)
	RespondToOperator(ctx context.Context, text string, snap state.Snapshot) (types.Action, error)
	Idle(ctx context.Context, snap state.Snapshot) (types.Action, error)
	ReactToGameEvent(ctx context.Context, description string, snap state.Snapshot) (types.Action, error)
	SetPersonality(p config.Personality)
}

// Dispatcher executes a decided action.
type Dispatcher interface {
	Dispatch(ctx context.Context, a types.Action) error
}

// ChatFilter decides whether a parsed chat message deserves a response.
type ChatFilter interface {
	ShouldRespond(pm types.ParsedMessage) bool
}

// Connector is a collaborator that must be reachable before the loop starts.
type Connector interface {
	Connect(ctx context.Context) error
}

// ConnectorFunc adapts a probe such as a health check to Connector.
type ConnectorFunc func(ctx context.Context) error

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) error { return f(ctx) }

// Required names a Connector for logs and errors.
type Required struct {
	Name      string
	Connector Connector
}

// Broadcaster publishes state transitions to observers.
type Broadcaster interface {
	Broadcast(v any)
}

// StatsFunc reports a component's counters for housekeeping and status.
type StatsFunc func() any

// Config wires the orchestrator.
type Config struct {
	TickInterval    time.Duration // default: 1s
	IdleProbability float64       // default: 0.15; negative disables idle chatter
	DecisionTimeout time.Duration // default: 30s
	ShutdownTimeout time.Duration // default: 10s
	StatsInterval   time.Duration // default: 1m; negative disables

	// Quiet skips the greeting and farewell.
	Quiet       bool
	Personality config.Personality
	// LoadPersonality reads a personality file on reload; default
	// config.LoadPersonality.
	LoadPersonality func(path string) (config.Personality, error)

	Required    []Required
	Producers   []Producer
	Closers     []io.Closer // closed in order at shutdown
	ChatFilter  ChatFilter
	Broadcaster Broadcaster
	Stats       map[string]StatsFunc

	// Rand returns a float in [0,1) for the idle roll; default math/rand.
	Rand   func() float64
	Logger *zap.Logger
}

// Orchestrator runs the single-consumer decision loop.
type Orchestrator struct {
	cfg        Config
	queue      *queue.Queue
	state      *state.Manager
	brain      Brain
	dispatcher Dispatcher
	logger     *zap.Logger

	personality atomic.Pointer[config.Personality]
	handled     atomic.Uint64
	panics      atomic.Uint64

	mu              sync.Mutex
	cancelProducers context.CancelFunc
	producers       *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
	releaseOnce  sync.Once
	releaseErr   error
}

// New creates an Orchestrator. It takes ownership of q and st: q is drained
// and closed at shutdown.
func New(q *queue.Queue, st *state.Manager, brain Brain, d Dispatcher, cfg Config) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.IdleProbability == 0 {
		cfg.IdleProbability = DefaultIdleProbability
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = DefaultDecisionTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.LoadPersonality == nil {
		cfg.LoadPersonality = config.LoadPersonality
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Personality.Name == "" {
		cfg.Personality = config.DefaultPersonality()
	}

	o := &Orchestrator{
		cfg:        cfg,
		queue:      q,
		state:      st,
		brain:      brain,
		dispatcher: d,
		logger:     cfg.Logger.Named("orchestrator"),
	}
	p := cfg.Personality
	o.personality.Store(&p)

	if cfg.Broadcaster != nil {
		st.OnTransition(func(t state.Transition) {
			cfg.Broadcaster.Broadcast(StateReport{Type: "state", From: t.From, To: t.To, At: t.At})
		})
	}
	return o
}

// StateReport describes a system state transition for observers.
type StateReport struct {
	Type string            `json:"type"`
	From types.SystemState `json:"from"`
	To   types.SystemState `json:"to"`
	At   time.Time         `json:"at"`
}

// Queue returns the enqueue capability for producers wired outside the
// orchestrator.
func (o *Orchestrator) Queue() queue.Enqueuer { return o.queue }

// Run connects the required collaborators, starts the producers, greets and
// runs the tick loop until a shutdown event arrives or ctx ends. It always
// shuts down before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("starting")

	for _, r := range o.cfg.Required {
		o.logger.Info("connecting", zap.String("collaborator", r.Name))
		if err := r.Connector.Connect(ctx); err != nil {
			o.logger.Error("required collaborator unavailable", zap.String("collaborator", r.Name), zap.Error(err))
			o.state.TransitionSystemState(types.StateError)
			_ = o.release()
			return fmt.Errorf("%w: %s: %v", ErrInitialization, r.Name, err)
		}
	}

	o.startProducers(ctx)
	o.state.TransitionSystemState(types.StateIdle)
	o.logger.Info("all subsystems initialized",
		zap.Int("producers", len(o.cfg.Producers)),
		zap.Duration("tick", o.cfg.TickInterval))

	if !o.cfg.Quiet {
		o.greet(ctx)
	}

	o.loop(ctx)
	return o.Shutdown(context.WithoutCancel(ctx))
}

func (o *Orchestrator) startProducers(ctx context.Context) {
	pctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(pctx)

	producers := o.cfg.Producers
	if o.cfg.StatsInterval > 0 {
		producers = append(producers[:len(producers):len(producers)], NewStatsTicker(o.cfg.StatsInterval))
	}
	for _, p := range producers {
		g.Go(func() error {
			o.logger.Debug("producer started", zap.String("producer", p.Name()))
			err := p.Run(gctx, o.queue)
			switch {
			case err != nil && gctx.Err() == nil:
				o.logger.Warn("producer stopped with error, continuing without it",
					zap.String("producer", p.Name()), zap.Error(err))
			default:
				o.logger.Debug("producer stopped", zap.String("producer", p.Name()))
			}
			// Producers are optional; one failing never cancels the others.
			return nil
		})
	}

	o.mu.Lock()
	o.cancelProducers = cancel
	o.producers = g
	o.mu.Unlock()
}

func (o *Orchestrator) loop(ctx context.Context) {
	timer := time.NewTimer(o.cfg.TickInterval)
	defer timer.Stop()

	for {
		if o.tick(ctx) {
			o.logger.Info("shutdown event received")
			return
		}
		timer.Reset(o.cfg.TickInterval)
		select {
		case <-ctx.Done():
			o.logger.Info("context cancelled, stopping loop")
			return
		case <-timer.C:
		}
	}
}

// tick handles at most one event, or rolls for idle chatter when the queue
// is empty. A panic is logged and swallowed.
func (o *Orchestrator) tick(ctx context.Context) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			o.panics.Add(1)
			o.logger.Error("tick panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			stop = false
		}
	}()

	if ev, ok := o.queue.TryDequeue(); ok {
		o.handled.Add(1)
		return o.handle(ctx, ev)
	}

	if o.state.SystemState() == types.StateIdle && o.cfg.Rand() < o.cfg.IdleProbability {
		o.logger.Debug("idle behavior triggered")
		o.decide(ctx, "idle", func(ctx context.Context) (types.Action, error) {
			return o.brain.Idle(ctx, o.state.SnapshotForDecision())
		})
	}
	return false
}

// Stop asks the loop to finish by enqueueing a CRITICAL shutdown event. It
// waits for queue space until ctx ends.
func (o *Orchestrator) Stop(ctx context.Context) error {
	ev := types.NewEvent(types.EventShutdown, types.PriorityCritical, "orchestrator", nil)
	if err := o.queue.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("orchestrator: stop: %w", err)
	}
	return nil
}

// Shutdown says farewell, cancels and awaits the producers, drains and
// closes the queue and closes every collaborator. It runs once; later calls
// return the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
		defer cancel()

		o.logger.Info("shutting down")
		o.state.TransitionSystemState(types.StateShuttingDown)

		if !o.cfg.Quiet {
			o.farewell(ctx)
		}
		o.shutdownErr = o.release()
		o.logger.Info("shutdown complete", zap.Uint64("events_handled", o.handled.Load()))
	})
	return o.shutdownErr
}

// release stops producers, empties the queue and closes collaborators. It
// runs once.
func (o *Orchestrator) release() error {
	o.releaseOnce.Do(func() { o.releaseErr = o.releaseOnceLocked() })
	return o.releaseErr
}

func (o *Orchestrator) releaseOnceLocked() error {
	o.mu.Lock()
	cancel, g := o.cancelProducers, o.producers
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		_ = g.Wait()
	}

	if n := o.queue.Drain(); n > 0 {
		o.logger.Info("discarded pending events", zap.Int("count", n))
	}
	o.queue.Close()

	var errs []error
	for _, c := range o.cfg.Closers {
		if err := c.Close(); err != nil {
			o.logger.Warn("failed to close collaborator", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) greet(ctx context.Context) {
	p := o.currentPersonality()
	greeting := p.Catchphrase("greeting", "Hello everyone!")
	o.dispatch(ctx, types.Action{
		Kind:       types.ActionSpeak,
		Content:    fmt.Sprintf("%s %s is online and ready to play!", greeting, p.Name),
		Confidence: 1,
	})
	o.dispatch(ctx, types.Action{Kind: types.ActionSetEmotion, Content: string(types.EmotionHappy), Confidence: 1})
}

func (o *Orchestrator) farewell(ctx context.Context) {
	farewell := o.currentPersonality().Catchphrase("farewell", "Goodbye!")
	o.dispatch(ctx, types.Action{
		Kind:       types.ActionSpeak,
		Content:    farewell + " See you next time!",
		Confidence: 1,
	})
}

func (o *Orchestrator) currentPersonality() config.Personality {
	return *o.personality.Load()
}

// decide runs one bounded decision and dispatches the result. Every failure
// is soft: it is logged and the tick moves on.
func (o *Orchestrator) decide(ctx context.Context, kind string, ask func(ctx context.Context) (types.Action, error)) bool {
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DecisionTimeout)
	action, err := ask(dctx)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			o.logger.Warn("decision timed out", zap.String("decision", kind), zap.Duration("timeout", o.cfg.DecisionTimeout))
		case errors.Is(err, decision.ErrInvalidAction), errors.Is(err, decision.ErrNoAction):
			o.logger.Warn("decision rejected", zap.String("decision", kind), zap.Error(err))
		case ctx.Err() != nil:
			o.logger.Debug("decision abandoned", zap.String("decision", kind))
		default:
			o.logger.Warn("decision failed", zap.String("decision", kind), zap.Error(err))
		}
		return false
	}
	return o.dispatch(ctx, action)
}

func (o *Orchestrator) dispatch(ctx context.Context, a types.Action) bool {
	if err := o.dispatcher.Dispatch(ctx, a); err != nil {
		o.logger.Warn("action not completed",
			zap.String("kind", string(a.Kind)),
			zap.String("content", a.Preview(50)),
			zap.Error(err))
		return false
	}
	return true
}

// Status is the document served by the status endpoint.
type Status struct {
	State      state.FullState `json:"state"`
	Queue      queue.Stats     `json:"queue"`
	Handled    uint64          `json:"events_handled"`
	Panics     uint64          `json:"tick_panics"`
	Components map[string]any  `json:"components,omitempty"`
}

// Status returns a point-in-time view of the runtime.
func (o *Orchestrator) Status() Status {
	st := Status{
		State:   o.state.Full(),
		Queue:   o.queue.Stats(),
		Handled: o.handled.Load(),
		Panics:  o.panics.Load(),
	}
	if len(o.cfg.Stats) > 0 {
		st.Components = make(map[string]any, len(o.cfg.Stats))
		for name, fn := range o.cfg.Stats {
			st.Components[name] = fn()
		}
	}
	return st
}
