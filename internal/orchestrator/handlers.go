package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// handle routes one event. It reports true for a shutdown event.
func (o *Orchestrator) handle(ctx context.Context, ev types.Event) bool {
	o.logger.Debug("processing event",
		zap.String("kind", string(ev.Kind)),
		zap.String("priority", ev.Priority.String()),
		zap.String("source", ev.Source),
		zap.String("event_id", ev.ID))

	switch ev.Kind {
	case types.EventShutdown:
		return true
	case types.EventOperatorSpeech:
		if p, ok := ev.Payload.(types.OperatorSpeech); ok {
			o.handleOperatorSpeech(ctx, p)
			return false
		}
	case types.EventChatMessage:
		if p, ok := ev.Payload.(types.ParsedMessage); ok {
			o.handleChat(ctx, p)
			return false
		}
	case types.EventGameStateChange:
		if p, ok := ev.Payload.(types.GameStateChange); ok {
			o.handleGameState(ctx, p)
			return false
		}
	case types.EventAutonomousTick:
		o.handleAutonomous(ctx)
		return false
	case types.EventHousekeeping:
		if p, ok := ev.Payload.(types.Housekeeping); ok {
			o.handleHousekeeping(p)
			return false
		}
	default:
		o.logger.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
		return false
	}

	o.logger.Warn("event payload does not match kind",
		zap.String("kind", string(ev.Kind)),
		zap.String("payload", fmt.Sprintf("%T", ev.Payload)))
	return false
}

// handleOperatorSpeech always answers: it bypasses chat filtering and the
// busy check.
func (o *Orchestrator) handleOperatorSpeech(ctx context.Context, p types.OperatorSpeech) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}
	o.logger.Info("responding to operator", zap.String("text", types.Truncate(text, 50)))

	restore := o.enter(types.StateResponding)
	defer restore()

	o.decide(ctx, "operator", func(ctx context.Context) (types.Action, error) {
		return o.brain.RespondToOperator(ctx, text, o.state.SnapshotForDecision())
	})
}

func (o *Orchestrator) handleChat(ctx context.Context, pm types.ParsedMessage) {
	o.state.RecordChatMessage(pm.Author, pm.Text, pm.Priority)

	if pm.IsSpam {
		o.logger.Debug("skipping spam", zap.String("author", pm.Author))
		return
	}
	// The channel owner is always answered, mention or not.
	if !pm.IsOwner && o.cfg.ChatFilter != nil && !o.cfg.ChatFilter.ShouldRespond(pm) {
		return
	}
	if o.state.IsBusy() {
		o.logger.Debug("busy, deferring chat response", zap.String("author", pm.Author))
		return
	}

	o.logger.Info("responding to chat",
		zap.String("author", pm.Author),
		zap.String("text", types.Truncate(pm.Text, 50)))

	restore := o.enter(types.StateChatting)
	defer restore()

	if o.decide(ctx, "chat", func(ctx context.Context) (types.Action, error) {
		return o.brain.RespondToChat(ctx, pm, o.state.SnapshotForDecision())
	}) {
		o.state.MarkReplied()
	}
}

func (o *Orchestrator) handleGameState(ctx context.Context, g types.GameStateChange) {
	switch {
	case g.Started:
		o.state.StartGameSession(g.GameName, g.Goal)
	case g.Goal != "":
		o.state.SetGameGoal(g.Goal)
	}
	if g.Outcome != "" {
		o.state.RecordGameOutcome(g.Outcome)
	}
	if g.Achievement != "" {
		o.state.RecordAchievement(g.Achievement)
	}
	if g.Ended {
		o.state.EndGameSession()
	}

	desc := describeGameEvent(g)
	if desc == "" {
		return
	}
	if o.state.IsBusy() {
		o.logger.Debug("busy, skipping game reaction")
		return
	}
	o.decide(ctx, "game_event", func(ctx context.Context) (types.Action, error) {
		return o.brain.ReactToGameEvent(ctx, desc, o.state.SnapshotForDecision())
	})
}

func (o *Orchestrator) handleAutonomous(ctx context.Context) {
	if o.state.IsBusy() {
		o.logger.Debug("busy, deferring autonomous decision")
		return
	}
	o.decide(ctx, "autonomous", func(ctx context.Context) (types.Action, error) {
		return o.brain.Decide(ctx, o.state.SnapshotForDecision())
	})
}

func (o *Orchestrator) handleHousekeeping(h types.Housekeeping) {
	switch h.Task {
	case types.TaskStats:
		o.logStats()
	case types.TaskReloadPersonality:
		p, err := o.cfg.LoadPersonality(h.Path)
		if err != nil {
			o.logger.Warn("personality reload failed, keeping current", zap.String("path", h.Path), zap.Error(err))
			return
		}
		o.brain.SetPersonality(p)
		o.personality.Store(&p)
		o.logger.Info("personality reloaded", zap.String("name", p.Name))
	default:
		o.logger.Warn("unknown housekeeping task", zap.String("task", h.Task))
	}
}

func (o *Orchestrator) logStats() {
	qs := o.queue.Stats()
	fields := []zap.Field{
		zap.String("state", string(o.state.SystemState())),
		zap.Int("queue_size", qs.Size),
		zap.Uint64("queue_processed", qs.Processed),
		zap.Uint64("queue_dropped", qs.Dropped),
		zap.Uint64("events_handled", o.handled.Load()),
		zap.Duration("uptime", o.state.Uptime()),
	}
	for name, fn := range o.cfg.Stats {
		fields = append(fields, zap.Any(name, fn()))
	}
	o.logger.Info("stats", fields...)
}

// enter moves to a handling state and returns a func that moves back to
// GAMING or IDLE, unless something else changed the state meanwhile.
func (o *Orchestrator) enter(s types.SystemState) func() {
	o.state.TransitionSystemState(s)
	return func() {
		if o.state.SystemState() != s {
			return
		}
		if o.state.ActiveGame() {
			o.state.TransitionSystemState(types.StateGaming)
		} else {
			o.state.TransitionSystemState(types.StateIdle)
		}
	}
}

// describeGameEvent renders a game state change for the decision prompt.
func describeGameEvent(g types.GameStateChange) string {
	if d := strings.TrimSpace(g.Description); d != "" {
		return d
	}
	var parts []string
	if g.Started {
		s := "Started playing " + g.GameName
		if g.Goal != "" {
			s += " (goal: " + g.Goal + ")"
		}
		parts = append(parts, s)
	}
	if g.Outcome != "" {
		parts = append(parts, "Outcome: "+g.Outcome)
	}
	if g.Achievement != "" {
		parts = append(parts, "Achievement unlocked: "+g.Achievement)
	}
	if g.Ended {
		parts = append(parts, "The game session ended")
	}
	return strings.Join(parts, ". ")
}
