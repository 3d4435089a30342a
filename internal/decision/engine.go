package decision

import (
	"context"
	"fmt"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/llm"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// DefaultMaxContextTokens is the prompt budget used when none is configured.
const DefaultMaxContextTokens = 2000

// Completer is the decision backend as seen by the Engine. *llm.DecisionClient
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// budget is the output bound and sampling temperature of one prompt kind.
type budget struct {
	name        string
	maxTokens   int
	temperature float64
}

var (
	budgetDecide   = budget{"decide", 500, 1.0}
	budgetChat     = budget{"chat", 300, 1.0}
	budgetOperator = budget{"operator", 300, 1.0}
	budgetIdle     = budget{"idle", 300, 1.0}
	budgetGame     = budget{"game_event", 200, 0.8}
)

// Engine asks the backend for the next action and returns it parsed and
// validated. It is used from the single decision loop only.
type Engine struct {
	client           Completer
	prompts          *PromptBuilder
	maxContextTokens int
	logger           *zap.Logger
}

// NewEngine creates an Engine. maxContextTokens <= 0 selects
// DefaultMaxContextTokens.
func NewEngine(client Completer, personality config.Personality, maxContextTokens int, logger *zap.Logger) *Engine {
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:           client,
		prompts:          NewPromptBuilder(personality),
		maxContextTokens: maxContextTokens,
		logger:           logger.Named("decision"),
	}
}

// SetPersonality swaps the personality and rebuilds the cached system prompt.
func (e *Engine) SetPersonality(p config.Personality) {
	e.prompts.SetPersonality(p)
	e.logger.Info("system prompt rebuilt", zap.String("personality", p.Name))
}

// Personality returns the active personality.
func (e *Engine) Personality() config.Personality {
	return e.prompts.Personality()
}

// Decide asks for a general next action given the current state.
func (e *Engine) Decide(ctx context.Context, snap state.Snapshot) (types.Action, error) {
	user := e.fit(snap, func(s state.Snapshot) string { return e.prompts.DecisionPrompt(s, "") })
	return e.ask(ctx, budgetDecide, user)
}

// RespondToChat asks for a reaction to one chat message.
func (e *Engine) RespondToChat(ctx context.Context, msg types.ParsedMessage, snap state.Snapshot) (types.Action, error) {
	return e.ask(ctx, budgetChat, e.prompts.ChatPrompt(msg, snap))
}

// RespondToOperator asks for an answer to something the streamer said.
func (e *Engine) RespondToOperator(ctx context.Context, text string, snap state.Snapshot) (types.Action, error) {
	return e.ask(ctx, budgetOperator, e.prompts.OperatorPrompt(text, snap))
}

// Idle asks for light commentary during a quiet moment.
func (e *Engine) Idle(ctx context.Context, snap state.Snapshot) (types.Action, error) {
	user := e.fit(snap, e.prompts.IdlePrompt)
	return e.ask(ctx, budgetIdle, user)
}

// ReactToGameEvent asks for a reaction to a described game event.
func (e *Engine) ReactToGameEvent(ctx context.Context, description string, _ state.Snapshot) (types.Action, error) {
	return e.ask(ctx, budgetGame, e.prompts.GameEventPrompt(description))
}

// fit renders the prompt and, when system and user prompt together exceed the
// context budget, renders it again from a trimmed snapshot.
func (e *Engine) fit(snap state.Snapshot, render func(state.Snapshot) string) string {
	user := render(snap)
	estimated := EstimateTokens(e.prompts.System()) + EstimateTokens(user)
	if estimated <= e.maxContextTokens {
		return user
	}
	e.logger.Debug("trimming context",
		zap.Int("estimated_tokens", estimated),
		zap.Int("max_tokens", e.maxContextTokens))
	return render(snap.Trim(TrimmedChatMessages, TrimmedActions))
}

func (e *Engine) ask(ctx context.Context, b budget, user string) (types.Action, error) {
	comp, err := e.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: e.prompts.System(),
		UserPrompt:   user,
		MaxTokens:    b.maxTokens,
		Temperature:  b.temperature,
	})
	if err != nil {
		return types.Action{}, fmt.Errorf("decision: %s: %w", b.name, err)
	}

	action := Parse(comp.Text)
	if action.Kind == types.ActionUnknown {
		e.logger.Warn("empty decision response", zap.String("prompt", b.name))
		return action, fmt.Errorf("decision: %s: %w", b.name, ErrNoAction)
	}
	if action.Confidence < ConfidenceStructured {
		e.logger.Warn("inferred action from unstructured response",
			zap.String("prompt", b.name),
			zap.String("kind", string(action.Kind)),
			zap.Float64("confidence", action.Confidence),
			zap.String("response", types.Truncate(comp.Text, 50)))
	}

	validated, err := Validate(action)
	if err != nil {
		e.logger.Warn("decision rejected",
			zap.String("prompt", b.name),
			zap.String("kind", string(action.Kind)),
			zap.Error(err))
		return validated, fmt.Errorf("decision: %s: %w", b.name, err)
	}

	e.logger.Info("decision",
		zap.String("prompt", b.name),
		zap.String("kind", string(validated.Kind)),
		zap.String("content", validated.Preview(50)),
		zap.Float64("confidence", validated.Confidence))
	return validated, nil
}
