// Package state holds the single StateManager owned by the orchestrator.
// Every mutation goes through a transition method; readers get copy-out
// snapshots and never a live reference to internal collections.
package state

import (
	"sync"
	"time"

	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// Bounds of the rolling collections. Oldest entries are evicted first.
const (
	MaxChatMessages = 20
	MaxActions      = 50
	MaxOutcomes     = 10
	MaxAchievements = 50

	// SnapshotChatMessages and SnapshotActions are the last-N windows handed
	// to decision making.
	SnapshotChatMessages = 10
	SnapshotActions      = 5
)

// DefaultGoal is the goal of a game session started without one.
const DefaultGoal = "Exploring"

// ChatEntry is one remembered chat message.
type ChatEntry struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Priority  string    `json:"priority,omitempty"`
}

// ActionEntry is one executed action and its outcome.
type ActionEntry struct {
	Kind      types.ActionKind `json:"kind"`
	Detail    string           `json:"detail"`
	Outcome   string           `json:"outcome,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Outcomes recorded with an ActionEntry.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// GameSession describes the current game.
type GameSession struct {
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Goal         string    `json:"goal"`
	Outcomes     []string  `json:"outcomes"`
	Achievements []string  `json:"achievements"`
}

// Transition is reported to observers on every system state change.
type Transition struct {
	From types.SystemState `json:"from"`
	To   types.SystemState `json:"to"`
	At   time.Time         `json:"at"`
}

// Observer is notified after a system state transition.
type Observer func(Transition)

// Manager tracks system state, emotion, the game session and rolling chat and
// action history. It is written by a single consumer; the mutex only guards
// concurrent readers such as the status server.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	system     types.SystemState
	emotion    types.Emotion
	game       GameSession
	chat       []ChatEntry
	authors    map[string]struct{}
	actions    []ActionEntry
	thoughts   []string
	speaking   bool
	listening  bool
	lastReply  time.Time
	startedAt  time.Time
	lastUpdate time.Time
	observers  []Observer
}

// New creates a Manager in the INITIALIZING state with a neutral emotion.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:  logger.Named("state"),
		now:     time.Now,
		system:  types.StateInitializing,
		emotion: types.EmotionNeutral,
		game:    GameSession{Name: "none", Goal: DefaultGoal},
		authors: make(map[string]struct{}),
	}
	m.startedAt = m.now()
	m.lastUpdate = m.startedAt
	return m
}

// OnTransition registers an observer for system state changes.
func (m *Manager) OnTransition(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// TransitionSystemState moves to next and records the update time.
func (m *Manager) TransitionSystemState(next types.SystemState) {
	m.mu.Lock()
	prev := m.system
	m.system = next
	m.lastUpdate = m.now()
	t := Transition{From: prev, To: next, At: m.lastUpdate}
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("system state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(next)))
	}
	for _, o := range observers {
		o(t)
	}
}

// TransitionEmotion sets the emotional axis. Names outside the closed set are
// stored as neutral.
func (m *Manager) TransitionEmotion(next types.Emotion) {
	if _, ok := types.ParseEmotion(string(next)); !ok {
		next = types.EmotionNeutral
	}
	m.mu.Lock()
	prev := m.emotion
	m.emotion = next
	m.lastUpdate = m.now()
	m.mu.Unlock()

	m.logger.Debug("emotion changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

// StartGameSession replaces the game session and moves to GAMING.
func (m *Manager) StartGameSession(name, goal string) {
	if goal == "" {
		goal = DefaultGoal
	}
	m.mu.Lock()
	m.game = GameSession{Name: name, Active: true, StartedAt: m.now(), Goal: goal}
	m.mu.Unlock()

	m.logger.Info("game started", zap.String("game", name), zap.String("goal", goal))
	m.TransitionSystemState(types.StateGaming)
}

// EndGameSession deactivates an active session and returns to IDLE.
func (m *Manager) EndGameSession() {
	m.mu.Lock()
	if !m.game.Active {
		m.mu.Unlock()
		return
	}
	m.game.Active = false
	name := m.game.Name
	m.mu.Unlock()

	m.logger.Info("game ended", zap.String("game", name))
	m.TransitionSystemState(types.StateIdle)
}

// SetGameGoal updates the current goal.
func (m *Manager) SetGameGoal(goal string) {
	m.mu.Lock()
	m.game.Goal = goal
	m.mu.Unlock()
	m.logger.Debug("game goal updated", zap.String("goal", goal))
}

// RecordGameOutcome appends an outcome, keeping the last MaxOutcomes.
func (m *Manager) RecordGameOutcome(outcome string) {
	m.mu.Lock()
	m.game.Outcomes = appendBounded(m.game.Outcomes, outcome, MaxOutcomes)
	m.mu.Unlock()
	m.logger.Debug("game outcome recorded", zap.String("outcome", outcome))
}

// RecordAchievement appends an achievement, keeping the last MaxAchievements.
func (m *Manager) RecordAchievement(achievement string) {
	m.mu.Lock()
	m.game.Achievements = appendBounded(m.game.Achievements, achievement, MaxAchievements)
	m.mu.Unlock()
	m.logger.Info("achievement unlocked", zap.String("achievement", achievement))
}

// RecordChatMessage remembers a chat message, keeping the last MaxChatMessages,
// and adds its author to the set of distinct authors.
func (m *Manager) RecordChatMessage(author, text string, priority types.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = appendBounded(m.chat, ChatEntry{
		Author:    author,
		Text:      text,
		Timestamp: m.now(),
		Priority:  priority.String(),
	}, MaxChatMessages)
	m.authors[author] = struct{}{}
}

// RecordAction appends an executed action, keeping the last MaxActions.
func (m *Manager) RecordAction(kind types.ActionKind, detail, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = appendBounded(m.actions, ActionEntry{
		Kind:      kind,
		Detail:    detail,
		Outcome:   outcome,
		Timestamp: m.now(),
	}, MaxActions)
}

// RecordThought appends to the internal thought trail.
func (m *Manager) RecordThought(text string) {
	m.mu.Lock()
	m.thoughts = appendBounded(m.thoughts, text, MaxActions)
	m.mu.Unlock()
}

// MarkReplied records the time of the latest chat reply.
func (m *Manager) MarkReplied() {
	m.mu.Lock()
	m.lastReply = m.now()
	m.mu.Unlock()
}

// SetSpeaking sets the speaking busy flag.
func (m *Manager) SetSpeaking(speaking bool) {
	m.mu.Lock()
	m.speaking = speaking
	m.mu.Unlock()
}

// SetListening sets the listening flag.
func (m *Manager) SetListening(listening bool) {
	m.mu.Lock()
	m.listening = listening
	m.mu.Unlock()
}

// SystemState returns the current system state.
func (m *Manager) SystemState() types.SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

// Emotion returns the current emotion.
func (m *Manager) Emotion() types.Emotion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emotion
}

// IsSpeaking reports whether a speech action is in flight.
func (m *Manager) IsSpeaking() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.speaking
}

// IsBusy is true during INITIALIZING, SHUTTING_DOWN and ERROR, or while
// speaking.
func (m *Manager) IsBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.system {
	case types.StateInitializing, types.StateShuttingDown, types.StateError:
		return true
	}
	return m.speaking
}

// ShouldRespondToChat is true in IDLE, CHATTING or GAMING when not speaking.
func (m *Manager) ShouldRespondToChat() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.system {
	case types.StateIdle, types.StateChatting, types.StateGaming:
		return !m.speaking
	}
	return false
}

// ActiveGame reports whether a game session is active.
func (m *Manager) ActiveGame() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.game.Active
}

// Uptime returns the time since the Manager was created.
func (m *Manager) Uptime() time.Duration {
	return m.now().Sub(m.startedAt)
}

// ResetToIdle ends any game, clears the emotion and moves to IDLE.
func (m *Manager) ResetToIdle() {
	m.EndGameSession()
	m.TransitionEmotion(types.EmotionNeutral)
	m.TransitionSystemState(types.StateIdle)
	m.logger.Info("state reset to idle")
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		// Copy so the evicted prefix does not pin the backing array.
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}
