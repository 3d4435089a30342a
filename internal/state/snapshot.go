package state

import (
	"time"

	"github.com/scrypster/sidekick/pkg/types"
)

// Snapshot is an immutable copy of the state used by decision making. Slices
// are freshly allocated and never alias the Manager's collections.
type Snapshot struct {
	SystemState     types.SystemState `json:"system_state"`
	Emotion         types.Emotion     `json:"emotion"`
	GameActive      bool              `json:"game_active"`
	GameName        string            `json:"game_name"`
	GameGoal        string            `json:"game_goal"`
	RecentOutcomes  []string          `json:"recent_outcomes"`
	RecentChat      []ChatEntry       `json:"recent_chat"`
	RecentActions   []ActionEntry     `json:"recent_actions"`
	Speaking        bool              `json:"speaking"`
	Busy            bool              `json:"busy"`
	ActiveUserCount int               `json:"active_user_count"`
	Uptime          time.Duration     `json:"uptime"`
	TakenAt         time.Time         `json:"taken_at"`
	LastSpokeAt     time.Time         `json:"last_spoke_at,omitempty"`
}

// SinceLastSpeech is the silence preceding the snapshot. Without any speech
// it is the uptime.
func (s Snapshot) SinceLastSpeech() time.Duration {
	if s.LastSpokeAt.IsZero() {
		return s.Uptime
	}
	return s.TakenAt.Sub(s.LastSpokeAt)
}

// CurrentGame returns the active game name, or "idle".
func (s Snapshot) CurrentGame() string {
	if s.GameActive {
		return s.GameName
	}
	return "idle"
}

// Trim returns a copy keeping at most the last chats chat messages and the
// last actions actions.
func (s Snapshot) Trim(chats, actions int) Snapshot {
	s.RecentChat = lastN(s.RecentChat, chats)
	s.RecentActions = lastN(s.RecentActions, actions)
	return s
}

// SnapshotForDecision returns the last SnapshotChatMessages chat messages and
// last SnapshotActions actions together with the current flags.
func (m *Manager) SnapshotForDecision() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	busy := m.speaking
	switch m.system {
	case types.StateInitializing, types.StateShuttingDown, types.StateError:
		busy = true
	}

	var lastSpoke time.Time
	for i := len(m.actions) - 1; i >= 0; i-- {
		if m.actions[i].Kind == types.ActionSpeak && m.actions[i].Outcome == OutcomeSuccess {
			lastSpoke = m.actions[i].Timestamp
			break
		}
	}

	now := m.now()
	return Snapshot{
		SystemState:     m.system,
		Emotion:         m.emotion,
		GameActive:      m.game.Active,
		GameName:        m.game.Name,
		GameGoal:        m.game.Goal,
		RecentOutcomes:  lastN(m.game.Outcomes, 5),
		RecentChat:      lastN(m.chat, SnapshotChatMessages),
		RecentActions:   lastN(m.actions, SnapshotActions),
		Speaking:        m.speaking,
		Busy:            busy,
		ActiveUserCount: len(m.authors),
		Uptime:          now.Sub(m.startedAt),
		TakenAt:         now,
		LastSpokeAt:     lastSpoke,
	}
}

// FullState is the complete state as served by the status endpoint.
type FullState struct {
	SystemState     types.SystemState `json:"system_state"`
	Emotion         types.Emotion     `json:"emotion"`
	Game            GameSession       `json:"game"`
	RecentChat      []ChatEntry       `json:"recent_chat"`
	ActiveUserCount int               `json:"active_user_count"`
	LastReply       *time.Time        `json:"last_reply,omitempty"`
	RecentActions   []ActionEntry     `json:"recent_actions"`
	Thoughts        []string          `json:"thoughts"`
	Speaking        bool              `json:"speaking"`
	Listening       bool              `json:"listening"`
	StartedAt       time.Time         `json:"started_at"`
	LastUpdate      time.Time         `json:"last_update"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
}

// Full returns a copy of everything the Manager tracks.
func (m *Manager) Full() FullState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	game := m.game
	game.Outcomes = lastN(m.game.Outcomes, len(m.game.Outcomes))
	game.Achievements = lastN(m.game.Achievements, len(m.game.Achievements))

	var lastReply *time.Time
	if !m.lastReply.IsZero() {
		t := m.lastReply
		lastReply = &t
	}

	return FullState{
		SystemState:     m.system,
		Emotion:         m.emotion,
		Game:            game,
		RecentChat:      lastN(m.chat, SnapshotChatMessages),
		ActiveUserCount: len(m.authors),
		LastReply:       lastReply,
		RecentActions:   lastN(m.actions, SnapshotChatMessages),
		Thoughts:        lastN(m.thoughts, SnapshotActions),
		Speaking:        m.speaking,
		Listening:       m.listening,
		StartedAt:       m.startedAt,
		LastUpdate:      m.lastUpdate,
		UptimeSeconds:   m.now().Sub(m.startedAt).Seconds(),
	}
}

// lastN copies the last n elements of list into a new slice.
func lastN[T any](list []T, n int) []T {
	if n > len(list) {
		n = len(list)
	}
	if n < 0 {
		n = 0
	}
	out := make([]T, n)
	copy(out, list[len(list)-n:])
	return out
}
