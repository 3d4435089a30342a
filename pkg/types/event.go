package types

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the variant carried in Event.Payload.
type EventKind string

// Event kinds understood by the orchestrator.
const (
	EventOperatorSpeech  EventKind = "operator_speech"
	EventChatMessage     EventKind = "chat_message"
	EventGameStateChange EventKind = "game_state_change"
	EventAutonomousTick  EventKind = "autonomous_tick"
	EventHousekeeping    EventKind = "housekeeping"
	EventShutdown        EventKind = "shutdown"
)

// Event is an immutable unit of work placed on the priority queue.
// Payload holds one of the payload structs below, by value.
type Event struct {
	ID         string
	Kind       EventKind
	Priority   Priority
	EnqueuedAt time.Time
	Source     string
	Payload    any
}

// NewEvent builds an event with a fresh ID. EnqueuedAt is stamped by the queue.
func NewEvent(kind EventKind, priority Priority, source string, payload any) Event {
	return Event{
		ID:       "evt_" + uuid.New().String(),
		Kind:     kind,
		Priority: priority,
		Source:   source,
		Payload:  payload,
	}
}

// OperatorSpeech is the payload of EventOperatorSpeech.
type OperatorSpeech struct {
	Text string
}

// ChatMessage is a raw chat message as delivered by a chat listener.
type ChatMessage struct {
	Author      string
	AuthorID    string
	Text        string
	Timestamp   time.Time
	IsMember    bool
	IsModerator bool
	IsOwner     bool
}

// ParsedMessage is a chat message enriched by the chat parser. It is the
// payload of EventChatMessage.
type ParsedMessage struct {
	ChatMessage

	MentionsBot bool
	IsCommand   bool
	Command     string
	CommandArgs []string
	Intent      string
	IsQuestion  bool
	HasEmojis   bool
	IsSpam      bool
	Priority    Priority
}

// GameStateChange is the payload of EventGameStateChange. Every field is optional.
type GameStateChange struct {
	Started     bool
	Ended       bool
	GameName    string
	Goal        string
	Outcome     string
	Achievement string
	Description string
}

// Housekeeping tasks.
const (
	TaskStats             = "stats"
	TaskReloadPersonality = "reload_personality"
)

// Housekeeping is the payload of EventHousekeeping.
type Housekeeping struct {
	Task string
	Path string
}
