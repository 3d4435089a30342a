package types

import "strings"

// ActionKind is the closed set of decisions the engine can produce.
type ActionKind string

// Action kinds.
const (
	ActionSpeak        ActionKind = "speak"
	ActionSetEmotion   ActionKind = "emotion"
	ActionControlInput ActionKind = "action"
	ActionThink        ActionKind = "think"
	ActionUnknown      ActionKind = "unknown"
)

// Action is a single decided action. Raw keeps the backend response for audit.
type Action struct {
	Kind       ActionKind
	Content    string
	Confidence float64
	Raw        string
}

// Dispatchable reports whether the action may be handed to an effector.
func (a Action) Dispatchable() bool {
	switch a.Kind {
	case ActionSpeak, ActionSetEmotion, ActionControlInput, ActionThink:
		return true
	default:
		return false
	}
}

// Preview returns at most n runes of the content, for logging.
func (a Action) Preview(n int) string {
	return Truncate(a.Content, n)
}

// Truncate returns s cut to n runes with an ellipsis when it was longer.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
