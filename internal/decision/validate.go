package decision

import (
	"errors"
	"fmt"

	"github.com/scrypster/sidekick/internal/input"
	"github.com/scrypster/sidekick/pkg/types"
)

// MaxSpeechChars caps Speak content, in runes, ellipsis included.
const MaxSpeechChars = 500

const ellipsis = "..."

var (
	// ErrInvalidAction marks an action that must not be dispatched.
	ErrInvalidAction = errors.New("invalid action")
	// ErrNoAction is returned when a decision produced nothing dispatchable.
	ErrNoAction = errors.New("no action")
)

// Validate checks a parsed action and returns the form that may be
// dispatched. Unknown actions, emotions outside the closed set and denylisted
// control inputs are rejected with ErrInvalidAction. Over-long speech is
// truncated rather than rejected. Validate is idempotent.
func Validate(a types.Action) (types.Action, error) {
	switch a.Kind {
	case types.ActionSpeak:
		a.Content = TruncateSpeech(a.Content, MaxSpeechChars)
	case types.ActionSetEmotion:
		e, ok := types.ParseEmotion(a.Content)
		if !ok {
			return a, fmt.Errorf("%w: emotion %q is not recognized", ErrInvalidAction, a.Content)
		}
		a.Content = string(e)
	case types.ActionControlInput:
		if phrase, bad := input.Forbidden(a.Content); bad {
			return a, fmt.Errorf("%w: control input matches denylist entry %q", ErrInvalidAction, phrase)
		}
	case types.ActionThink:
	default:
		return a, fmt.Errorf("%w: kind %q", ErrInvalidAction, a.Kind)
	}
	return a, nil
}

// TruncateSpeech cuts s to at most limit runes, ending in "..." when cut.
// The result of a truncation is returned unchanged by a second call.
func TruncateSpeech(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	keep := limit - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + ellipsis
}
