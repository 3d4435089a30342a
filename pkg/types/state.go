package types

import "strings"

// SystemState is the coarse phase of the runtime.
type SystemState string

// System states.
const (
	StateInitializing SystemState = "initializing"
	StateIdle         SystemState = "idle"
	StateChatting     SystemState = "chatting"
	StateGaming       SystemState = "gaming"
	StateResponding   SystemState = "responding"
	StateError        SystemState = "error"
	StateShuttingDown SystemState = "shutting_down"
)

// Emotion is the emotional axis of the avatar, independent of SystemState.
type Emotion string

// The closed set of valid emotion names.
const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionExcited   Emotion = "excited"
	EmotionFocused   Emotion = "focused"
	EmotionSurprised Emotion = "surprised"
	EmotionThinking  Emotion = "thinking"
	EmotionConfused  Emotion = "confused"
	EmotionAngry     Emotion = "angry"
	EmotionJoy       Emotion = "joy"
	EmotionFear      Emotion = "fear"
)

// ValidEmotions contains every accepted emotion name.
var ValidEmotions = []Emotion{
	EmotionNeutral,
	EmotionHappy,
	EmotionSad,
	EmotionExcited,
	EmotionFocused,
	EmotionSurprised,
	EmotionThinking,
	EmotionConfused,
	EmotionAngry,
	EmotionJoy,
	EmotionFear,
}

// ParseEmotion lowercases and trims s and reports whether it names a valid emotion.
func ParseEmotion(s string) (Emotion, bool) {
	name := Emotion(strings.ToLower(strings.TrimSpace(s)))
	for _, e := range ValidEmotions {
		if e == name {
			return e, true
		}
	}
	return EmotionNeutral, false
}

// CoerceEmotion returns the parsed emotion, or neutral when s is not valid.
func CoerceEmotion(s string) Emotion {
	e, _ := ParseEmotion(s)
	return e
}
