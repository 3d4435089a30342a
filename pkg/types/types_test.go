package types_test

import (
	"strings"
	"testing"

	"github.com/scrypster/sidekick/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_Order(t *testing.T) {
	for i := 1; i < len(types.AllPriorities); i++ {
		assert.Less(t, types.AllPriorities[i-1], types.AllPriorities[i])
	}
	assert.True(t, types.PriorityBackground.Valid())
	assert.False(t, types.Priority(7).Valid())
	assert.Equal(t, "Priority(7)", types.Priority(7).String())
}

func TestParsePriority(t *testing.T) {
	for _, p := range types.AllPriorities {
		got, err := types.ParsePriority(" " + strings.ToLower(p.String()) + " ")
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := types.ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParseEmotion(t *testing.T) {
	tests := []struct {
		in    string
		want  types.Emotion
		valid bool
	}{
		{"happy", types.EmotionHappy, true},
		{"  Excited\n", types.EmotionExcited, true},
		{"FEAR", types.EmotionFear, true},
		{"bored", types.EmotionNeutral, false},
		{"", types.EmotionNeutral, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := types.ParseEmotion(tt.in)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, types.EmotionNeutral, types.CoerceEmotion("furious"))
	assert.Len(t, types.ValidEmotions, 11)
}

func TestAction_Dispatchable(t *testing.T) {
	for _, k := range []types.ActionKind{types.ActionSpeak, types.ActionSetEmotion, types.ActionControlInput, types.ActionThink} {
		assert.True(t, types.Action{Kind: k}.Dispatchable(), k)
	}
	assert.False(t, types.Action{Kind: types.ActionUnknown}.Dispatchable())
	assert.False(t, types.Action{}.Dispatchable())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", types.Truncate("short", 10))
	assert.Equal(t, "hello...", types.Truncate("hello world", 6))
	assert.Equal(t, "こんに...", types.Truncate("こんにちは", 3))
	assert.Equal(t, "abc...", types.Action{Content: "abcdef"}.Preview(3))
}

func TestNewEvent(t *testing.T) {
	a := types.NewEvent(types.EventOperatorSpeech, types.PriorityCritical, "voice", types.OperatorSpeech{Text: "hi"})
	b := types.NewEvent(types.EventOperatorSpeech, types.PriorityCritical, "voice", types.OperatorSpeech{Text: "hi"})

	assert.True(t, strings.HasPrefix(a.ID, "evt_"))
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.EnqueuedAt.IsZero())
	assert.Equal(t, types.OperatorSpeech{Text: "hi"}, a.Payload)
}
