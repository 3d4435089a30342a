// Package avatar renders emotions and speaking animation on a VTube Studio
// model over the public websocket API.
package avatar

import (
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/sidekick/pkg/types"
)

// Model parameters driven by expressions.
const (
	ParamMouthSmile = "MouthSmile"
	ParamMouthOpen  = "MouthOpen"
	ParamEyesWide   = "EyesWide"
)

// MinParameter and MaxParameter bound injected parameter values.
const (
	MinParameter = -1.0
	MaxParameter = 1.0
)

// Expression is how an emotion is shown on the model: a hotkey to trigger
// or, without hotkeys, parameter values scaled by Intensity. Hold is zero for
// expressions kept until the next change.
type Expression struct {
	Emotion    types.Emotion
	Hotkey     string
	Parameters map[string]float64
	Intensity  float64
	Hold       time.Duration
}

// Scaled returns the parameters multiplied by the intensity and clamped.
func (e Expression) Scaled() map[string]float64 {
	out := make(map[string]float64, len(e.Parameters))
	for name, v := range e.Parameters {
		out[name] = Clamp(v * e.Intensity)
	}
	return out
}

func defaultExpressions() []Expression {
	p := func(smile, open, eyes float64) map[string]float64 {
		return map[string]float64{ParamMouthSmile: smile, ParamMouthOpen: open, ParamEyesWide: eyes}
	}
	return []Expression{
		{Emotion: types.EmotionNeutral, Hotkey: "Neutral", Parameters: p(0, 0, 0), Intensity: 1},
		{Emotion: types.EmotionHappy, Hotkey: "Happy", Parameters: p(0.8, 0.3, 0.2), Intensity: 1},
		{Emotion: types.EmotionJoy, Hotkey: "Happy", Parameters: p(0.9, 0.4, 0.3), Intensity: 1},
		{Emotion: types.EmotionSad, Hotkey: "Sad", Parameters: p(-0.5, 0.1, -0.2), Intensity: 1},
		{Emotion: types.EmotionExcited, Hotkey: "Excited", Parameters: p(1, 0.5, 0.8), Intensity: 1},
		{Emotion: types.EmotionFocused, Hotkey: "Focused", Parameters: p(0, 0, -0.3), Intensity: 0.8},
		{Emotion: types.EmotionSurprised, Hotkey: "Surprised", Parameters: p(0, 0.8, 1), Intensity: 1, Hold: 2 * time.Second},
		{Emotion: types.EmotionThinking, Hotkey: "Thinking", Parameters: p(0.2, 0, -0.1), Intensity: 0.7},
		{Emotion: types.EmotionConfused, Hotkey: "Confused", Parameters: p(0, 0.2, 0.3), Intensity: 0.8},
		{Emotion: types.EmotionAngry, Hotkey: "Angry", Parameters: p(-0.7, 0.3, -0.5), Intensity: 1},
		{Emotion: types.EmotionFear, Hotkey: "Surprised", Parameters: p(-0.3, 0.4, 0.9), Intensity: 0.9},
	}
}

// ExpressionMapper maps emotions to expressions. Unmapped emotions fall back
// to the neutral expression.
type ExpressionMapper struct {
	expressions map[types.Emotion]Expression
}

// NewExpressionMapper returns a mapper holding the default expression for
// every valid emotion.
func NewExpressionMapper() *ExpressionMapper {
	m := &ExpressionMapper{expressions: make(map[types.Emotion]Expression)}
	for _, e := range defaultExpressions() {
		m.expressions[e.Emotion] = e
	}
	return m
}

// Map returns the expression for emotion, or the neutral expression.
func (m *ExpressionMapper) Map(emotion types.Emotion) Expression {
	if e, ok := types.ParseEmotion(string(emotion)); ok {
		if exp, ok := m.expressions[e]; ok {
			return exp
		}
	}
	return m.expressions[types.EmotionNeutral]
}

// Set adds or replaces the expression for a valid emotion.
func (m *ExpressionMapper) Set(exp Expression) error {
	e, ok := types.ParseEmotion(string(exp.Emotion))
	if !ok {
		return fmt.Errorf("avatar: unknown emotion %q", exp.Emotion)
	}
	if err := ValidateParameters(exp.Parameters); err != nil {
		return err
	}
	exp.Emotion = e
	m.expressions[e] = exp
	return nil
}

// Blend mixes the parameters of two emotions. weight is the share of
// secondary, in [0,1]. Parameters missing on one side count as zero.
func (m *ExpressionMapper) Blend(primary, secondary types.Emotion, weight float64) map[string]float64 {
	weight = max(0, min(1, weight))
	a := m.Map(primary).Parameters
	b := m.Map(secondary).Parameters

	out := make(map[string]float64, len(a)+len(b))
	for name := range a {
		out[name] = 0
	}
	for name := range b {
		out[name] = 0
	}
	for name := range out {
		out[name] = a[name]*(1-weight) + b[name]*weight
	}
	return out
}

// SpeakingParameters are the mouth parameters held while speaking.
func SpeakingParameters(intensity float64) map[string]float64 {
	return map[string]float64{
		ParamMouthOpen:  intensity * 0.6,
		ParamMouthSmile: intensity * 0.2,
	}
}

// ValidateParameters reports the first parameter outside [-1,1].
func ValidateParameters(params map[string]float64) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := params[name]; v < MinParameter || v > MaxParameter {
			return fmt.Errorf("avatar: parameter %s value %.2f out of range [%.0f, %.0f]", name, v, MinParameter, MaxParameter)
		}
	}
	return nil
}

// Clamp limits v to [-1,1].
func Clamp(v float64) float64 {
	return max(MinParameter, min(MaxParameter, v))
}
