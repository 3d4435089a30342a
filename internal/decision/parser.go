// Package decision turns backend text into validated actions. It builds the
// prompts, parses structured responses with an inference fallback, and
// validates the result before anything reaches an effector.
package decision

import (
	"regexp"
	"strings"

	"github.com/scrypster/sidekick/pkg/types"
)

// Parse confidences.
const (
	ConfidenceStructured       = 1.0
	ConfidenceInferredEmotion  = 0.7
	ConfidenceInferredSpeech   = 0.6
	ConfidenceInferredControl  = 0.6
	ConfidenceDefaultSpeech    = 0.3
	ConfidenceUnparseableInput = 0.0
)

type prefixPattern struct {
	kind     types.ActionKind
	patterns []*regexp.Regexp
}

// structuredPatterns match only the first line: (?m) makes $ stop at a line
// break while \A pins the match to the start of the text.
var structuredPatterns = []prefixPattern{
	{types.ActionSpeak, keywordPatterns("SPEAK", `(.+)`)},
	{types.ActionSetEmotion, keywordPatterns("EMOTION", `(\w+)`)},
	{types.ActionControlInput, keywordPatterns("ACTION", `(.+)`)},
	{types.ActionThink, keywordPatterns("THINK", `(.+)`)},
}

func keywordPatterns(keyword, content string) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?im)\A` + keyword + `:[ \t]*` + content + `$`),
		regexp.MustCompile(`(?im)\A\[` + keyword + `\][ \t]*` + content + `$`),
	}
}

var (
	speechMarkers = []string{"!", "?", "i ", "you ", "we ", "chat"}
	controlWords  = []string{"press", "click", "move", "type", "key", "mouse"}
)

// Parse maps raw backend text to a single action. Text with a structured
// prefix ("SPEAK: hi", "[EMOTION] happy") parses with full confidence.
// Anything else is inferred in a fixed order: a bare emotion name, then
// natural speech, then control-input vocabulary, and finally speech with
// minimal confidence. Only empty text yields ActionUnknown.
func Parse(raw string) types.Action {
	text := strings.TrimSpace(raw)
	if text == "" {
		return types.Action{Kind: types.ActionUnknown, Confidence: ConfidenceUnparseableInput, Raw: raw}
	}

	for _, p := range structuredPatterns {
		for _, re := range p.patterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			content := strings.TrimSpace(m[1])
			if p.kind == types.ActionSetEmotion {
				content = string(types.CoerceEmotion(content))
			}
			return types.Action{Kind: p.kind, Content: content, Confidence: ConfidenceStructured, Raw: text}
		}
	}
	return infer(text)
}

func infer(text string) types.Action {
	lower := strings.ToLower(text)

	if e, ok := types.ParseEmotion(lower); ok && string(e) == lower {
		return types.Action{Kind: types.ActionSetEmotion, Content: lower, Confidence: ConfidenceInferredEmotion, Raw: text}
	}
	if containsAny(lower, speechMarkers) {
		return types.Action{Kind: types.ActionSpeak, Content: text, Confidence: ConfidenceInferredSpeech, Raw: text}
	}
	if containsAny(lower, controlWords) {
		return types.Action{Kind: types.ActionControlInput, Content: text, Confidence: ConfidenceInferredControl, Raw: text}
	}
	return types.Action{Kind: types.ActionSpeak, Content: text, Confidence: ConfidenceDefaultSpeech, Raw: text}
}

// ParseMultiple parses every non-blank line as its own action. When no line
// yields an action, the whole text is parsed once.
func ParseMultiple(raw string) []types.Action {
	var actions []types.Action
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if a := Parse(line); a.Kind != types.ActionUnknown {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, Parse(raw))
	}
	return actions
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
