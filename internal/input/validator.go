// Package input validates and executes physical control inputs (keyboard and
// mouse). Every command passes the denylist and the safe key and mouse sets
// before an Executor sees it.
package input

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrForbidden is returned for commands that match the denylist.
	ErrForbidden = errors.New("forbidden control input")
	// ErrUnsupported is returned for commands that cannot be parsed into a
	// safe keyboard or mouse action.
	ErrUnsupported = errors.New("unsupported control input")
)

// forbiddenPhrases are matched as substrings of the normalized command.
var forbiddenPhrases = []string{
	"alt+f4", "cmd+q", "ctrl+alt+delete", "ctrl+alt+del",
	"shutdown", "restart", "poweroff",
	"rm -rf", "del /f", "format",
	"taskkill", "pkill", "kill -9",
}

// forbiddenWords are shell commands matched as whole words followed by an argument.
var forbiddenWords = regexp.MustCompile(`(^|[^a-z0-9_])(rm|del)\s`)

var (
	whitespaceRun   = regexp.MustCompile(`\s+`)
	spaceAroundPlus = regexp.MustCompile(`\s*\+\s*`)
)

// Normalize lowercases s, collapses whitespace and joins key combinations
// written with spaces ("Alt + F4" becomes "alt+f4").
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, " ")
	return spaceAroundPlus.ReplaceAllString(s, "+")
}

// Forbidden returns the denylist entry matched by s, if any. Matching is
// insensitive to case and surrounding or repeated whitespace.
func Forbidden(s string) (string, bool) {
	norm := Normalize(s)
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(norm, phrase) {
			return phrase, true
		}
	}
	if m := forbiddenWords.FindStringSubmatch(norm); m != nil {
		return m[2], true
	}
	return "", false
}

// safeKeys is the closed set of keys an executor may press.
var safeKeys = func() map[string]bool {
	keys := []string{
		"space", "spacebar", "enter", "return", "escape", "esc",
		"backspace", "tab", "shift", "ctrl", "control", "alt",
		"up", "down", "left", "right",
		"home", "end", "pageup", "pagedown", "insert", "delete",
	}
	for c := 'a'; c <= 'z'; c++ {
		keys = append(keys, string(c))
	}
	for c := '0'; c <= '9'; c++ {
		keys = append(keys, string(c))
	}
	for i := 1; i <= 12; i++ {
		keys = append(keys, "f"+strconv.Itoa(i))
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}()

// IsSafeKey reports whether key is in the safe key set.
func IsSafeKey(key string) bool {
	return safeKeys[strings.ToLower(strings.TrimSpace(key))]
}

// CommandKind separates keyboard from mouse commands.
type CommandKind string

const (
	KindKey   CommandKind = "key"
	KindMouse CommandKind = "mouse"
)

// Keyboard verbs.
const (
	VerbPress   = "press"
	VerbHold    = "hold"
	VerbRelease = "release"
	VerbType    = "type"
)

// Mouse verbs.
const (
	VerbClick       = "click"
	VerbLeftClick   = "left_click"
	VerbRightClick  = "right_click"
	VerbDoubleClick = "double_click"
	VerbMove        = "move"
)

// MaxCoordinate bounds pointer coordinates.
const MaxCoordinate = 10000

// Command is a validated, sanitized control input.
type Command struct {
	Kind        CommandKind
	Verb        string
	Key         string
	X, Y        int
	HasPosition bool
}

// String renders the sanitized command.
func (c Command) String() string {
	switch {
	case c.Kind == KindKey:
		return c.Verb + " " + c.Key
	case c.HasPosition:
		return fmt.Sprintf("%s %d,%d", c.Verb, c.X, c.Y)
	default:
		return c.Verb
	}
}

var (
	keyboardWords = []string{"press", "hold", "release", "type", "key"}
	mouseWords    = []string{"click", "move", "mouse"}

	verbKeyPattern   = regexp.MustCompile(`^(press|hold|release|type)\s+(.+)$`)
	keySuffixPattern = regexp.MustCompile(`^(.+)\s+key$`)
	coordPattern     = regexp.MustCompile(`(\d+)\s*,?\s*(\d+)`)
)

// namedPositions are screen positions on a 1920x1080 layout.
var namedPositions = []struct {
	words []string
	x, y  int
}{
	{[]string{"center"}, 960, 540},
	{[]string{"top", "left"}, 100, 100},
	{[]string{"top", "right"}, 1820, 100},
	{[]string{"bottom", "left"}, 100, 980},
	{[]string{"bottom", "right"}, 1820, 980},
}

// Validate parses a free-form control input such as "press w", "hold shift",
// "space key", "double click" or "move to 500, 300" into a Command. Errors
// wrap ErrForbidden or ErrUnsupported.
func Validate(action string) (Command, error) {
	if phrase, bad := Forbidden(action); bad {
		return Command{}, fmt.Errorf("%w: matched %q", ErrForbidden, phrase)
	}

	norm := Normalize(action)
	if norm == "" {
		return Command{}, fmt.Errorf("%w: empty", ErrUnsupported)
	}

	if containsAny(norm, keyboardWords) || IsSafeKey(norm) {
		return parseKeyboard(norm)
	}
	if containsAny(norm, mouseWords) {
		return parseMouse(norm)
	}
	return Command{}, fmt.Errorf("%w: %q is neither a keyboard nor a mouse action", ErrUnsupported, action)
}

func parseKeyboard(norm string) (Command, error) {
	verb, key := "", ""
	if m := verbKeyPattern.FindStringSubmatch(norm); m != nil {
		verb, key = m[1], strings.TrimSpace(m[2])
		key = strings.TrimSpace(strings.TrimSuffix(key, " key"))
	} else if m := keySuffixPattern.FindStringSubmatch(norm); m != nil {
		verb, key = VerbPress, strings.TrimSpace(m[1])
	} else if !strings.Contains(norm, " ") {
		verb, key = VerbPress, norm
	}

	if key == "" {
		return Command{}, fmt.Errorf("%w: could not parse keyboard action %q", ErrUnsupported, norm)
	}
	if !IsSafeKey(key) {
		return Command{}, fmt.Errorf("%w: key not in safe list: %q", ErrUnsupported, key)
	}
	return Command{Kind: KindKey, Verb: verb, Key: key}, nil
}

func parseMouse(norm string) (Command, error) {
	var verb string
	switch {
	case strings.Contains(norm, "double") && strings.Contains(norm, "click"):
		verb = VerbDoubleClick
	case strings.Contains(norm, "right") && strings.Contains(norm, "click"):
		verb = VerbRightClick
	case strings.Contains(norm, "left") && strings.Contains(norm, "click"):
		verb = VerbLeftClick
	case strings.Contains(norm, "click"):
		verb = VerbClick
	case strings.Contains(norm, "move"):
		verb = VerbMove
	default:
		return Command{}, fmt.Errorf("%w: could not parse mouse action %q", ErrUnsupported, norm)
	}

	cmd := Command{Kind: KindMouse, Verb: verb}
	if x, y, ok := extractPosition(norm); ok {
		if x < 0 || x > MaxCoordinate || y < 0 || y > MaxCoordinate {
			return Command{}, fmt.Errorf("%w: coordinates out of range: %d,%d", ErrUnsupported, x, y)
		}
		cmd.X, cmd.Y, cmd.HasPosition = x, y, true
	}
	if verb == VerbMove && !cmd.HasPosition {
		return Command{}, fmt.Errorf("%w: move needs a position", ErrUnsupported)
	}
	return cmd, nil
}

func extractPosition(norm string) (int, int, bool) {
	if m := coordPattern.FindStringSubmatch(norm); m != nil {
		x, errX := strconv.Atoi(m[1])
		y, errY := strconv.Atoi(m[2])
		if errX == nil && errY == nil {
			return x, y, true
		}
		// Overflowing numbers are out of range by definition.
		return MaxCoordinate + 1, MaxCoordinate + 1, true
	}
	for _, pos := range namedPositions {
		if containsAll(norm, pos.words) {
			return pos.x, pos.y, true
		}
	}
	return 0, 0, false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func containsAll(s string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}
