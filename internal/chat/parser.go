// Package chat parses live chat messages and feeds them into the event queue.
package chat

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// Intents detected by the parser, checked in this order.
const (
	IntentGreeting      = "greeting"
	IntentQuestion      = "question"
	IntentSuggestion    = "suggestion"
	IntentEncouragement = "encouragement"
	IntentGameRelated   = "game_related"
	IntentGeneral       = "general"
)

// Sentiments returned by Sentiment.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

const commandPrefix = "!"

var intentWords = []struct {
	intent string
	words  []string
}{
	{IntentGreeting, []string{"hello", "hi", "hey", "greetings", "sup"}},
	{IntentQuestion, []string{"what", "how", "why", "when", "where", "who"}},
	{IntentSuggestion, []string{"try", "should", "could", "maybe", "suggest"}},
	{IntentEncouragement, []string{"good job", "nice", "great", "awesome", "amazing", "poggers"}},
	{IntentGameRelated, []string{"play", "game", "level", "move", "jump", "attack"}},
}

var (
	positiveWords = []string{"good", "great", "awesome", "love", "nice", "poggers", "amazing", "cool"}
	negativeWords = []string{"bad", "terrible", "hate", "awful", "boring", "sad", "fail"}

	knownGames  = []string{"minecraft", "osu", "2048", "tetris", "chess"}
	playPattern = regexp.MustCompile(`play\s+(\w+)`)

	emojiPattern = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{24C2}-\x{1F251}]`)
)

// ParserConfig configures a Parser.
type ParserConfig struct {
	// Names are the lowercased names that count as a mention.
	Names []string
	// SpamThreshold is the number of messages an author may send within
	// SpamWindow before further ones are spam. Default: 3
	SpamThreshold int
	// SpamWindow default: 5s
	SpamWindow time.Duration
	// MaxAuthors bounds the per-author history. Default: 1024
	MaxAuthors int
	Logger     *zap.Logger
}

type sentMessage struct {
	text string
	at   time.Time
}

// Parser enriches chat messages and tracks per-author history for spam
// detection. It is safe for concurrent use.
type Parser struct {
	names          []string
	mentionPattern *regexp.Regexp
	threshold      int
	window         time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu      sync.Mutex
	history *lru.Cache[string, []sentMessage]
}

// NewParser creates a Parser.
func NewParser(cfg ParserConfig) (*Parser, error) {
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = 3
	}
	if cfg.SpamWindow <= 0 {
		cfg.SpamWindow = 5 * time.Second
	}
	if cfg.MaxAuthors <= 0 {
		cfg.MaxAuthors = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	history, err := lru.New[string, []sentMessage](cfg.MaxAuthors)
	if err != nil {
		return nil, fmt.Errorf("chat: create author history: %w", err)
	}

	var names []string
	for _, n := range cfg.Names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	short := []string{"cuda", "bot"}
	for _, n := range names {
		if !strings.ContainsAny(n, " -") {
			short = append(short, regexp.QuoteMeta(n))
		}
	}
	mention := regexp.MustCompile(`\b(hey|hi|hello)\s+(` + strings.Join(short, "|") + `)\b|@\s*(` + strings.Join(short, "|") + `)`)

	p := &Parser{
		names:          names,
		mentionPattern: mention,
		threshold:      cfg.SpamThreshold,
		window:         cfg.SpamWindow,
		logger:         cfg.Logger.Named("chat"),
		now:            time.Now,
		history:        history,
	}
	p.logger.Info("chat parser initialized", zap.Strings("names", names))
	return p, nil
}

// Parse enriches msg and records it in the author's spam history.
func (p *Parser) Parse(msg types.ChatMessage) types.ParsedMessage {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Author == "" {
		msg.Author = "Unknown"
	}

	pm := types.ParsedMessage{
		ChatMessage: msg,
		MentionsBot: p.MentionsBot(msg.Text),
		IsQuestion:  strings.Contains(msg.Text, "?"),
		HasEmojis:   emojiPattern.MatchString(msg.Text),
		Intent:      DetectIntent(msg.Text),
	}
	if strings.HasPrefix(msg.Text, commandPrefix) {
		pm.Command, pm.CommandArgs = parseCommand(msg.Text)
		pm.IsCommand = pm.Command != ""
	}
	pm.Priority = PriorityFor(pm)
	pm.IsSpam = p.IsSpam(msg.Author, msg.Text)

	p.logger.Debug("parsed message",
		zap.String("author", msg.Author),
		zap.String("priority", pm.Priority.String()),
		zap.Bool("mentions_bot", pm.MentionsBot),
		zap.Bool("spam", pm.IsSpam))
	return pm
}

// MentionsBot reports whether text addresses the sidekick.
func (p *Parser) MentionsBot(text string) bool {
	lower := strings.ToLower(text)
	for _, n := range p.names {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return p.mentionPattern.MatchString(lower)
}

// IsSpam records the message and reports whether the author sent more than
// the threshold within the window, or repeated their previous message.
func (p *Parser) IsSpam(author, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-p.window)
	prev, _ := p.history.Get(author)

	recent := make([]sentMessage, 0, len(prev)+1)
	for _, m := range prev {
		if m.at.After(cutoff) {
			recent = append(recent, m)
		}
	}
	recent = append(recent, sentMessage{text: text, at: now})
	if len(recent) > p.threshold+1 {
		recent = recent[len(recent)-p.threshold-1:]
	}
	p.history.Add(author, recent)

	if len(recent) > p.threshold {
		p.logger.Warn("spam detected", zap.String("author", author), zap.Int("messages", len(recent)), zap.Duration("window", p.window))
		return true
	}
	if n := len(recent); n >= 2 && recent[n-2].text == recent[n-1].text {
		p.logger.Warn("repeated message spam", zap.String("author", author))
		return true
	}
	return false
}

// ShouldRespond is true for non-spam mentions, commands and questions.
func (p *Parser) ShouldRespond(pm types.ParsedMessage) bool {
	if pm.IsSpam {
		return false
	}
	return pm.MentionsBot || pm.IsCommand || pm.IsQuestion
}

// TrackedAuthors returns the number of authors with spam history.
func (p *Parser) TrackedAuthors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Len()
}

// PriorityFor ranks a parsed message: the channel owner is CRITICAL,
// commands and mentions are HIGH, everything else MEDIUM.
func PriorityFor(pm types.ParsedMessage) types.Priority {
	switch {
	case pm.IsOwner:
		return types.PriorityCritical
	case pm.IsCommand, pm.MentionsBot:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

// DetectIntent classifies text by keyword.
func DetectIntent(text string) string {
	lower := strings.ToLower(text)
	for _, iw := range intentWords {
		if iw.intent == IntentQuestion && strings.Contains(text, "?") {
			return IntentQuestion
		}
		for _, w := range iw.words {
			if strings.Contains(lower, w) {
				return iw.intent
			}
		}
	}
	return IntentGeneral
}

// Sentiment counts positive and negative keywords.
func Sentiment(text string) string {
	lower := strings.ToLower(text)
	count := func(words []string) int {
		n := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				n++
			}
		}
		return n
	}
	pos, neg := count(positiveWords), count(negativeWords)
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// GameSuggestion extracts a suggested game from text, either a known title
// or the word after "play".
func GameSuggestion(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, g := range knownGames {
		if strings.Contains(lower, g) {
			return g, true
		}
	}
	if m := playPattern.FindStringSubmatch(lower); m != nil {
		return m[1], true
	}
	return "", false
}

func parseCommand(text string) (string, []string) {
	parts := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}
