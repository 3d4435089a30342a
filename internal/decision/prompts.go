package decision

import (
	"fmt"
	"strings"

	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/pkg/types"
)

// Context trimming applied when a prompt exceeds the token budget.
const (
	TrimmedChatMessages = 5
	TrimmedActions      = 3
)

// idleChatMessages is the number of chat lines rendered into the idle prompt.
const idleChatMessages = 5

// responseFormat is appended to every system prompt.
const responseFormat = `# Your Role as AI Sidekick:
You are a CO-HOST and SIDEKICK, not the main streamer. The human streamer is playing the game and running the stream. Your job is to:

1. **LISTEN** to the streamer and respond to what they say (HIGHEST PRIORITY)
2. **WATCH** the game and provide commentary and reactions
3. **ENGAGE** with chat and relay interesting messages
4. **REACT** to exciting or funny moments
5. **SUPPORT** the streamer with encouragement and banter

You are NOT:
- Playing the game (the streamer does that)
- Giving commands or instructions (unless asked)
- The main focus (you're supporting the streamer)
- Backseat gaming (don't tell them what to do)

# Response Format:
You must respond with ONE of these action types:

SPEAK: [your message here]
- Use this to talk, comment, react, or respond
- Keep messages natural, conversational, and brief
- Examples:
  * SPEAK: Oh wow, that was close!
  * SPEAK: Chat's asking about your setup!

EMOTION: [emotion_name]
- Available emotions: %s
- Use this to change your avatar's expression
- Example: EMOTION: excited

THINK: [internal thought]
- Use this to track context without speaking aloud
- Example: THINK: Streamer is attempting the boss fight, chat is excited

# Input Priority Levels:
1. **CRITICAL** - Streamer speaks to you directly: always respond
2. **HIGH** - Exciting game moment or chat mentions you: react naturally
3. **MEDIUM** - General chat messages or quiet moments: engage appropriately
4. **LOW** - Idle time: provide light commentary, don't overdo it

# Key Guidelines:
- **STREAMER FIRST**: Always prioritize what the streamer says
- **DON'T DOMINATE**: Balance talking with letting the streamer speak
- **NO BACKSEATING**: Don't tell them how to play unless asked
- **KEEP IT SHORT**: Most responses should be 1-2 sentences

Remember: You are the supportive friend who makes the stream more fun, not the star of the show.`

const chooseOne = "Choose ONE action (SPEAK, EMOTION, or THINK)."

// PromptBuilder renders system and user prompts for a personality. The system
// prompt is built once and cached until SetPersonality is called.
type PromptBuilder struct {
	personality config.Personality
	system      string
}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder(p config.Personality) *PromptBuilder {
	b := &PromptBuilder{}
	b.SetPersonality(p)
	return b
}

// SetPersonality replaces the personality and rebuilds the system prompt.
func (b *PromptBuilder) SetPersonality(p config.Personality) {
	b.personality = p
	b.system = SystemPrompt(p)
}

// Personality returns the current personality.
func (b *PromptBuilder) Personality() config.Personality {
	return b.personality
}

// System returns the cached system prompt.
func (b *PromptBuilder) System() string {
	return b.system
}

// SystemPrompt renders the character sheet followed by the role and response
// format instructions.
func SystemPrompt(p config.Personality) string {
	emotions := make([]string, len(types.ValidEmotions))
	for i, e := range types.ValidEmotions {
		emotions[i] = string(e)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, %s\n\n", p.Name, p.Description)
	if p.Backstory != "" {
		sb.WriteString(p.Backstory)
		sb.WriteString("\n\n")
	}
	writeList(&sb, "# Your Personality Traits:", p.Traits)
	writeList(&sb, "# Your Speaking Style:", p.SpeakingStyle)
	writeList(&sb, "# Important Behavioral Rules:", p.BehavioralConstraints)
	fmt.Fprintf(&sb, responseFormat, strings.Join(emotions, ", "))
	return sb.String()
}

func writeList(sb *strings.Builder, heading string, items []string) {
	sb.WriteString(heading)
	sb.WriteString("\n")
	for _, item := range items {
		sb.WriteString("  - ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

// DecisionPrompt renders the general decision prompt. operatorSpeech is
// rendered as the top section when present.
func (b *PromptBuilder) DecisionPrompt(snap state.Snapshot, operatorSpeech string) string {
	var sections []string

	if operatorSpeech != "" {
		sections = append(sections, fmt.Sprintf("## STREAMER SAID (RESPOND TO THIS):\n%q\n\nThe streamer just spoke! You should respond to them naturally.", operatorSpeech))
	}

	sections = append(sections, "## Recent Chat:\n"+formatChat(snap.RecentChat, true))
	sections = append(sections, "## What's Happening:\n"+describeScene(snap))
	sections = append(sections, fmt.Sprintf("## Your Current State:\n- Emotion: %s\n- Time since you last spoke: %.1fs",
		snap.Emotion, snap.SinceLastSpeech().Seconds()))

	if len(snap.RecentActions) > 0 {
		lines := make([]string, len(snap.RecentActions))
		for i, a := range snap.RecentActions {
			lines[i] = fmt.Sprintf("  - %s: %s", a.Kind, types.Truncate(a.Detail, 100))
		}
		sections = append(sections, "## Your Recent Actions:\n"+strings.Join(lines, "\n"))
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(sections, "\n\n"))
	fmt.Fprintf(&sb, "\n\n---\n\nAs %s, decide your next action. Consider:\n\n", b.personality.Name)
	if operatorSpeech != "" {
		sb.WriteString("- **PRIORITY**: Respond to what the streamer just said!\n")
	}
	sb.WriteString(`- Should you speak right now, or is it better to stay quiet?
- If you speak, keep it short and natural
- React to exciting moments, but don't talk over important parts
- Engage with chat, but prioritize the streamer

Choose ONE action (SPEAK, EMOTION, or THINK). What do you do?`)
	return sb.String()
}

// IdlePrompt renders the prompt for a quiet moment.
func (b *PromptBuilder) IdlePrompt(snap state.Snapshot) string {
	return fmt.Sprintf(`## Quiet Moment

It's been %.1f seconds since you last spoke. The streamer hasn't said anything recently.

## Recent Chat:
%s

---

As %s, you can:
- Make a light observation or comment (don't overdo it)
- Engage with an interesting chat message
- Ask the streamer a question to keep conversation flowing
- Stay quiet and let the gameplay breathe (THINK to yourself)

Remember: Don't dominate the conversation. Sometimes silence is okay.

%s`, snap.SinceLastSpeech().Seconds(), formatChat(snap.Trim(idleChatMessages, 0).RecentChat, false), b.personality.Name, chooseOne)
}

// ChatPrompt renders the prompt for replying to one chat message.
func (b *PromptBuilder) ChatPrompt(msg types.ParsedMessage, snap state.Snapshot) string {
	var notes string
	if msg.MentionsBot {
		notes += "\n**They mentioned you directly!**"
	}
	if snap.GameActive {
		notes += "\n(Note: Streamer seems focused on gameplay right now)"
	}
	return fmt.Sprintf(`## Chat Message to Respond To:

%s: %s%s

---

As %s, respond naturally and in character. Keep it:
- Conversational and friendly
- Brief (1-2 sentences usually)
- Appropriate to the moment

If this is a question for the streamer, you can relay it to them.
If it's directed at you, answer directly.

%s`, msg.Author, msg.Text, notes, b.personality.Name, chooseOne)
}

// GameEventPrompt renders the prompt for reacting to something in the game.
func (b *PromptBuilder) GameEventPrompt(description string) string {
	return fmt.Sprintf(`## Something Happened in the Game!

%s

---

As %s, react to this moment naturally. You can:
- Show excitement or surprise
- Make a quick comment
- Change your expression
- Just observe quietly if it's not that significant

Keep reactions brief and genuine. Don't over-explain what just happened.

%s`, description, b.personality.Name, chooseOne)
}

// OperatorPrompt renders the prompt for answering the streamer directly.
func (b *PromptBuilder) OperatorPrompt(text string, snap state.Snapshot) string {
	return fmt.Sprintf(`## The Streamer Said To You:

%q

## What's Happening:
%s

---

As %s, respond naturally. This is your highest priority - they're directly engaging with you!

Respond conversationally, like you're chatting with a friend.

%s`, text, describeScene(snap), b.personality.Name, chooseOne)
}

// EstimateTokens approximates the token count of text at four characters per
// token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func formatChat(chat []state.ChatEntry, withPriority bool) string {
	if len(chat) == 0 {
		return "No recent messages"
	}
	lines := make([]string, len(chat))
	for i, m := range chat {
		if withPriority && m.Priority != "" {
			lines[i] = fmt.Sprintf("  [%s] %s: %s", m.Priority, m.Author, m.Text)
		} else {
			lines[i] = fmt.Sprintf("  %s: %s", m.Author, m.Text)
		}
	}
	return strings.Join(lines, "\n")
}

func describeScene(snap state.Snapshot) string {
	if !snap.GameActive {
		return "The streamer is not in a game right now."
	}
	desc := fmt.Sprintf("Playing %s. Goal: %s.", snap.GameName, snap.GameGoal)
	if len(snap.RecentOutcomes) > 0 {
		desc += " Recently: " + strings.Join(snap.RecentOutcomes, "; ") + "."
	}
	return desc
}
