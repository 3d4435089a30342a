package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T) (*Parser, *time.Time) {
	t.Helper()
	p, err := NewParser(ParserConfig{Names: []string{"CUDA-chan", "cuda"}})
	require.NoError(t, err)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestParser_Parse(t *testing.T) {
	p, _ := newTestParser(t)

	tests := []struct {
		name     string
		msg      types.ChatMessage
		mentions bool
		command  string
		args     []string
		intent   string
		question bool
		priority types.Priority
		respond  bool
	}{
		{
			name:     "mention and question",
			msg:      types.ChatMessage{Author: "u1", Text: "Hey CUDA-chan, how are you?"},
			mentions: true, intent: IntentGreeting, question: true,
			priority: types.PriorityHigh, respond: true,
		},
		{
			name:    "command",
			msg:     types.ChatMessage{Author: "u2", Text: "!Play tetris now"},
			command: "play", args: []string{"tetris", "now"}, intent: IntentGameRelated,
			priority: types.PriorityHigh, respond: true,
		},
		{
			name:     "suggestion",
			msg:      types.ChatMessage{Author: "u3", Text: "You should try Minecraft"},
			intent:   IntentSuggestion,
			priority: types.PriorityMedium,
		},
		{
			name:     "at mention",
			msg:      types.ChatMessage{Author: "u4", Text: "@bot nice run"},
			mentions: true, intent: IntentEncouragement,
			priority: types.PriorityHigh, respond: true,
		},
		{
			name:     "owner outranks everything",
			msg:      types.ChatMessage{Author: "streamer", Text: "what's next?", IsOwner: true},
			intent:   IntentQuestion, question: true,
			priority: types.PriorityCritical, respond: true,
		},
		{
			name:     "moderator general chat",
			msg:      types.ChatMessage{Author: "mod", Text: "lol", IsModerator: true},
			intent:   IntentGeneral,
			priority: types.PriorityMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := p.Parse(tt.msg)
			assert.Equal(t, tt.mentions, pm.MentionsBot)
			assert.Equal(t, tt.command != "", pm.IsCommand)
			assert.Equal(t, tt.command, pm.Command)
			assert.Equal(t, tt.args, pm.CommandArgs)
			assert.Equal(t, tt.intent, pm.Intent)
			assert.Equal(t, tt.question, pm.IsQuestion)
			assert.Equal(t, tt.priority, pm.Priority)
			assert.False(t, pm.IsSpam)
			assert.Equal(t, tt.respond, p.ShouldRespond(pm))
		})
	}
}

func TestParser_SpamBurst(t *testing.T) {
	p, now := newTestParser(t)

	for i := 0; i < 3; i++ {
		assert.False(t, p.Parse(types.ChatMessage{Author: "fast", Text: fmt.Sprintf("msg %d", i)}).IsSpam)
		*now = now.Add(time.Second)
	}
	burst := p.Parse(types.ChatMessage{Author: "fast", Text: "msg 3 cuda?"})
	assert.True(t, burst.IsSpam)
	assert.False(t, p.ShouldRespond(burst))

	*now = now.Add(10 * time.Second)
	assert.False(t, p.Parse(types.ChatMessage{Author: "fast", Text: "calm now"}).IsSpam)
}

func TestParser_RepeatIsSpam(t *testing.T) {
	p, now := newTestParser(t)

	assert.False(t, p.Parse(types.ChatMessage{Author: "echo", Text: "spam"}).IsSpam)
	*now = now.Add(time.Second)
	assert.True(t, p.Parse(types.ChatMessage{Author: "echo", Text: "spam"}).IsSpam)
	assert.False(t, p.Parse(types.ChatMessage{Author: "other", Text: "spam"}).IsSpam)

	*now = now.Add(time.Minute)
	assert.False(t, p.Parse(types.ChatMessage{Author: "echo", Text: "spam"}).IsSpam)
}

func TestParser_AuthorHistoryIsBounded(t *testing.T) {
	p, err := NewParser(ParserConfig{MaxAuthors: 2})
	require.NoError(t, err)
	for _, a := range []string{"a", "b", "c"} {
		p.IsSpam(a, "hi")
	}
	assert.Equal(t, 2, p.TrackedAuthors())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, SentimentPositive, Sentiment("that was awesome, love it"))
	assert.Equal(t, SentimentNegative, Sentiment("boring and bad"))
	assert.Equal(t, SentimentNeutral, Sentiment("ok"))

	game, ok := GameSuggestion("you should play Tetris")
	require.True(t, ok)
	assert.Equal(t, "tetris", game)
	game, ok = GameSuggestion("let's play celeste")
	require.True(t, ok)
	assert.Equal(t, "celeste", game)
	_, ok = GameSuggestion("hello")
	assert.False(t, ok)
}

func TestYouTubePoller_Run(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vid123", r.URL.Query().Get("id"))
		assert.Equal(t, "key", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"items":[{"liveStreamingDetails":{"activeLiveChatId":"chat-1"}}]}`))
	})
	mux.HandleFunc("/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "chat-1", r.URL.Query().Get("liveChatId"))
		switch r.URL.Query().Get("pageToken") {
		case "":
			_, _ = w.Write([]byte(`{"nextPageToken":"p2","pollingIntervalMillis":100,"items":[
				{"snippet":{"displayMessage":"old message","publishedAt":"2025-01-01T11:00:00Z"},
				 "authorDetails":{"channelId":"c0","displayName":"early"}}]}`))
		case "p2":
			_, _ = w.Write([]byte(`{"nextPageToken":"p3","pollingIntervalMillis":5000,"items":[
				{"snippet":{"displayMessage":"hello everyone","publishedAt":"2025-01-01T12:00:00Z"},
				 "authorDetails":{"channelId":"c1","displayName":"viewer"}},
				{"snippet":{"displayMessage":"hi cuda!","publishedAt":"2025-01-01T12:00:01Z"},
				 "authorDetails":{"channelId":"c2","displayName":"fan","isChatSponsor":true}}]}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"message":"The live chat is no longer live."}}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	parser, err := NewParser(ParserConfig{Names: []string{"cuda"}})
	require.NoError(t, err)
	y := NewYouTubePoller(YouTubeConfig{APIKey: "key", VideoID: "vid123", BaseURL: srv.URL}, parser)
	var waits []time.Duration
	y.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	q := queue.New(10, nil)
	err = y.Run(context.Background(), q)
	assert.ErrorIs(t, err, ErrChatUnavailable)

	require.Equal(t, 2, q.Len())
	first, _ := q.TryDequeue()
	assert.Equal(t, types.PriorityHigh, first.Priority)
	assert.Equal(t, types.EventChatMessage, first.Kind)
	pm := first.Payload.(types.ParsedMessage)
	assert.Equal(t, "fan", pm.Author)
	assert.True(t, pm.IsMember)
	assert.True(t, pm.MentionsBot)

	second, _ := q.TryDequeue()
	assert.Equal(t, types.PriorityMedium, second.Priority)
	assert.Equal(t, "viewer", second.Payload.(types.ParsedMessage).Author)

	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, waits)
	assert.Equal(t, PollerStats{Received: 2, Enqueued: 2, ActiveUsers: 2}, y.Stats())
}

func TestYouTubePoller_NotLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	parser, err := NewParser(ParserConfig{})
	require.NoError(t, err)
	y := NewYouTubePoller(YouTubeConfig{APIKey: "key", VideoID: "gone", BaseURL: srv.URL}, parser)
	assert.ErrorIs(t, y.Run(context.Background(), queue.New(1, nil)), ErrChatUnavailable)

	empty := NewYouTubePoller(YouTubeConfig{}, parser)
	assert.ErrorIs(t, empty.Run(context.Background(), queue.New(1, nil)), ErrChatUnavailable)
}

func TestYouTubePoller_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/videos" {
			_, _ = w.Write([]byte(`{"items":[{"liveStreamingDetails":{"activeLiveChatId":"c"}}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	parser, err := NewParser(ParserConfig{})
	require.NoError(t, err)
	y := NewYouTubePoller(YouTubeConfig{APIKey: "key", VideoID: "v", BaseURL: srv.URL, ErrorBackoff: time.Millisecond}, parser)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, y.Run(ctx, queue.New(1, nil)))
}
