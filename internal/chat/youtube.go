package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// ErrChatUnavailable is returned when the video has no active live chat or
// the chat has ended.
var ErrChatUnavailable = errors.New("chat: live chat unavailable")

// YouTubeConfig configures a YouTubePoller.
type YouTubeConfig struct {
	APIKey  string
	VideoID string
	BaseURL string // default: https://www.googleapis.com/youtube/v3
	// MinPollInterval is the floor under the interval the API asks for.
	// Default: 2s
	MinPollInterval time.Duration
	// ErrorBackoff is the wait after a failed poll. Default: 5s
	ErrorBackoff time.Duration
	Timeout      time.Duration // per request, default: 15s
	Logger       *zap.Logger
}

// PollerStats are chat ingestion counters.
type PollerStats struct {
	Received    int `json:"received"`
	Enqueued    int `json:"enqueued"`
	Dropped     int `json:"dropped"`
	ActiveUsers int `json:"active_users"`
}

// YouTubePoller polls the YouTube Data API live chat endpoint and enqueues
// every new message at the parser's priority. Messages already in the chat
// when polling starts are skipped.
type YouTubePoller struct {
	cfg    YouTubeConfig
	parser *Parser
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats PollerStats
	users map[string]struct{}
}

// NewYouTubePoller creates a poller that parses messages with parser.
func NewYouTubePoller(cfg YouTubeConfig, parser *Parser) *YouTubePoller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &YouTubePoller{
		cfg:    cfg,
		parser: parser,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.Named("youtube"),
		sleep:  sleepContext,
		users:  make(map[string]struct{}),
	}
}

// Name identifies the producer.
func (y *YouTubePoller) Name() string { return "youtube_chat" }

type videosResponse struct {
	Items []struct {
		LiveStreamingDetails struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

type chatMessagesResponse struct {
	NextPageToken         string `json:"nextPageToken"`
	PollingIntervalMillis int    `json:"pollingIntervalMillis"`
	Items                 []struct {
		Snippet struct {
			DisplayMessage string    `json:"displayMessage"`
			PublishedAt    time.Time `json:"publishedAt"`
		} `json:"snippet"`
		AuthorDetails struct {
			ChannelID       string `json:"channelId"`
			DisplayName     string `json:"displayName"`
			IsChatOwner     bool   `json:"isChatOwner"`
			IsChatSponsor   bool   `json:"isChatSponsor"`
			IsChatModerator bool   `json:"isChatModerator"`
		} `json:"authorDetails"`
	} `json:"items"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("youtube returned status %d: %s", e.status, types.Truncate(e.body, 200))
}

// Run polls until ctx ends. It returns early only when the live chat cannot
// be found or has ended.
func (y *YouTubePoller) Run(ctx context.Context, q queue.Enqueuer) error {
	chatID, err := y.liveChatID(ctx)
	if err != nil {
		return err
	}
	y.logger.Info("chat monitor started", zap.String("video_id", y.cfg.VideoID), zap.String("live_chat_id", chatID))

	pageToken := ""
	first := true
	for {
		page, err := y.fetch(ctx, chatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var se *statusError
			if errors.As(err, &se) && (se.status == http.StatusForbidden || se.status == http.StatusNotFound) {
				return fmt.Errorf("%w: %v", ErrChatUnavailable, err)
			}
			y.logger.Error("error getting chat messages", zap.Error(err))
			if err := y.sleep(ctx, y.cfg.ErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		if first {
			y.logger.Debug("skipping chat backlog", zap.Int("messages", len(page.Items)))
			first = false
		} else {
			for _, item := range page.Items {
				y.deliver(q, types.ChatMessage{
					Author:      item.AuthorDetails.DisplayName,
					AuthorID:    item.AuthorDetails.ChannelID,
					Text:        item.Snippet.DisplayMessage,
					Timestamp:   item.Snippet.PublishedAt,
					IsMember:    item.AuthorDetails.IsChatSponsor,
					IsModerator: item.AuthorDetails.IsChatModerator,
					IsOwner:     item.AuthorDetails.IsChatOwner,
				})
			}
		}
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
		}

		wait := max(y.cfg.MinPollInterval, time.Duration(page.PollingIntervalMillis)*time.Millisecond)
		if err := y.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (y *YouTubePoller) deliver(q queue.Enqueuer, msg types.ChatMessage) {
	pm := y.parser.Parse(msg)
	ev := types.NewEvent(types.EventChatMessage, pm.Priority, y.Name(), pm)
	ok := q.TryEnqueue(ev)

	y.mu.Lock()
	y.stats.Received++
	y.users[msg.Author] = struct{}{}
	if ok {
		y.stats.Enqueued++
	} else {
		y.stats.Dropped++
	}
	y.mu.Unlock()

	if !ok {
		y.logger.Warn("queue full, dropping chat message", zap.String("author", msg.Author))
	}
}

func (y *YouTubePoller) liveChatID(ctx context.Context) (string, error) {
	if y.cfg.VideoID == "" {
		return "", fmt.Errorf("%w: no video ID configured", ErrChatUnavailable)
	}
	var resp videosResponse
	err := y.get(ctx, "/videos", url.Values{
		"part": {"liveStreamingDetails"},
		"id":   {y.cfg.VideoID},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("chat: look up video %s: %w", y.cfg.VideoID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails.ActiveLiveChatID == "" {
		return "", fmt.Errorf("%w: video %s not found or not live", ErrChatUnavailable, y.cfg.VideoID)
	}
	return resp.Items[0].LiveStreamingDetails.ActiveLiveChatID, nil
}

func (y *YouTubePoller) fetch(ctx context.Context, chatID, pageToken string) (chatMessagesResponse, error) {
	params := url.Values{
		"liveChatId": {chatID},
		"part":       {"snippet,authorDetails"},
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	var resp chatMessagesResponse
	err := y.get(ctx, "/liveChat/messages", params, &resp)
	return resp, err
}

func (y *YouTubePoller) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", y.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, "GET", y.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &statusError{status: resp.StatusCode, body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Stats returns ingestion counters.
func (y *YouTubePoller) Stats() PollerStats {
	y.mu.Lock()
	defer y.mu.Unlock()
	s := y.stats
	s.ActiveUsers = len(y.users)
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
