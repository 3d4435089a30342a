package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	"nhooyr.io/websocket/wsjson"
)

// ErrNotConnected is returned by requests made without an authenticated
// connection.
var ErrNotConnected = errors.New("avatar: not connected to VTube Studio")

const (
	apiName    = "VTubeStudioPublicAPI"
	apiVersion = "1.0"
)

// Config configures a VTubeClient.
type Config struct {
	Host       string
	Port       int
	URL        string // overrides Host and Port when set
	Token      string
	PluginName string
	Developer  string
	UseHotkeys bool

	MaxAttempts    int
	RequestTimeout time.Duration
	// ReconnectInterval is the minimum gap between reconnects after a
	// failed one.
	ReconnectInterval time.Duration
	Logger            *zap.Logger
}

type apiRequest struct {
	APIName     string `json:"apiName"`
	APIVersion  string `json:"apiVersion"`
	RequestID   string `json:"requestID"`
	MessageType string `json:"messageType"`
	Data        any    `json:"data"`
}

type apiResponse struct {
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

type apiErrorData struct {
	ErrorID int    `json:"errorID"`
	Message string `json:"message"`
}

type parameterValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// VTubeClient talks to VTube Studio. Requests are serialized: each one is
// written and its response read before the next is sent.
type VTubeClient struct {
	cfg    Config
	url    string
	mapper *ExpressionMapper
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	reconnectMu   sync.Mutex
	lastReconnect time.Time // last failed reconnect, zero after a success

	mu            sync.Mutex
	conn          *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	token         string
	authenticated bool
	active        bool // set by a successful Connect, cleared by Close
	nextID        uint64
}

// NewVTubeClient creates a client. Connect must be called before use.
func NewVTubeClient(cfg Config, mapper *ExpressionMapper) *VTubeClient {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8001
	}
	if cfg.PluginName == "" {
		cfg.PluginName = "Sidekick"
	}
	if cfg.Developer == "" {
		cfg.Developer = "Sidekick"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if mapper == nil {
		mapper = NewExpressionMapper()
	}
	url := cfg.URL
	if url == "" {
		url = "ws://" + cfg.Host + ":" + strconv.Itoa(cfg.Port)
	}
	return &VTubeClient{
		cfg:    cfg,
		url:    url,
		mapper: mapper,
		logger: cfg.Logger.Named("vtube"),
		sleep:  sleepContext,
		now:    time.Now,
		token:  cfg.Token,
	}
}

// Connect dials and authenticates, retrying with 1s, 2s, 4s... backoff.
func (c *VTubeClient) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		c.logger.Info("connecting to VTube Studio",
			zap.String("url", c.url),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.MaxAttempts))

		if lastErr = c.connectOnce(ctx); lastErr == nil {
			c.mu.Lock()
			c.active = true
			c.mu.Unlock()
			c.logger.Info("connected and authenticated with VTube Studio")
			return nil
		}
		c.logger.Warn("VTube Studio connection attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		c.drop(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		if err := c.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
			return err
		}
	}
	return fmt.Errorf("avatar: connect to %s failed after %d attempts: %w", c.url, c.cfg.MaxAttempts, lastErr)
}

func (c *VTubeClient) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	if c.currentToken() == "" {
		if err := c.requestToken(ctx); err != nil {
			return err
		}
	}
	return c.authenticate(ctx)
}

func (c *VTubeClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *VTubeClient) requestToken(ctx context.Context) error {
	var resp struct {
		AuthenticationToken string `json:"authenticationToken"`
	}
	err := c.request(ctx, "AuthenticationTokenRequest", map[string]any{
		"pluginName":      c.cfg.PluginName,
		"pluginDeveloper": c.cfg.Developer,
	}, &resp, false)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	if resp.AuthenticationToken == "" {
		return errors.New("token request: no token granted")
	}

	c.mu.Lock()
	c.token = resp.AuthenticationToken
	c.mu.Unlock()
	c.logger.Warn("received a new VTube Studio token; store it as SIDEKICK_VTUBE_TOKEN",
		zap.String("token", resp.AuthenticationToken))
	return nil
}

func (c *VTubeClient) authenticate(ctx context.Context) error {
	var resp struct {
		Authenticated bool   `json:"authenticated"`
		Reason        string `json:"reason"`
	}
	err := c.request(ctx, "AuthenticationRequest", map[string]any{
		"pluginName":          c.cfg.PluginName,
		"pluginDeveloper":     c.cfg.Developer,
		"authenticationToken": c.currentToken(),
	}, &resp, false)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if !resp.Authenticated {
		return fmt.Errorf("authenticate: rejected: %s", resp.Reason)
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// request sends one API message and decodes the matching response data into
// out. requireAuth rejects the call before authentication.
func (c *VTubeClient) request(ctx context.Context, messageType string, data map[string]any, out any, requireAuth bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || (requireAuth && !c.authenticated) {
		return ErrNotConnected
	}
	// A context that is already done never reaches the socket, so the
	// connection stays usable for the next caller.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("avatar: %s: %w", messageType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if data == nil {
		data = map[string]any{}
	}
	if requireAuth && c.token != "" {
		data["authenticationToken"] = c.token
	}
	c.nextID++
	req := apiRequest{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   strconv.FormatUint(c.nextID, 10),
		MessageType: messageType,
		Data:        data,
	}

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.dropLocked(websocket.StatusInternalError, "request failed") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		return fmt.Errorf("avatar: write %s: %w", messageType, err)
	}

	for {
		var resp apiResponse
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			c.dropLocked(websocket.StatusInternalError, "request failed") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return fmt.Errorf("avatar: read %s response: %w", messageType, err)
		}
		if resp.RequestID != req.RequestID {
			// Event messages and stale responses are skipped.
			continue
		}
		if resp.MessageType == "APIError" {
			var apiErr apiErrorData
			_ = json.Unmarshal(resp.Data, &apiErr)
			return fmt.Errorf("avatar: %s failed: error %d: %s", messageType, apiErr.ErrorID, apiErr.Message)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("avatar: decode %s response: %w", messageType, err)
			}
		}
		return nil
	}
}

// dropLocked discards the connection without clearing active, so the next
// authenticated call reconnects.
func (c *VTubeClient) dropLocked(code websocket.StatusCode, reason string) { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
	}
	c.conn = nil
	c.authenticated = false
}

func (c *VTubeClient) drop(code websocket.StatusCode, reason string) { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(code, reason)
}

// call sends an authenticated request. When the link was lost since the last
// Connect it reconnects once and retries.
func (c *VTubeClient) call(ctx context.Context, messageType string, data map[string]any, out any) error {
	err := c.request(ctx, messageType, data, out, true)
	if !errors.Is(err, ErrNotConnected) {
		return err
	}
	if rerr := c.reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, rerr)
	}
	return c.request(ctx, messageType, data, out, true)
}

// reconnect re-runs Connect after a dropped link. It does nothing for a
// client that was never connected or was closed, and waits
// ReconnectInterval after a failed attempt before trying again.
func (c *VTubeClient) reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	live := c.conn != nil && c.authenticated
	active := c.active
	c.mu.Unlock()
	switch {
	case live:
		return nil
	case !active:
		return errors.New("client is not active")
	case !c.lastReconnect.IsZero() && c.now().Sub(c.lastReconnect) < c.cfg.ReconnectInterval:
		return errors.New("reconnect attempted recently")
	}

	c.logger.Warn("VTube Studio link lost, reconnecting")
	if err := c.Connect(ctx); err != nil {
		c.lastReconnect = c.now()
		return err
	}
	c.lastReconnect = time.Time{}
	return nil
}

// TriggerHotkey triggers a model hotkey by name or ID.
func (c *VTubeClient) TriggerHotkey(ctx context.Context, hotkey string) error {
	if err := c.call(ctx, "HotkeyTriggerRequest", map[string]any{"hotkeyID": hotkey}, nil); err != nil {
		return err
	}
	c.logger.Debug("triggered hotkey", zap.String("hotkey", hotkey))
	return nil
}

// SetParameters injects parameter values, each clamped to [-1,1].
func (c *VTubeClient) SetParameters(ctx context.Context, params map[string]float64) error {
	if len(params) == 0 {
		return nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]parameterValue, len(names))
	for i, name := range names {
		values[i] = parameterValue{ID: name, Value: Clamp(params[name])}
	}
	return c.call(ctx, "InjectParameterDataRequest", map[string]any{"parameterValues": values}, nil)
}

// SetParameter injects a single parameter value.
func (c *VTubeClient) SetParameter(ctx context.Context, name string, value float64) error {
	return c.SetParameters(ctx, map[string]float64{name: value})
}

// SetEmotion shows the expression mapped to emotion, neutral when unmapped.
func (c *VTubeClient) SetEmotion(ctx context.Context, emotion types.Emotion) error {
	exp := c.mapper.Map(emotion)
	var err error
	if c.cfg.UseHotkeys {
		err = c.TriggerHotkey(ctx, exp.Hotkey)
	} else {
		err = c.SetParameters(ctx, exp.Scaled())
	}
	if err != nil {
		return err
	}
	c.logger.Info("expression changed", zap.String("emotion", string(exp.Emotion)))
	return nil
}

// AnimateSpeaking opens the mouth for d, then resets it. The reset is sent
// even when ctx ends early.
func (c *VTubeClient) AnimateSpeaking(ctx context.Context, d time.Duration, intensity float64) error {
	params := SpeakingParameters(intensity)
	if err := c.SetParameters(ctx, params); err != nil {
		return err
	}

	_ = c.sleep(ctx, d)

	reset := make(map[string]float64, len(params))
	for name := range params {
		reset[name] = 0
	}
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.SetParameters(resetCtx, reset); err != nil {
		return err
	}
	c.logger.Debug("speaking animation completed", zap.Duration("duration", d))
	return nil
}

// HealthCheck issues an APIStateRequest.
func (c *VTubeClient) HealthCheck(ctx context.Context) error {
	return c.request(ctx, "APIStateRequest", nil, nil, false)
}

// KeepAlive runs HealthCheck every interval and reconnects when it fails, so
// a link lost while the avatar is idle is restored before the next
// expression. It returns nil when ctx ends.
func (c *VTubeClient) KeepAlive(ctx context.Context, interval time.Duration) error {
	for {
		if err := c.sleep(ctx, interval); err != nil {
			return nil
		}
		err := c.HealthCheck(ctx)
		if err == nil || ctx.Err() != nil {
			continue
		}
		c.logger.Warn("VTube Studio health check failed", zap.Error(err))
		if rerr := c.reconnect(ctx); rerr != nil {
			c.logger.Warn("VTube Studio reconnect failed", zap.Error(rerr))
		}
	}
}

// Connected reports whether the client holds an authenticated connection.
func (c *VTubeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authenticated
}

// Token returns the authentication token in use.
func (c *VTubeClient) Token() string {
	return c.currentToken()
}

// Close closes the connection. It is safe to call more than once.
func (c *VTubeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	c.conn = nil
	c.authenticated = false
	if err != nil {
		c.logger.Debug("close returned error", zap.Error(err))
	}
	c.logger.Info("disconnected from VTube Studio")
	return nil
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
