package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// ErrClosed is returned by Speak after Close, and delivered to utterances
// still queued when the manager closes.
var ErrClosed = errors.New("speech: manager closed")

// ErrEmptyText is returned by Speak for blank text.
var ErrEmptyText = errors.New("speech: empty text")

const (
	// DefaultMaxChars caps a single utterance.
	DefaultMaxChars = 500

	wordsPerMinute = 150
	charsPerWord   = 5
	minDuration    = time.Second
)

// UsageRecorder receives the character count of every synthesized line.
type UsageRecorder interface {
	RecordTTS(ctx context.Context, chars int) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxChars  int // default: 500
	QueueSize int // default: 8
	Usage     UsageRecorder
	Logger    *zap.Logger
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Characters int64 `json:"characters"`
	Speaking   bool  `json:"speaking"`
	Queued     int   `json:"queued"`
}

type utterance struct {
	text  string
	audio []byte
	done  chan error
}

// Manager synthesizes lines and plays them in order on a single worker.
type Manager struct {
	synth    Synthesizer
	player   Player
	maxChars int
	usage    UsageRecorder
	logger   *zap.Logger

	queue  chan utterance
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	speaking   atomic.Bool
	pending    atomic.Int64
	characters atomic.Int64
}

// NewManager starts the playback worker. Close must be called to stop it.
func NewManager(synth Synthesizer, player Player, cfg ManagerConfig) *Manager {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		synth:    synth,
		player:   player,
		maxChars: cfg.MaxChars,
		usage:    cfg.Usage,
		logger:   cfg.Logger.Named("speech"),
		queue:    make(chan utterance, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(1)
	go m.playbackWorker()
	m.logger.Info("speech manager started", zap.Int("max_chars", cfg.MaxChars))
	return m
}

// Speak synthesizes text and queues it for playback. The returned channel
// receives the playback result once and is then closed. Synthesis errors are
// returned directly.
func (m *Manager) Speak(ctx context.Context, text string) (<-chan error, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	if utf8.RuneCountInString(text) > m.maxChars {
		m.logger.Warn("text too long, truncating", zap.Int("chars", utf8.RuneCountInString(text)))
		text = string([]rune(text)[:m.maxChars])
	}

	audio, err := m.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	chars := utf8.RuneCountInString(text)
	m.characters.Add(int64(chars))
	if m.usage != nil {
		if err := m.usage.RecordTTS(ctx, chars); err != nil {
			m.logger.Warn("failed to record TTS usage", zap.Error(err))
		}
	}

	u := utterance{text: text, audio: audio, done: make(chan error, 1)}
	if err := m.enqueue(ctx, u); err != nil {
		return nil, err
	}
	m.logger.Info("queued speech", zap.String("text", types.Truncate(text, 50)))
	return u.done, nil
}

func (m *Manager) enqueue(ctx context.Context, u utterance) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.pending.Add(1)
	select {
	case m.queue <- u:
		return nil
	case <-ctx.Done():
		m.pending.Add(-1)
		return ctx.Err()
	case <-m.ctx.Done():
		m.pending.Add(-1)
		return ErrClosed
	}
}

func (m *Manager) playbackWorker() {
	defer m.wg.Done()
	m.logger.Info("playback worker started")
	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("playback worker stopped")
			return
		case u := <-m.queue:
			m.play(u)
		}
	}
}

func (m *Manager) play(u utterance) {
	m.speaking.Store(true)
	defer func() {
		m.speaking.Store(false)
		m.pending.Add(-1)
	}()

	m.logger.Debug("playing", zap.String("text", types.Truncate(u.text, 50)))
	err := m.player.Play(m.ctx, u.audio)
	if err != nil {
		if m.ctx.Err() != nil {
			err = ErrClosed
		} else {
			m.logger.Error("audio playback failed", zap.Error(err))
			err = fmt.Errorf("speech: playback: %w", err)
		}
	}
	u.done <- err
	close(u.done)
}

// IsBusy reports whether audio is playing or queued.
func (m *Manager) IsBusy() bool {
	return m.speaking.Load() || m.pending.Load() > 0
}

// Characters returns the number of characters synthesized so far.
func (m *Manager) Characters() int64 {
	return m.characters.Load()
}

// Stats returns usage statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Characters: m.characters.Load(),
		Speaking:   m.speaking.Load(),
		Queued:     len(m.queue),
	}
}

// EstimateDuration estimates spoken duration at 150 words per minute and
// five characters per word, never less than one second.
func (m *Manager) EstimateDuration(text string) time.Duration {
	return EstimateDuration(text)
}

// EstimateDuration is the package-level form of Manager.EstimateDuration.
func EstimateDuration(text string) time.Duration {
	chars := float64(utf8.RuneCountInString(text))
	d := time.Duration(chars * float64(time.Minute) / (charsPerWord * wordsPerMinute))
	return max(minDuration, d)
}

// Close stops playback, fails queued utterances with ErrClosed and waits
// for the worker to exit. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	for {
		select {
		case u := <-m.queue:
			m.pending.Add(-1)
			u.done <- ErrClosed
			close(u.done)
		default:
			m.logger.Info("speech manager closed", zap.Int64("characters", m.characters.Load()))
			return nil
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
