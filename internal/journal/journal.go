// Package journal persists dispatched actions and API usage to SQLite and
// summarizes what a session cost.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Pricing used for cost estimates, in USD.
const (
	InputTokenPrice  = 0.003   // per 1K input tokens
	OutputTokenPrice = 0.015   // per 1K output tokens
	TTSCharPrice     = 0.00003 // per synthesized character

	// TokensPerDecision approximates context plus response for one decision.
	TokensPerDecision = 1500
	// TTSCacheRatio is the share of synthesized speech assumed to be billed.
	TTSCacheRatio = 0.5
)

// Usage kinds stored in the usage table.
const (
	UsageDecision = "decision"
	UsageTTS      = "tts"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("journal: closed")

// Schema is applied on open. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	content     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);

CREATE TABLE IF NOT EXISTS usage (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	model          TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	characters     INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage(created_at);
`

// Store is the SQLite-backed journal. It satisfies the dispatcher's action
// recorder and both the decision and speech usage recorders.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy io.Reader
	closed  bool
}

// Open opens or creates the journal at dsn. A file path has its parent
// directory created. Stale WAL files left by a crashed process are removed
// and the open retried once.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("journal")

	if path := dbPathFromDSN(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	s, err := openStore(dsn, logger)
	if err == nil {
		return s, nil
	}
	if !isRecoverableWALError(err) {
		return nil, err
	}
	path := dbPathFromDSN(dsn)
	if path == "" || !isWALStale(path) {
		return nil, err
	}
	removeStaleWAL(path, logger)

	s, retryErr := openStore(dsn, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	logger.Warn("recovered from stale WAL files", zap.String("path", path))
	return s, nil
}

func openStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL keeps the usage report from blocking it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:      db,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func (s *Store) newID(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String(), nil
}

// RecordAction appends one dispatched action and its outcome.
func (s *Store) RecordAction(ctx context.Context, kind types.ActionKind, content, outcome string) error {
	at := s.now()
	id, err := s.newID(at)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, kind, content, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(kind), content, outcome, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// RecordUsage appends token usage for one decision call.
func (s *Store) RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int) error {
	return s.insertUsage(ctx, UsageDecision, model, inputTokens, outputTokens, 0)
}

// RecordTTS appends the characters sent for one synthesis.
func (s *Store) RecordTTS(ctx context.Context, chars int) error {
	return s.insertUsage(ctx, UsageTTS, "", 0, 0, chars)
}

func (s *Store) insertUsage(ctx context.Context, kind, model string, in, out, chars int) error {
	at := s.now()
	id, err := s.newID(at)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage (id, kind, model, input_tokens, output_tokens, characters, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, kind, model, in, out, chars, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s usage: %w", kind, err)
	}
	return nil
}

// ActionEntry is one journaled action.
type ActionEntry struct {
	ID      string
	Kind    types.ActionKind
	Content string
	Outcome string
	At      time.Time
}

// RecentActions returns up to limit actions, newest first.
func (s *Store) RecentActions(ctx context.Context, limit int) ([]ActionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, content, outcome, created_at FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionEntry
	for rows.Next() {
		var (
			e    ActionEntry
			kind string
			ms   int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Content, &e.Outcome, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		e.Kind = types.ActionKind(kind)
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates journal rows since a point in time.
type Summary struct {
	Since          time.Time                `json:"since"`
	Actions        int                      `json:"actions"`
	ActionsByKind  map[types.ActionKind]int `json:"actions_by_kind"`
	FailedActions  int                      `json:"failed_actions"`
	DroppedActions int                      `json:"dropped_actions"`
	Decisions      int                      `json:"decisions"`
	InputTokens    int64                    `json:"input_tokens"`
	OutputTokens   int64                    `json:"output_tokens"`
	TTSCharacters  int64                    `json:"tts_characters"`
	DecisionCost   float64                  `json:"decision_cost"`
	TTSCost        float64                  `json:"tts_cost"`
	TotalCost      float64                  `json:"total_cost"`
}

// Summary returns counts and estimated cost for rows recorded at or after
// since. A zero since covers the whole journal.
func (s *Store) Summary(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{Since: since, ActionsByKind: make(map[types.ActionKind]int)}
	from := int64(0)
	if !since.IsZero() {
		from = since.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, outcome, COUNT(*) FROM actions WHERE created_at >= ? GROUP BY kind, outcome`, from)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize actions: %w", err)
	}
	for rows.Next() {
		var kind, outcome string
		var n int
		if err := rows.Scan(&kind, &outcome, &n); err != nil {
			rows.Close()
			return sum, fmt.Errorf("failed to scan action summary: %w", err)
		}
		sum.Actions += n
		sum.ActionsByKind[types.ActionKind(kind)] += n
		switch outcome {
		case "failed":
			sum.FailedActions += n
		case "dropped":
			sum.DroppedActions += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return sum, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(characters), 0)
		FROM usage WHERE created_at >= ?`, UsageDecision, from).
		Scan(&sum.Decisions, &sum.InputTokens, &sum.OutputTokens, &sum.TTSCharacters)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize usage: %w", err)
	}

	sum.DecisionCost = DecisionCost(sum.InputTokens, sum.OutputTokens)
	sum.TTSCost = float64(sum.TTSCharacters) * TTSCharPrice
	sum.TotalCost = sum.DecisionCost + sum.TTSCost
	return sum, nil
}

// DecisionCost prices a token count.
func DecisionCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*InputTokenPrice + float64(outputTokens)/1000*OutputTokenPrice
}

// HourlyEstimate projects one hour of streaming.
type HourlyEstimate struct {
	DecisionsPerHour float64 `json:"decisions_per_hour"`
	TokensPerHour    float64 `json:"tokens_per_hour"`
	CharsPerHour     float64 `json:"chars_per_hour"`
	DecisionCost     float64 `json:"decision_cost"`
	TTSCost          float64 `json:"tts_cost"`
	TTSCostCached    float64 `json:"tts_cost_cached"`
	TotalCost        float64 `json:"total_cost"`
}

// EstimateHourlyCost projects hourly cost from a decision rate. Tokens are
// priced at the mean of input and output rates; TTS assumes half of the
// speech is served from cache.
func EstimateHourlyCost(decisionsPerMinute, wordsPerDecision, charsPerWord float64) HourlyEstimate {
	perHour := decisionsPerMinute * 60
	tokens := perHour * TokensPerDecision
	chars := perHour * wordsPerDecision * charsPerWord
	est := HourlyEstimate{
		DecisionsPerHour: perHour,
		TokensPerHour:    tokens,
		CharsPerHour:     chars,
		DecisionCost:     tokens / 1000 * (InputTokenPrice + OutputTokenPrice) / 2,
		TTSCost:          chars * TTSCharPrice,
	}
	est.TTSCostCached = est.TTSCost * TTSCacheRatio
	est.TotalCost = est.DecisionCost + est.TTSCostCached
	return est
}

// Close closes the database. Further writes return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -shm/-wal files exist and no process holds
// them open. Without lsof nothing is considered stale.
func isWALStale(dbPath string) bool {
	shm, wal := dbPath+"-shm", dbPath+"-wal"
	if !fileExists(shm) && !fileExists(wal) {
		return false
	}
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	out, err := exec.Command(lsof, "-t", dbPath, shm, wal).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open.
		return true
	}
	return strings.TrimSpace(string(out)) == ""
}

func removeStaleWAL(dbPath string, logger *zap.Logger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove stale WAL file", zap.String("path", path), zap.Error(err))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
