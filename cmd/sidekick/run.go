package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/sidekick/internal/avatar"
	"github.com/scrypster/sidekick/internal/chat"
	"github.com/scrypster/sidekick/internal/config"
	"github.com/scrypster/sidekick/internal/decision"
	"github.com/scrypster/sidekick/internal/dispatch"
	"github.com/scrypster/sidekick/internal/input"
	"github.com/scrypster/sidekick/internal/journal"
	"github.com/scrypster/sidekick/internal/llm"
	"github.com/scrypster/sidekick/internal/notify"
	"github.com/scrypster/sidekick/internal/orchestrator"
	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/internal/server"
	"github.com/scrypster/sidekick/internal/speech"
	"github.com/scrypster/sidekick/internal/state"
	"github.com/scrypster/sidekick/internal/voice"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// JournalFile is the journal database name inside the data directory.
const JournalFile = "sidekick.db"

// personalityDebounce coalesces editor write bursts into one reload.
const personalityDebounce = 500 * time.Millisecond

// avatarKeepAlive is how often an idle VTube Studio link is checked.
const avatarKeepAlive = 30 * time.Second

var (
	quietFlag  bool
	dryRunFlag bool
	statusAddr string
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sidekick",
		Long: "Connects to VTube Studio, starts the chat, voice and event producers and runs " +
			"the decision loop until SIGINT or SIGTERM.",
		Run: runRun,
	}
	cmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Skip the greeting and farewell")
	cmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Log control inputs instead of executing them")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Override SIDEKICK_STATUS_ADDR")

	RootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	if dryRunFlag {
		cfg.Safety.DryRun = true
	}
	if statusAddr != "" {
		cfg.System.StatusAddr = statusAddr
	}
	if err := cfg.Validate(); err != nil {
		exitErr("invalid configuration", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		exitErr("logging", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		_ = logger.Sync()
		exitErr("startup", err)
	}

	if err := orch.Run(ctx); err != nil {
		logger.Error("sidekick stopped with error", zap.Error(err))
		_ = logger.Sync()
		exitErr("run", err)
	}
	logger.Info("sidekick stopped")
}

// build wires every component into an Orchestrator. Resources opened before
// a failure are closed.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (orch *orchestrator.Orchestrator, err error) {
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	store, err := journal.Open(filepath.Join(cfg.System.DataPath, JournalFile), logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store)

	backend, err := llm.NewCompleter(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	limiter := llm.NewRateLimiter(cfg.RateLimits.DecisionMaxRPM, time.Minute, logger)
	client := llm.NewDecisionClient(backend, limiter, llm.DecisionClientConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		MaxOutputTokens: cfg.RateLimits.MaxOutputTokens,
	}, store, logger)
	brain := decision.NewEngine(client, cfg.Personality, cfg.RateLimits.MaxContextTokens, logger)

	q := queue.New(cfg.System.QueueSize, logger)
	st := state.New(logger)

	vtube := avatar.NewVTubeClient(avatar.Config{
		Host:       cfg.Avatar.Host,
		Port:       cfg.Avatar.Port,
		Token:      cfg.Avatar.Token,
		PluginName: cfg.Avatar.PluginName,
		Developer:  cfg.Avatar.Developer,
		UseHotkeys: cfg.Avatar.UseHotkeys,
		Logger:     logger,
	}, avatar.NewExpressionMapper())

	required := []orchestrator.Required{decisionBackendRequired(client)}
	var renderer dispatch.Renderer
	if cfg.Avatar.Required {
		required = append(required, orchestrator.Required{Name: "vtube_studio", Connector: vtube})
		renderer = vtube
	} else if cerr := vtube.Connect(ctx); cerr != nil {
		logger.Warn("avatar unavailable, continuing without it", zap.Error(cerr))
	} else {
		renderer = vtube
	}
	closers = append(closers, vtube)

	player, err := speech.NewCommandPlayer(cfg.Speech.PlayerCommand, "", logger)
	if err != nil {
		return nil, err
	}
	speaker := speech.NewManager(speech.NewElevenLabsClient(speech.ElevenLabsConfig{
		APIKey:  cfg.Speech.ElevenLabsAPIKey,
		VoiceID: cfg.Personality.Voice.VoiceID,
		ModelID: cfg.Speech.ModelID,
		Voice:   cfg.Personality.Voice,
		Logger:  logger,
	}), player, speech.ManagerConfig{
		MaxChars: cfg.Speech.MaxChars,
		Usage:    store,
		Logger:   logger,
	})
	closers = append(closers, speaker)

	var executor input.Executor
	switch {
	case !cfg.Safety.EnableInput:
		logger.Info("control input disabled")
	case cfg.Safety.DryRun:
		executor = input.NewDryRunExecutor(logger)
	default:
		executor = input.NewXdotoolExecutor("", logger)
	}

	parser, err := chat.NewParser(chat.ParserConfig{
		Names:  cfg.Personality.MentionNames(),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	stats := map[string]orchestrator.StatsFunc{
		"decisions": func() any { return client.Stats() },
		"speech":    func() any { return speaker.Stats() },
	}

	var producers []orchestrator.Producer
	if cfg.YouTube.VideoID != "" {
		poller := chat.NewYouTubePoller(chat.YouTubeConfig{
			APIKey:          cfg.YouTube.APIKey,
			VideoID:         cfg.YouTube.VideoID,
			MinPollInterval: cfg.YouTube.PollInterval,
			Logger:          logger,
		}, parser)
		producers = append(producers, poller)
		stats["chat"] = func() any { return poller.Stats() }
	}
	if cfg.Voice.Enabled {
		producers = append(producers, voiceProducer(cfg.Voice.Source, logger))
	}
	if renderer != nil {
		producers = append(producers, orchestrator.NewProducer("avatar_keepalive",
			func(ctx context.Context, _ queue.Enqueuer) error { return vtube.KeepAlive(ctx, avatarKeepAlive) }))
	}
	producers = append(producers, notify.NewEventWatcher(cfg.System.DataPath, logger))
	if cfg.System.WatchPersonality && cfg.System.PersonalityPath != "" {
		producers = append(producers, notify.NewPersonalityWatcher(cfg.System.PersonalityPath, personalityDebounce, logger))
	}

	dcfg := dispatch.Config{
		Speaker:            speaker,
		Renderer:           renderer,
		Executor:           executor,
		Recorder:           store,
		MaxInputsPerSecond: cfg.Safety.MaxActionsPerSecond,
		Logger:             logger,
	}
	ocfg := orchestrator.Config{
		TickInterval:    cfg.System.TickInterval,
		IdleProbability: cfg.System.IdleProbability,
		DecisionTimeout: cfg.System.DecisionTimeout,
		ShutdownTimeout: cfg.System.ShutdownTimeout,
		StatsInterval:   cfg.System.StatsInterval,
		Quiet:           quietFlag,
		Personality:     cfg.Personality,
		Required:        required,
		ChatFilter:      parser,
		Stats:           stats,
		Logger:          logger,
	}
	if cfg.System.IdleProbability == 0 {
		ocfg.IdleProbability = -1
	}

	// Speech stops before the avatar it animates; the journal closes last.
	ocfg.Closers = []io.Closer{speaker, vtube}
	if cfg.System.StatusAddr != "" {
		srv := server.New(server.Config{
			Addr:   cfg.System.StatusAddr,
			Status: server.StatusFunc(func() any { return orch.Status() }),
			Logger: logger,
		})
		dcfg.Broadcaster = srv
		ocfg.Broadcaster = srv
		producers = append(producers, orchestrator.NewProducer("status_server",
			func(ctx context.Context, _ queue.Enqueuer) error { return srv.Run(ctx) }))
		stopServer := closerFunc(func() error { srv.Close(); return nil })
		closers = append(closers, stopServer)
		ocfg.Closers = append(ocfg.Closers, stopServer)
	}
	ocfg.Closers = append(ocfg.Closers, store)
	ocfg.Producers = producers

	d := dispatch.New(st, dcfg)
	stats["dispatch"] = func() any { return d.Stats() }

	orch = orchestrator.New(q, st, brain, d, ocfg)
	return orch, nil
}

// decisionBackendRequired makes an unreachable decision backend abort
// startup. Backends without a health probe always pass.
func decisionBackendRequired(client *llm.DecisionClient) orchestrator.Required {
	return orchestrator.Required{Name: "decision_backend", Connector: orchestrator.ConnectorFunc(client.HealthCheck)}
}

// voiceProducer reads operator speech from stdin or a file or FIFO. The file
// is opened inside the producer so a FIFO without a writer does not block
// startup.
func voiceProducer(source string, logger *zap.Logger) orchestrator.Producer {
	return orchestrator.NewProducer("operator_voice", func(ctx context.Context, q queue.Enqueuer) error {
		if source == "" || source == "stdin" {
			return voice.NewLineSource(os.Stdin, logger).Run(ctx, q)
		}
		f, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("voice: open %s: %w", source, err)
		}
		defer f.Close()
		return voice.NewLineSource(f, logger).Run(ctx, q)
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
