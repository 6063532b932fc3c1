package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pcbridge/internal/api"
	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/intent"
	"github.com/kalambet/pcbridge/internal/kv"
	"github.com/kalambet/pcbridge/internal/llm"
	"github.com/kalambet/pcbridge/internal/memory"
	"github.com/kalambet/pcbridge/internal/queue"
	"github.com/kalambet/pcbridge/internal/router"
	"github.com/kalambet/pcbridge/internal/scheduler"
	"github.com/kalambet/pcbridge/internal/session"
	"github.com/kalambet/pcbridge/internal/storage"
	"github.com/kalambet/pcbridge/internal/telegram"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

const (
	shutdownTimeout = 5 * time.Second
	// resultSuffixRoom leaves space for the markers the agent appends after
	// cutting output at agent.max_output.
	resultSuffixRoom = 96
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: Telegram webhook, router and task queue API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// openStore returns the configured kv backend and a close func.
func openStore(cfg config.Config) (kv.Store, func(), error) {
	if cfg.Storage.Backend == "memory" {
		return kv.NewMemory(), func() {}, nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}, nil
}

func newQueue(cfg config.Config, store kv.Store, logger *slog.Logger, m *telemetry.Metrics) *queue.Queue {
	return queue.New(store, queue.Options{
		Channel:      cfg.Queue.Channel,
		TTL:          cfg.Queue.TTL,
		MaxSize:      cfg.Queue.MaxSize,
		HeartbeatTTL: cfg.Queue.HeartbeatTTL,
		Logger:       logger,
		Metrics:      m,
	})
}

func newMemory(cfg config.Config, store kv.Store, persona config.Persona, logger *slog.Logger) *memory.Store {
	return memory.New(store, memory.Options{
		MaxTurns:     cfg.Memory.MaxTurns,
		TurnTTL:      cfg.Memory.TurnTTL,
		MaxTurnChars: cfg.Memory.MaxTurnChars,
		MaxFacts:     cfg.Memory.MaxFacts,
		SharedFacts:  persona.SharedFacts,
		Logger:       logger,
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("pcbridge relay starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: cfg.OTel.Exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(prov.Meter)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	persona, err := config.LoadPersona(cfg.Persona.Path)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}

	q := newQueue(cfg, store, logger, metrics)
	mem := newMemory(cfg, store, persona, logger)

	var sessions session.Cache = session.NewMemory(kv.RealClock())
	if cfg.Auth.SessionStore == "persistent" {
		sessions = session.NewKV(store)
	}

	llmClient := llm.NewClientWithBaseURL(cfg.LLM.APIKeys, cfg.LLM.BaseURL,
		llm.WithMaxAttempts(cfg.LLM.MaxAttempts),
		llm.WithLogger(logger),
		llm.WithMetrics(metrics),
	)
	classifier := intent.NewClassifier(llmClient, persona.SkillHints(), cfg.LLM.ClassifyTimeout, logger)

	bot, err := telegram.NewBot(cfg.Telegram.BotToken)
	if err != nil {
		return err
	}
	botUsername := cfg.Telegram.BotUsername
	if botUsername == "" {
		botUsername = bot.Self.UserName
	}
	sender := telegram.NewSender(bot, logger)

	rt := router.New(router.Deps{
		Queue:      q,
		Memory:     mem,
		Sessions:   sessions,
		Classifier: classifier,
		LLM:        llmClient,
		Sender:     sender,
		Persona:    persona,
	}, router.Options{
		Password:        cfg.Auth.Password,
		SessionTTL:      cfg.Auth.SessionTTL,
		MaxChainDepth:   cfg.Router.MaxChainDepth,
		HistoryLimit:    cfg.Memory.HistoryLimit,
		ClassifyModel:   cfg.LLM.ClassifyModel,
		ChatTimeout:     cfg.LLM.ChatTimeout,
		ChatTemperature: cfg.LLM.ChatTemperature,
		MaxResultChars:  max(cfg.Agent.MaxOutput+resultSuffixRoom, router.DefaultMaxResultChars),
		Logger:          logger,
		Metrics:         metrics,
	})

	handler := api.NewHandler(api.Deps{
		Queue:         q,
		Messages:      rt,
		Deliverer:     rt,
		AgentSecret:   cfg.Auth.AgentSecret,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		BotUsername:   botUsername,
		Logger:        logger,
	})

	sched, err := scheduler.New(scheduler.Config{
		Schedule: cfg.Scheduler.SweepSchedule,
		Targets: []scheduler.Target{
			{Name: "queue", Sweeper: q},
			{Name: "kv", Sweeper: store},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", "addr", addr, "telegram_mode", cfg.Telegram.Mode, "bot", botUsername)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Telegram.Mode == "poll" {
		// getUpdates is refused while a webhook is registered.
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logger.Warn("removing webhook before polling failed", "error", err)
		}
		poller := telegram.NewPoller(bot, botUsername, rt, logger)
		g.Go(func() error { return poller.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		waitDetached(sctx, handler, logger)
		return err
	})

	return g.Wait()
}

// waitDetached gives in-flight webhook and delivery work until ctx expires.
func waitDetached(ctx context.Context, h *api.Handler, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("detached work still running at shutdown")
	}
}
