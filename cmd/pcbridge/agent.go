package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/pcbridge/internal/agent"
	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the PC agent: poll the relay and execute queued tasks",
	Long: `Run the PC agent in the foreground.

The agent claims one task at a time from the relay, runs it on this machine
and posts the result back. Shell tasks run unrestricted as the current user,
so only point the agent at a relay you control.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func runAgent() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAgent(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(cfg.Agent.ServerURL, cfg.Auth.AgentSecret)
	executor := agent.NewExecutor(agent.ExecutorOptions{
		Timeout:        cfg.Agent.CommandTimeout,
		MaxOutput:      cfg.Agent.MaxOutput,
		SocialCommand:  cfg.Agent.SocialCommand,
		TwitterCommand: cfg.Agent.TwitterCommand,
		Logger:         logger,
	})
	a := agent.New(client, executor, agent.Options{
		PollInterval:      cfg.Agent.PollInterval,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Logger:            logger,
	})

	printStep("pcbridge agent %s", version)
	printStatus("Relay", "%s", client.BaseURL())
	printStatus("Agent ID", "%s", a.ID())
	printStatus("Poll", "%s", cfg.Agent.PollInterval)
	printStatus("Timeout", "%s", cfg.Agent.CommandTimeout)

	if err := a.Run(ctx); err != nil {
		return err
	}
	printSuccess("agent stopped")
	return nil
}
