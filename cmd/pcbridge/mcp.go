package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/pcbridge/internal/api"
	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the task queue and chat memory as MCP tools over stdio",
	Long: `Serve an MCP server on stdin/stdout.

The server opens the relay's storage directly, so it must run on the relay
host. Logs go to stderr; stdout carries only the MCP protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("mcp needs the sqlite storage backend to share state with the relay")
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	persona, err := config.LoadPersona(cfg.Persona.Path)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Queue:  newQueue(cfg, store, logger, nil),
		Memory: newMemory(cfg, store, persona, logger),
	}, version)

	stdioSrv := server.NewStdioServer(mcpSrv)
	logger.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
