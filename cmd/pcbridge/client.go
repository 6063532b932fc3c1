package main

import (
	"fmt"

	"github.com/kalambet/pcbridge/internal/agent"
	"github.com/kalambet/pcbridge/internal/config"
)

// newAPIClient builds a relay client from config. Tests replace it.
var newAPIClient = func() (*agent.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.RequireAgent(); err != nil {
		return nil, err
	}
	return agent.NewClient(cfg.Agent.ServerURL, cfg.Auth.AgentSecret), nil
}
