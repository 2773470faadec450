// Package main is the entry point for the devmux-agent binary.
// devmux-agent is the workspace sidecar: it dials the hub's agent WebSocket,
// hosts the workspace's terminal tabs, and runs git, docker, and host
// operations on the hub's behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/sidecar"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to agent config file")
		hubURL      = flag.String("hub", "", "hub agent WebSocket URL (ws://host:port/ws/agent)")
		workspaceID = flag.String("workspace", "", "workspace ID to register as")
		token       = flag.String("token", "", "agent token for the workspace")
		workDir     = flag.String("workdir", "", "workspace directory")
		shell       = flag.String("shell", "", "shell for new tabs (default: $SHELL)")
	)
	flag.Parse()

	cfg, err := sidecar.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override both the config file and the environment.
	if *hubURL != "" {
		cfg.HubURL = *hubURL
	}
	if *workspaceID != "" {
		cfg.WorkspaceID = *workspaceID
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *shell != "" {
		cfg.Shell = *shell
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting devmux-agent",
		zap.String("version", sidecar.Version),
		zap.String("hub_url", cfg.HubURL),
		zap.String("workspace_id", cfg.WorkspaceID),
		zap.String("workdir", cfg.WorkDir))
	if len(cfg.Labels) > 0 {
		log.Info("agent labels", zap.Any("labels", cfg.Labels))
	}

	agent := sidecar.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("shutting down devmux-agent...", zap.String("signal", sig.String()))
		cancel()
	}()

	err = agent.Run(ctx)
	agent.Shutdown()

	switch {
	case errors.Is(err, sidecar.ErrUpdateRequested):
		// Exit cleanly so the supervisor installs the new bundle and
		// restarts us.
		log.Info("exiting for update")
	case err != nil:
		log.Error("agent exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	default:
		log.Info("devmux-agent stopped")
	}
}
