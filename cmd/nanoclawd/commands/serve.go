package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/discord"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/web"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/host"
)

// newServeCmd creates the `nanoclawd serve` command that starts the daemon.
// Grounded on the teacher's `copilot serve` (cmd/copilot/commands/serve.go):
// load config, build a logger from it, construct the long-running
// orchestrator, register enabled channels, start, then block on a signal.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and connect enabled channels",
		Long: `Starts NanoClaw as a long-running daemon, connecting whichever
channels are enabled in config.yaml (Discord, the local web dashboard,
WhatsApp) and dispatching inbound messages through the Channel Router.

Examples:
  nanoclawd serve
  nanoclawd serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.New(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("building host: %w", err)
	}

	registerChannels(ctx, h, cfg, logger)

	h.Start(ctx)
	defer h.Stop(context.Background())

	logger.Info("nanoclawd running, press ctrl-c to stop", "name", cfg.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")
	return nil
}

// registerChannels connects every channel enabled in config. A channel that
// fails to connect is logged and skipped rather than aborting the whole
// daemon — the teacher's serve.go does the same for plugin-sourced channels.
func registerChannels(ctx context.Context, h *host.Host, cfg *config.Config, logger *slog.Logger) {
	if cfg.Channels.Web.Enabled {
		ch := web.New(logger, cfg.Channels.Web.Addr, h.Router.Inbound)
		h.Router.Register(ctx, ch)
	}

	if cfg.Channels.Discord.Enabled {
		token := cfg.ResolveDiscordToken()
		if token == "" {
			logger.Error("discord channel enabled but no token resolved, skipping")
		} else {
			ch := discord.New(logger, token, h.Router.Inbound, h.Router.ChatMetadata)
			h.Router.Register(ctx, ch)
		}
	}

	if cfg.Channels.WhatsApp.Enabled {
		ch := whatsapp.New(logger, cfg.Channels.WhatsApp.SessionDir, nil, h.Router.Inbound, h.Router.ChatMetadata)
		h.Router.Register(ctx, ch)
	}
}

// newLogger builds the process-wide slog.Logger from config, honoring
// --verbose the same way the teacher's serve.go does.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
