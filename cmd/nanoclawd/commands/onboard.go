package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/secret"
)

// newOnboardCmd creates the `nanoclawd onboard` wizard. It covers the same
// ground as the teacher's `copilot setup` (cmd/copilot/commands/setup.go) —
// assistant name, data directory, which channel to start with, the
// provider API key — but asks through a charmbracelet/huh form instead of
// the teacher's bufio.Reader prompt loop. huh is in the teacher's own
// go.mod (a declared dependency with no call site in the retrieved
// source), so this wizard is this module's actual exercise of it; the
// form usage follows huh's documented Group/Run contract rather than a
// teacher call site — see DESIGN.md.
func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard for config.yaml",
		Long: `Walks through creating config.yaml: assistant name, data
directory, which channel to enable first, and your LLM provider's API key.

Examples:
  nanoclawd onboard`,
		RunE: runOnboard,
	}
}

func runOnboard(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	startChannel := "web"
	var discordToken string
	var apiKey string
	var storeKeyInKeyring bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&cfg.Name),
			huh.NewInput().Title("Data directory").Value(&cfg.DataDir),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which channel do you want to start with?").
				Options(
					huh.NewOption("Local web dashboard (no account needed)", "web"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("WhatsApp", "whatsapp"),
				).
				Value(&startChannel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Value(&discordToken).
				EchoMode(huh.EchoModePassword),
		).WithHideFunc(func() bool { return startChannel != "discord" }),
		huh.NewGroup(
			huh.NewInput().
				Title("LLM provider API key").
				Value(&apiKey).
				EchoMode(huh.EchoModePassword),
			huh.NewConfirm().
				Title("Store keys in the OS keyring instead of .env (API key) and config.yaml (Discord token)?").
				Value(&storeKeyInKeyring),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding: %w", err)
	}

	switch startChannel {
	case "discord":
		cfg.Channels.Discord.Enabled = true
		if !storeKeyInKeyring {
			cfg.Channels.Discord.Token = discordToken
		}
	case "whatsapp":
		cfg.Channels.WhatsApp.Enabled = true
		cfg.Channels.WhatsApp.SessionDir = cfg.DataDir + "/whatsapp"
	default:
		cfg.Channels.Web.Enabled = true
	}

	if apiKey != "" {
		if storeKeyInKeyring && secret.Available() {
			if err := secret.Store("provider_api_key", apiKey); err != nil {
				return fmt.Errorf("storing provider key: %w", err)
			}
			if startChannel == "discord" && discordToken != "" {
				_ = secret.Store("discord_token", discordToken)
			}
		} else {
			fmt.Println("Keyring unavailable or declined; writing the key to .env instead.")
			if err := os.WriteFile(".env", []byte("NANOCLAW_PROVIDER_API_KEY="+apiKey+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing .env: %w", err)
			}
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile("config.yaml", data, 0o644); err != nil {
		return fmt.Errorf("writing config.yaml: %w", err)
	}

	fmt.Println("\nWrote config.yaml.")
	if startChannel == "whatsapp" {
		if err := whatsapp.Pair(context.Background(), slog.Default(), cfg.Channels.WhatsApp.SessionDir); err != nil {
			return fmt.Errorf("pairing whatsapp: %w", err)
		}
	}
	fmt.Println("Next: nanoclawd serve")
	return nil
}
