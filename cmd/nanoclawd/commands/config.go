package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/secret"
)

// newConfigCmd creates the `nanoclawd config` command group, grounded on
// the teacher's `copilot config` (cmd/copilot/commands/config.go):
// init/show/validate plus the keyring-backed set-key/delete-key/key-status
// trio for the provider API key.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage nanoclawd configuration",
	}
	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
		newConfigKeyStatusCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			target := "config.yaml"
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists, remove it first or edit it directly", target)
			}

			data, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return err
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return err
			}

			fmt.Printf("Created %s with default configuration.\n", target)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Run: nanoclawd onboard   (guided setup)")
			fmt.Println("  2. Or edit config.yaml by hand, then: nanoclawd serve")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("# loaded from: %s\n\n", path)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Sanity-check the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("Config: %s\n", path)
			fmt.Printf("  Name:          %s\n", cfg.Name)
			fmt.Printf("  Data dir:      %s\n", cfg.DataDir)
			fmt.Printf("  Agent command: %s\n", cfg.Agent.Command)
			fmt.Printf("  Provider:      %s (%s)\n", cfg.Agent.Provider, cfg.Agent.Model)
			fmt.Printf("  Channels:      discord=%v web=%v whatsapp=%v\n",
				cfg.Channels.Discord.Enabled, cfg.Channels.Web.Enabled, cfg.Channels.WhatsApp.Enabled)
			fmt.Printf("  Plugin dirs:   %v\n", cfg.Plugins.Dirs)
			fmt.Println("\nConfiguration is valid.")
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM provider API key in the OS keyring (encrypted)",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !secret.Available() {
				fmt.Println("OS keyring is not available on this system.")
				fmt.Println("Make sure a keyring service is running:")
				fmt.Println("  Linux:   gnome-keyring-daemon or kwallet")
				fmt.Println("  macOS:   Keychain (built-in)")
				fmt.Println("  Windows: Credential Manager (built-in)")
				return fmt.Errorf("keyring not available")
			}

			reader := bufio.NewReader(os.Stdin)
			if existing := secret.Get("provider_api_key"); existing != "" {
				fmt.Printf("A key is already stored: %s\n", mask(existing))
				fmt.Print("Overwrite? (y/n) [n]: ")
				if ans := strings.TrimSpace(readLine(reader)); strings.ToLower(ans) != "y" {
					fmt.Println("Cancelled.")
					return nil
				}
			}

			fmt.Print("Enter provider API key: ")
			key := strings.TrimSpace(readLine(reader))
			if key == "" {
				return fmt.Errorf("no key provided")
			}
			if err := secret.Store("provider_api_key", key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}

			fmt.Println("\nAPI key stored in the OS keyring.")
			fmt.Println("The keyring is checked before NANOCLAW_PROVIDER_API_KEY.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the provider API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := secret.Delete("provider_api_key"); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Println("Provider API key removed from the OS keyring.")
			return nil
		},
	}
}

func newConfigKeyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key-status",
		Short: "Show where the provider API key would be resolved from",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println("Provider API key resolution order:")
			fmt.Println()
			if secret.Available() {
				if val := secret.Get("provider_api_key"); val != "" {
					fmt.Printf("  1. [OK] OS keyring:                %s\n", mask(val))
				} else {
					fmt.Println("  1. [--] OS keyring:                (not set)")
				}
			} else {
				fmt.Println("  1. [!!] OS keyring:                (not available)")
			}
			if val := os.Getenv("NANOCLAW_PROVIDER_API_KEY"); val != "" {
				fmt.Printf("  2. [OK] NANOCLAW_PROVIDER_API_KEY: %s\n", mask(val))
			} else {
				fmt.Println("  2. [--] NANOCLAW_PROVIDER_API_KEY: (not set)")
			}
			fmt.Println()
			fmt.Println("Recommendation: use 'nanoclawd config set-key' for maximum security.")
			return nil
		},
	}
}

func mask(val string) string {
	if len(val) <= 8 {
		return "****"
	}
	return val[:4] + "****" + val[len(val)-4:]
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

// loadConfig loads the config from the --config flag or auto-discovers it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, "", fmt.Errorf("no config file found.\nRun 'nanoclawd config init' to create one, or pass --config <path>")
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
