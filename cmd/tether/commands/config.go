package commands

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/eachlabs/tether/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage tether configuration.

Subcommands:
  get [key]              Show configuration value(s)
  set <key> <value>      Set a configuration value
  path                   Show config file path`,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show configuration",
	Long: `Show configuration values. API keys are masked.

Examples:
  tether config get                    # Show all config
  tether config get provider.anthropic.api_key
  tether config get defaults.backend`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewFileStore(configPath()).Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			masked := maskSecrets(cfg)
			if jsonOut {
				return printJSON(out, masked)
			}
			return toml.NewEncoder(out).Encode(masked)
		}

		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out, value)
		}
		fmt.Fprintf(out, "%v\n", value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Running servers pick the change up
without a restart.

Examples:
  tether config set defaults.backend anthropic
  tether config set provider.anthropic.api_key sk-ant-...
  tether config set provider.openai.base_url https://openrouter.ai/api/v1
  tether config set server.port 9090`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		store := config.NewFileStore(configPath())
		if err := store.Update(func(c *config.Config) error {
			return c.Set(key, value)
		}); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}

		shown := value
		if isSecretKey(key) {
			shown = config.MaskToken(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), configPath())
	},
}

func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	out.Provider = make(map[string]config.ProviderConfig, len(cfg.Provider))
	for name, p := range cfg.Provider {
		if p.APIKey != "" {
			p.APIKey = config.MaskToken(p.APIKey)
		}
		out.Provider[name] = p
	}
	return &out
}

func isSecretKey(key string) bool {
	return strings.HasSuffix(key, ".api_key")
}
