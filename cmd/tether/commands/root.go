package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "tether - LLM backend core for coding assistants",
	Long: `tether runs concurrent conversations against the Claude CLI, the
Anthropic Messages API or OpenAI-compatible APIs, and relays normalized
events to a host over stdio or WebSocket.

  tether stdio              Serve one host over stdin/stdout
  tether serve              Serve hosts over WebSocket
  tether models [--all]     List models
  tether probe              Inspect the Claude CLI
  tether config             Manage configuration
  tether schema             Print the host protocol schema`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.tether/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tether %s\n", version)
	},
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

// setupLogging installs the default logger from flags and config.
func setupLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	file := cfg.LogFile()
	if file != "" && filepath.Dir(file) == config.LogsDir() {
		if err := config.EnsureDirs(); err != nil {
			return nil, nil, err
		}
	}
	return logging.Setup(level, file)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
