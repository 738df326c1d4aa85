package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unifimcp/config"
	loggerv2 "unifimcp/logger/v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "unifi-mcp",
	Short: "MCP gateway for the UniFi Site Manager API",
	Long: `MCP gateway for the UniFi Site Manager API.

Serves the MCP streamable HTTP transport and turns tool calls into calls
against https://api.ui.com. Configuration comes from the environment, an
optional .env file and flags.

Examples:
  # Serve on the default port
  UNIFI_API_KEY=... unifi-mcp serve

  # Check a running gateway
  unifi-mcp probe --url http://localhost:3000/mcp --call list_hosts`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			return config.LoadDotEnv(envFile)
		}
		return config.LoadDotEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default .env when present)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-output", "stderr", "log output (stdout, stderr or a file path)")

	bindFlags(rootCmd, map[string]string{
		"log-level":  config.KeyLogLevel,
		"log-format": config.KeyLogFormat,
		"log-output": config.KeyLogOutput,
	}, true)

	rootCmd.AddCommand(GetServeCmd())
	rootCmd.AddCommand(GetProbeCmd())
	rootCmd.AddCommand(GetToolsCmd())
}

// bindFlags binds flags to viper keys. A failed binding is a programming
// error, so it panics at startup.
func bindFlags(cmd *cobra.Command, keys map[string]string, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for flag, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// newLogger builds the process logger from the LOG_* settings.
func newLogger(cfg *config.Config) (loggerv2.Logger, error) {
	logger, err := loggerv2.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
