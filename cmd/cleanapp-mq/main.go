// Command cleanapp-mq publishes to and consumes from a CleanApp exchange
// using the messaging runtime. It doubles as a smoke test for broker
// topology and exposes metrics and health endpoints while consuming.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cleanapp/golib/config"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags override the configuration file and environment
type globalFlags struct {
	configPath string
	url        string
	exchange   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "cleanapp-mq",
		Short:         "Publish to and consume from CleanApp RabbitMQ exchanges",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides "+config.EnvURL+")")
	rootCmd.PersistentFlags().StringVarP(&flags.exchange, "exchange", "e", "", "exchange name (overrides "+config.EnvExchange+")")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(newPublishCmd(&flags), newConsumeCmd(&flags))
	return rootCmd
}

// loadConfig layers file, environment and flags, then validates
func loadConfig(flags *globalFlags, lookup config.LookupFunc) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	ignored := cfg.ApplyEnv(lookup)

	if flags.url != "" {
		cfg.URL = flags.url
	}
	if flags.exchange != "" {
		cfg.Exchange = flags.exchange
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	for _, e := range ignored {
		logger.Warn("ignoring environment override", "error", e)
	}
	return cfg, logger, nil
}
