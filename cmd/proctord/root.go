package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/logging"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "proctord",
	Short: "Exam proctoring signal detector",
	Long: `proctord runs the violation detector for proctored exam pages. Pages
connect over a WebSocket and stream focus, keyboard and window signals;
accepted violations are counted per session, reported to the configured
sinks and escalate to a block at the configured threshold.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.proctord/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: PROCTORD_LOG_LEVEL)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("proctord %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config with environment overrides
// applied and --log-level on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
}

// newLogger builds the process logger and makes it the default.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

// cliLogger logs warnings and errors to stderr for the offline commands.
func cliLogger() *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.LevelWarn
	if flagLogLevel != "" {
		if level, err := logging.ParseLevel(flagLogLevel); err == nil {
			lc.Level = level
		}
	}
	logger, err := logging.New(lc)
	if err != nil {
		return logging.Default()
	}
	return logger
}
