// Package cmd implements the CLI commands for subflow.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/subflowhq/subflow/internal/config"
	"github.com/subflowhq/subflow/internal/observability"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "subflow",
	Short: "Bilingual subtitle pipeline engine",
	Long: `subflow turns a media file into bilingual subtitles through a staged
pipeline: audio preprocessing, voice activity detection, speech
recognition, LLM transcript correction, and semantic chunking with
translation.

The worker process consumes pipeline tasks from a Redis queue; the
remaining commands are operator tools for migrations, storage
maintenance, and running a pipeline locally.`,
	// PersistentPreRunE is set in init() to avoid an initialization cycle.
}

// runtimeError marks failures that happened after configuration was
// accepted, so the process can exit 2 instead of 1.
type runtimeError struct {
	err error
}

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

// failRuntime wraps err as a runtime failure.
func failRuntime(err error) error {
	if err == nil {
		return nil
	}
	return &runtimeError{err: err}
}

// ExitCode maps an Execute error to the process exit code: 0 on success,
// 1 for configuration or usage errors, 2 for runtime failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var rt *runtimeError
	if errors.As(err, &rt) {
		return 2
	}
	return 1
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set PersistentPreRunE here to avoid an initialization cycle
	// (initLogging references rootCmd.PersistentFlags).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags.
	// These flags are NOT bound to viper. Instead, we check if they were
	// explicitly set using Changed() and only then override the config/env
	// values. This preserves the priority: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/subflow, $HOME/.subflow)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/subflow")
		viper.AddConfigPath("$HOME/.subflow")
	}

	viper.SetEnvPrefix("SUBFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (SUBFLOW_LOGGING_LEVEL, SUBFLOW_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	// We don't bind flags to viper because viper's flag layer would always
	// override env/config, even when the flag still holds its default value.
	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg := config.LoggingConfig{
		Level:     strings.ToLower(level),
		Format:    strings.ToLower(format),
		AddSource: viper.GetBool("logging.add_source"),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	observability.SetDefault(observability.NewLogger(logCfg))
	return nil
}
