// Package cmd provides the command-line interface for the playground build
// service.
//
// Configuration System:
//
//	Configuration is resolved from several sources, highest priority first:
//	1. Command-line flags (--config, --port, --log-level, ...)
//	2. Deployment environment variables (PORT, BUILD_TEMPLATE_PATH, ...)
//	3. PLAYGROUND_ prefixed variables (PLAYGROUND_RATELIMIT_BURST, ...)
//	4. The configuration file (.playground.yml or PLAYGROUND_CONFIG_FILE)
//	5. Built-in defaults
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/playground/internal/config"
	"github.com/conneroisu/playground/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Build service for an online UI framework playground",
	Long: `Playground compiles user programs into browser bundles on demand and serves
them back, streaming build progress over a WebSocket.

Quick Start:
  playground serve                 Start the build service
  playground watch src/main.rs     Hot reload a local file against a server
  playground config                Print the effective configuration
  playground version               Show version information`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .playground.yml, can also use PLAYGROUND_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig selects the config file and enables environment overrides.
// A missing config file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("PLAYGROUND_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".playground")
	}

	viper.SetEnvPrefix("PLAYGROUND")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Format

	return logging.NewLogger(logCfg), nil
}
