package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/playground/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or validate the configuration",
	Long: `Print the effective configuration after applying the config file,
environment variables, flags and defaults.

Examples:
  playground config                          # Effective configuration as YAML
  playground config --format json            # ... as JSON
  playground config validate                 # Validate the effective configuration
  playground config validate --file prod.yml # Validate a specific file`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var (
	configFormat string
	configFile   string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)

	configCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
	configValidateCmd.Flags().StringVar(&configFile, "file", "", "Configuration file to validate")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return writeConfig(cmd.OutOrStdout(), cfg, configFormat)
}

func writeConfig(w io.Writer, cfg *config.Config, format string) error {
	shown := *cfg
	if shown.Share.GistAuthToken != "" {
		shown.Share.GistAuthToken = "[redacted]"
	}

	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&shown); err != nil {
			return err
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(&shown)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return fmt.Errorf("configuration file %s: %w", configFile, err)
		}
		v = viper.New()
		config.SetDefaults(v)
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if _, err := config.LoadFrom(v); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")

	return nil
}
