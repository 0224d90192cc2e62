// Package config provides configuration management for the playground build
// service using Viper for loading from files, environment variables, and
// command-line flags.
//
// The deployment environment variables (PORT, BUILD_TEMPLATE_PATH, BUILT_PATH,
// SHUTDOWN_DELAY, MAX_BUILT_DIR_SIZE, MAX_TARGET_DIR_SIZE, GIST_AUTH_TOKEN and
// PRODUCTION) are bound to their keys without a prefix. Every other key can be
// overridden with a PLAYGROUND_ prefixed variable, for example
// PLAYGROUND_RATELIMIT_BURST.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/validation"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Build     BuildConfig     `mapstructure:"build" yaml:"build"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Share     ShareConfig     `mapstructure:"share" yaml:"share"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Liveness  LivenessConfig  `mapstructure:"liveness" yaml:"liveness"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	Production     bool     `mapstructure:"production" yaml:"production"`
	DocsURL        string   `mapstructure:"docs_url" yaml:"docs_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type BuildConfig struct {
	TemplatePath     string        `mapstructure:"template_path" yaml:"template_path"`
	ScratchPath      string        `mapstructure:"scratch_path" yaml:"scratch_path"`
	Command          string        `mapstructure:"command" yaml:"command"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	PatchArgs        []string      `mapstructure:"patch_args" yaml:"patch_args"`
	OutputDir        string        `mapstructure:"output_dir" yaml:"output_dir"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ToolVersion      string        `mapstructure:"tool_version" yaml:"tool_version"`
	MaxTargetDirSize int64         `mapstructure:"max_target_dir_size" yaml:"max_target_dir_size"`
}

type ArtifactsConfig struct {
	BuiltPath       string        `mapstructure:"built_path" yaml:"built_path"`
	MaxBuiltDirSize int64         `mapstructure:"max_built_dir_size" yaml:"max_built_dir_size"`
	CleanInterval   time.Duration `mapstructure:"clean_interval" yaml:"clean_interval"`
	PreservedIDs    []string      `mapstructure:"preserved_ids" yaml:"preserved_ids"`
}

type ShareConfig struct {
	MaxSize       int64  `mapstructure:"max_size" yaml:"max_size"`
	DBPath        string `mapstructure:"db_path" yaml:"db_path"`
	// CacheSize bounds the in-memory read cache in bytes; zero disables it.
	CacheSize     int64  `mapstructure:"cache_size" yaml:"cache_size"`
	GistAuthToken string `mapstructure:"gist_auth_token" yaml:"-"`
}

type RateLimitConfig struct {
	Burst int     `mapstructure:"burst" yaml:"burst"`
	Rate  float64 `mapstructure:"rate" yaml:"rate"` // tokens per second
}

type LivenessConfig struct {
	// ShutdownDelay is in seconds; zero disables idle shutdown.
	ShutdownDelay int           `mapstructure:"shutdown_delay" yaml:"shutdown_delay"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// IdleDelay returns the liveness idle delay, or zero when disabled.
func (l LivenessConfig) IdleDelay() time.Duration {
	return time.Duration(l.ShutdownDelay) * time.Second
}

// envBindings maps config keys to the unprefixed variables the deployment sets.
var envBindings = map[string]string{
	"server.port":                  "PORT",
	"server.production":            "PRODUCTION",
	"build.template_path":          "BUILD_TEMPLATE_PATH",
	"build.max_target_dir_size":    "MAX_TARGET_DIR_SIZE",
	"artifacts.built_path":         "BUILT_PATH",
	"artifacts.max_built_dir_size": "MAX_BUILT_DIR_SIZE",
	"liveness.shutdown_delay":      "SHUTDOWN_DELAY",
	"share.gist_auth_token":        "GIST_AUTH_TOKEN",
}

// SetDefaults registers default values and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.production", false)
	v.SetDefault("server.docs_url", "https://dioxuslabs.com/learn/")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("build.template_path", "./template")
	v.SetDefault("build.scratch_path", "./build")
	v.SetDefault("build.command", "dx")
	v.SetDefault("build.args", []string{"build", "--platform", "web", "--json-output", "--verbose", "--locked"})
	v.SetDefault("build.patch_args", []string{"--patch"})
	v.SetDefault("build.output_dir", "target/dx/{PACKAGE}/debug/web/public")
	v.SetDefault("build.timeout", 5*time.Minute)
	v.SetDefault("build.tool_version", "")
	v.SetDefault("build.max_target_dir_size", int64(10)<<30)

	v.SetDefault("artifacts.built_path", "./temp/")
	v.SetDefault("artifacts.max_built_dir_size", int64(2)<<30)
	v.SetDefault("artifacts.clean_interval", time.Minute)
	v.SetDefault("artifacts.preserved_ids", []string{})

	v.SetDefault("share.max_size", int64(64)<<10)
	v.SetDefault("share.db_path", "./shared.db")
	v.SetDefault("share.cache_size", int64(8)<<20)

	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.rate", 0.2)

	v.SetDefault("liveness.shutdown_delay", 0)
	v.SetDefault("liveness.check_interval", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Viper hands comma separated env values through as a single element.
	config.Build.Args = splitList(config.Build.Args)
	config.Build.PatchArgs = splitList(config.Build.PatchArgs)
	config.Artifacts.PreservedIDs = splitList(config.Artifacts.PreservedIDs)
	config.Server.AllowedOrigins = splitList(config.Server.AllowedOrigins)

	if err := validateConfig(&config); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "invalid configuration", err)
	}

	return &config, nil
}

func splitList(in []string) []string {
	if len(in) != 1 || !strings.Contains(in[0], ",") {
		return in
	}
	var out []string
	for _, part := range strings.Split(in[0], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	if err := validateArtifactsConfig(&config.Artifacts); err != nil {
		return fmt.Errorf("artifacts config: %w", err)
	}
	if config.Share.MaxSize <= 0 {
		return fmt.Errorf("share config: max_size must be positive")
	}
	if config.Share.CacheSize < 0 {
		return fmt.Errorf("share config: cache_size must not be negative")
	}
	if config.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit config: burst must be at least 1")
	}
	if config.RateLimit.Rate <= 0 {
		return fmt.Errorf("ratelimit config: rate must be positive")
	}
	if config.Liveness.ShutdownDelay < 0 {
		return fmt.Errorf("liveness config: shutdown_delay must not be negative")
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Port 0 lets tests bind an ephemeral port.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}
	if err := validation.ValidateHost(config.Host); err != nil {
		return err
	}
	if err := validation.ValidateURL(config.DocsURL); err != nil {
		return fmt.Errorf("docs_url: %w", err)
	}
	for _, origin := range config.AllowedOrigins {
		if err := validation.ValidateOriginPattern(origin); err != nil {
			return fmt.Errorf("allowed_origins: %w", err)
		}
	}

	return nil
}

// validateBuildConfig validates build configuration values
func validateBuildConfig(config *BuildConfig) error {
	if err := validation.ValidatePath(config.TemplatePath); err != nil {
		return fmt.Errorf("template_path: %w", err)
	}
	if err := validation.ValidatePath(config.ScratchPath); err != nil {
		return fmt.Errorf("scratch_path: %w", err)
	}
	if filepath.Clean(config.TemplatePath) == filepath.Clean(config.ScratchPath) {
		return fmt.Errorf("scratch_path must differ from template_path")
	}
	if err := validation.ValidateCommand(config.Command); err != nil {
		return err
	}
	for _, arg := range append(append([]string(nil), config.Args...), config.PatchArgs...) {
		if err := validation.ValidateArgument(arg); err != nil {
			return fmt.Errorf("argument %q: %w", arg, err)
		}
	}
	if err := validation.ValidateRelativePath(config.OutputDir); err != nil {
		return fmt.Errorf("output_dir: %w", err)
	}
	if config.MaxTargetDirSize <= 0 {
		return fmt.Errorf("max_target_dir_size must be positive")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}

func validateArtifactsConfig(config *ArtifactsConfig) error {
	if err := validation.ValidatePath(config.BuiltPath); err != nil {
		return fmt.Errorf("built_path: %w", err)
	}
	if config.MaxBuiltDirSize <= 0 {
		return fmt.Errorf("max_built_dir_size must be positive")
	}
	if config.CleanInterval <= 0 {
		return fmt.Errorf("clean_interval must be positive")
	}

	return nil
}
