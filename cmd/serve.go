package cmd

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/playground/internal/build"
	"github.com/conneroisu/playground/internal/config"
	"github.com/conneroisu/playground/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the build service",
	Long: `Start the build service: the /ws build endpoint, published artifacts under
/built, share codes under /shared and the hot-reload endpoints.

Examples:
  playground serve                         # Listen on $PORT or 3000
  playground serve --port 8080             # Listen on 8080
  BUILD_TEMPLATE_PATH=./tpl playground serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 3000, "Port to serve on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Bool("production", false, "Trust X-Forwarded-For from the fronting proxy")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.production", serveCmd.Flags().Lookup("production"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probed, err := build.ProbeVersion(ctx, cfg.Build.Command)
	switch {
	case err != nil:
		logger.Warn(ctx, err, "Toolchain version probe failed", "command", cfg.Build.Command)
	case cfg.Build.ToolVersion != "" && probed != cfg.Build.ToolVersion:
		logger.Warn(ctx, nil, "Toolchain version differs from configuration",
			"configured", cfg.Build.ToolVersion,
			"probed", probed)
	default:
		logger.Info(ctx, "Toolchain found", "version", probed)
	}
	if cfg.Build.ToolVersion == "" {
		cfg.Build.ToolVersion = probed
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return srv.Run(ctx, ln)
}
