package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mochi-ai/mochi-server/internal/config"
	"github.com/mochi-ai/mochi-server/internal/httpapi"
)

var serveFlags *pflag.FlagSet

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	c.Flags().String("host", "127.0.0.1", "bind host")
	c.Flags().Int("port", 8000, "bind port")
	c.Flags().String("ollama_host", "http://localhost:11434", "Ollama daemon base URL")
	c.Flags().String("data_dir", ".", "data root directory")
	c.Flags().String("log_level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	serveFlags = c.Flags()
	return c
}

func runServe() error {
	cfg, err := config.Load(cfgFile, serveFlags)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	server, err := httpapi.New(cfg)
	if err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN", "WARNING":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
