package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execgate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logging.Level)

			s, err := server.New(cfg, log)
			if err != nil {
				return err
			}
			if err := s.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execgate listening on %s\n", s.Addr())

			ctx := signalContext(cmd.Context())
			<-ctx.Done()
			return s.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: built-in defaults)")
	return cmd
}

func newAuthorityCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Start a standalone decision authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logging.Level)

			s, err := server.NewAuthorityServer(cfg, log)
			if err != nil {
				return err
			}
			return s.Run(signalContext(cmd.Context()))
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: built-in defaults)")
	return cmd
}

func signalContext(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, _ := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
