package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/config"
	"github.com/Tyrowin/presence-relay/internal/logging"
	"github.com/Tyrowin/presence-relay/internal/server"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presence-relay",
		Short: "Presence and chat relay over WebSocket",
		Long: `presence-relay admits users identified by HTTP Basic credentials over
WebSocket, announces who joins and leaves, and relays chat messages to
everyone connected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server until SIGINT or SIGTERM.

Settings come from built-in defaults, then the optional YAML file given by
--config, then environment variables, then the flags below.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			cfg = config.Sanitize(cfg)

			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return run(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", ":8081", "Address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format (json or console)")

	return cmd
}

// run serves until ctx is cancelled or a shutdown signal arrives, then stops
// accepting connections and closes every session.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.WithLogger(log))
	log.Info("starting presence relay",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("allowed_origins", cfg.Server.AllowedOrigins))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received; closing all sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	if err := <-serveErr; err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}
