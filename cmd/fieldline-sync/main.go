package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldline/internal/api"
	"github.com/fieldline/fieldline/internal/store"
	"github.com/fieldline/fieldline/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:     "fieldline-sync",
		Short:   "Fieldline mobile sync server",
		Long:    "Offline-first mobile synchronization server with server-authoritative payment reconciliation.",
		Version: version.String(),
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newAdminCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := api.LoadConfig(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				slog.Error("open store", "err", err)
				os.Exit(1)
			}
			defer st.Close()

			srv, err := api.NewServer(cfg, st)
			if err != nil {
				slog.Error("create server", "err", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(); err != nil {
				slog.Error("start server", "err", err)
				os.Exit(1)
			}
			slog.Info("server started", "addr", cfg.ListenAddr, "version", version.String())

			<-ctx.Done()
			slog.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown", "err", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func setupLogging(cfg api.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
